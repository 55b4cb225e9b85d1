package apierror

import "net/http"

// Code is a machine-readable error identifier. Codes are part of the public
// API contract: clients branch on them, so they are stable strings.
type Code string

// Validation and authentication failures.
const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeInvalidToken Code = "INVALID_TOKEN"
	CodeForbidden    Code = "FORBIDDEN"
)

// Billing failures.
const (
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeBalanceExhausted    Code = "BALANCE_EXHAUSTED"
	CodeFreeLimitExceeded   Code = "FREE_LIMIT_EXCEEDED"
)

// Ambient throttling, distinct from free-tier quota.
const (
	CodeRateLimited Code = "RATE_LIMITED"
)

// Webhook and upstream failures.
const (
	CodeInvalidSignature   Code = "INVALID_SIGNATURE"
	CodeProviderError      Code = "PROVIDER_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeQuotaUnavailable   Code = "QUOTA_UNAVAILABLE"
)

// Everything else.
const (
	CodeNotFound Code = "NOT_FOUND"
	CodeInternal Code = "INTERNAL_ERROR"
)

// HTTPStatus returns the status code this error is served with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeInsufficientCredits, CodeBalanceExhausted:
		return http.StatusPaymentRequired
	case CodeForbidden, CodeInvalidSignature:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeFreeLimitExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeServiceUnavailable, CodeQuotaUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether a client (or webhook sender) should retry.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeServiceUnavailable, CodeQuotaUnavailable, CodeProviderError, CodeInternal:
		return true
	default:
		return false
	}
}
