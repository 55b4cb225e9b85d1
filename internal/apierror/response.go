package apierror

import (
	"encoding/json"
	"net/http"

	"github.com/KikuAI/gateway/internal/logger"
)

// Response is the standardized error envelope returned to clients.
type Response struct {
	Error Detail `json:"error"`
}

// Detail carries the code, human-readable message, and optional context.
type Detail struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Write emits the error envelope with the status implied by the code.
// The request id is pulled from the request context so every error a client
// sees can be correlated with server logs.
func Write(w http.ResponseWriter, r *http.Request, code Code, message string, details map[string]any) {
	resp := Response{
		Error: Detail{
			Code:      code,
			Message:   message,
			RequestID: logger.GetRequestID(r.Context()),
			Details:   details,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteSimple emits an error with no additional details.
func WriteSimple(w http.ResponseWriter, r *http.Request, code Code, message string) {
	Write(w, r, code, message, nil)
}
