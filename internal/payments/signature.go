package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// timestampSkew bounds how far a timestamped signature may drift from the
// server clock. Deliveries outside the window are replays or broken clocks;
// both are rejected.
const timestampSkew = 300 * time.Second

// verifyTimestamped checks a "ts=<unix>;h1=<hex>" style header. The signed
// payload is "<ts>:<raw body>".
func verifyTimestamped(secret, header string, body []byte, now time.Time) error {
	var ts, h1 string
	for _, part := range strings.Split(header, ";") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "h1":
			h1 = v
		}
	}
	if ts == "" || h1 == "" {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	drift := now.Sub(time.Unix(unix, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > timestampSkew {
		return ErrInvalidSignature
	}

	expected := signHex(secret, []byte(ts+":"+string(body)))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(h1))) {
		return ErrInvalidSignature
	}
	return nil
}

// verifyBare checks a plain hex HMAC header, with or without a "sha256="
// prefix.
func verifyBare(secret, header string, body []byte) error {
	sig := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if sig == "" {
		return ErrInvalidSignature
	}
	expected := signHex(secret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrInvalidSignature
	}
	return nil
}

func signHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
