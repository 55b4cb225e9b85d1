// Package responders writes the gateway's JSON responses. Every handler and
// the error envelope go through JSON so content type and encoding stay
// uniform across the API surface.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload as an application/json body with the given status.
// A nil payload sends the status line and headers only.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	// Product responses may embed URLs; keep them readable.
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
