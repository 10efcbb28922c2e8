// Package responders holds the JSON response helpers shared by the HTTP
// handlers and by applications embedding the payment API router.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes an application/json response with the given status and
// payload. HTML escaping is disabled: payloads carry base64 transactions
// and base58 keys, never markup, and escaped plus signs would corrupt the
// transaction encoding.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
