// Package handler holds the REST endpoints. Handlers decode, call one
// service method, and hand typed errors to the response mapper; no business
// logic lives here.
package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gamepulse/lobbyd/internal/domain"
)

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.NewValidationError("body", "malformed json body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
