package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/observability"
)

const TriggerSecretHeader = "X-Trigger-Secret"

// RequireTriggerSecret gates the admin trigger endpoint behind a shared
// secret. The route is only mounted when a secret is configured, so an
// empty header compare never becomes an open door.
func RequireTriggerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(TriggerSecretHeader)
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				observability.RecordAccessTokenValidation("trigger_secret_rejected")
				response.Error(w, r, http.StatusUnauthorized, domain.CodeAuthRequired, "missing or invalid trigger secret", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
