package middleware

import (
	"context"
	"net/http"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/security"
	"github.com/gamepulse/lobbyd/internal/service"
)

type contextKey string

const (
	IdentityContextKey contextKey = "identity"
)

// Identity is the authenticated caller attached to the request context.
// SessionID comes from the JWT's token id or the restored session row.
type Identity struct {
	UserID    string
	MobileNo  string
	DeviceID  string
	SessionID string
}

// AuthMiddleware accepts `Authorization: Bearer <token>` where the token is
// either the issued JWT (verified locally, no store hit) or the raw session
// token (resolved through the restore path, so revocation takes effect).
func AuthMiddleware(jwtMgr *security.JWTManager, restorer service.SessionRestorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				observability.RecordAccessTokenValidation("missing")
				response.Error(w, r, http.StatusUnauthorized, domain.CodeAuthRequired, "missing bearer token", nil)
				return
			}

			if claims, err := jwtMgr.ParseSessionToken(raw); err == nil {
				observability.RecordAccessTokenValidation("valid_jwt")
				ctx := context.WithValue(r.Context(), IdentityContextKey, &Identity{
					UserID:    claims.Subject,
					MobileNo:  claims.MobileNo,
					DeviceID:  claims.DeviceID,
					SessionID: claims.ID,
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			res, err := restorer.Restore(r.Context(), raw)
			if err != nil {
				observability.RecordAccessTokenValidation("invalid")
				response.Error(w, r, http.StatusUnauthorized, domain.CodeOf(err), "invalid or expired credentials", nil)
				return
			}
			observability.RecordAccessTokenValidation("valid_session")
			ctx := context.WithValue(r.Context(), IdentityContextKey, &Identity{
				UserID:    res.UserID,
				MobileNo:  res.MobileNo,
				DeviceID:  res.DeviceID,
				SessionID: res.SessionID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(*Identity)
	return id, ok
}
