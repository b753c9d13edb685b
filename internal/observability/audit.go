package observability

import (
	"context"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func Audit(r *http.Request, event string, attrs ...any) {
	base := []any{
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", chimiddleware.GetReqID(r.Context()),
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}

// AuditConn is the websocket-side variant: there is no request to pull
// method and path from, only the connection id.
func AuditConn(ctx context.Context, connectionID, event string, attrs ...any) {
	base := []any{
		"event", event,
		"connection_id", connectionID,
	}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit", base...)
}

// MaskMobile keeps the last four digits for correlation without writing
// whole numbers into logs.
func MaskMobile(mobileNo string) string {
	if len(mobileNo) <= 4 {
		return "****"
	}
	return "******" + mobileNo[len(mobileNo)-4:]
}
