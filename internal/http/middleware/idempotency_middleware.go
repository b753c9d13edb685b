package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/service"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// NewIdempotencyMiddleware returns a per-scope middleware factory. Requests
// without an Idempotency-Key pass through untouched. A replayed key returns
// the recorded response; reusing a key with a different request body is a
// conflict. The store being down degrades to pass-through: deduplication is
// a guard, not a dependency.
func NewIdempotencyMiddleware(store service.IdempotencyStore, ttl time.Duration) func(scope string) func(http.Handler) http.Handler {
	return func(scope string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				key := r.Header.Get(IdempotencyKeyHeader)
				if key == "" {
					next.ServeHTTP(w, r)
					return
				}

				body, err := io.ReadAll(r.Body)
				if err != nil {
					response.Error(w, r, http.StatusBadRequest, domain.CodeValidation, "unreadable request body", nil)
					return
				}
				_ = r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(body))
				fingerprint := requestFingerprint(r.Method, r.URL.Path, body)

				ctx := r.Context()
				res, err := store.Begin(ctx, scope, key, fingerprint, ttl)
				if err != nil {
					slog.Warn("idempotency store unavailable, skipping dedup", "scope", scope, "error", err)
					next.ServeHTTP(w, r)
					return
				}

				switch res.State {
				case service.IdempotencyStateReplay:
					w.Header().Set("Idempotency-Replayed", "true")
					if res.Cached.ContentType != "" {
						w.Header().Set("Content-Type", res.Cached.ContentType)
					}
					w.WriteHeader(res.Cached.StatusCode)
					_, _ = w.Write(res.Cached.Body)
					return
				case service.IdempotencyStateConflict:
					response.Error(w, r, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key reused with a different request", nil)
					return
				case service.IdempotencyStateInProgress:
					response.Error(w, r, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "original request is still in progress", nil)
					return
				}

				rec := &recordingResponseWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(rec, r)

				if rec.status >= http.StatusInternalServerError {
					if err := store.Abandon(ctx, scope, key, fingerprint); err != nil {
						slog.Warn("idempotency claim release failed", "scope", scope, "error", err)
					}
					return
				}
				cached := service.CachedHTTPResponse{
					StatusCode:  rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.body.Bytes(),
				}
				if err := store.Complete(ctx, scope, key, fingerprint, cached, ttl); err != nil {
					slog.Warn("idempotency completion record failed", "scope", scope, "error", err)
				}
			})
		}
	}
}

type recordingResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *recordingResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

func requestFingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
