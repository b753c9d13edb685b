package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gamepulse/lobbyd/internal/health"
	"github.com/gamepulse/lobbyd/internal/http/handler"
	"github.com/gamepulse/lobbyd/internal/http/middleware"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/security"
	"github.com/gamepulse/lobbyd/internal/service"
)

// Dependencies carries everything the router mounts. Limiter funcs left nil
// fall back to local in-process limiters built from the RPM fields; the
// trigger route is only mounted when TriggerSecret is set.
type Dependencies struct {
	ListsHandler   *handler.ListsHandler
	GamesHandler   *handler.GamesHandler
	TriggerHandler *handler.TriggerHandler
	SessionHandler *handler.SessionHandler
	UserHandler    *handler.UserHandler
	WSHandler      http.Handler

	JWTManager      *security.JWTManager
	SessionRestorer service.SessionRestorer
	TriggerSecret   string

	CORSOrigins []string
	BodyLimit   int64

	APIRateLimitRPM     int
	SessionRateLimitRPM int
	TriggerRateLimitRPM int

	GlobalRateLimiter  GlobalRateLimiterFunc
	SessionRateLimiter SessionRateLimiterFunc
	TriggerRateLimiter TriggerRateLimiterFunc
	Idempotency        IdempotencyMiddlewareFactory

	Readiness      *health.ProbeRunner
	EnableOTelHTTP bool
}

type GlobalRateLimiterFunc func(http.Handler) http.Handler
type SessionRateLimiterFunc func(http.Handler) http.Handler
type TriggerRateLimiterFunc func(http.Handler) http.Handler
type IdempotencyMiddlewareFactory func(scope string) func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	bodyLimit := dep.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20
	}
	r.Use(middleware.BodyLimit(bodyLimit))
	if dep.GlobalRateLimiter != nil {
		r.Use(dep.GlobalRateLimiter)
	} else {
		r.Use(middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute).
			WithBypassEvaluator(middleware.NewPathBypassEvaluator("/health/live", "/health/ready")).
			Middleware())
	}

	sessionLimiter := dep.SessionRateLimiter
	if sessionLimiter == nil {
		sessionLimiter = middleware.NewRateLimiter(dep.SessionRateLimitRPM, time.Minute).Middleware()
	}
	triggerLimiter := dep.TriggerRateLimiter
	if triggerLimiter == nil {
		triggerLimiter = middleware.NewRateLimiter(dep.TriggerRateLimitRPM, time.Minute).Middleware()
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	if dep.WSHandler != nil {
		r.Method(http.MethodGet, "/ws", dep.WSHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		authed := middleware.AuthMiddleware(dep.JWTManager, dep.SessionRestorer)

		r.With(authed).Get("/lists/{topic}", dep.ListsHandler.GetList)
		r.With(authed).Get("/games", dep.GamesHandler.ListGames)
		r.With(authed).Get("/me", dep.UserHandler.Me)
		r.With(authed).Patch("/me", dep.UserHandler.UpdateMe)

		// Refresh and revoke authenticate by the presented session token
		// itself, so they stay outside the JWT middleware.
		r.With(sessionLimiter).Post("/sessions/refresh", dep.SessionHandler.Refresh)
		r.With(sessionLimiter).Post("/sessions/revoke", dep.SessionHandler.Revoke)

		if dep.TriggerSecret != "" {
			triggerChain := []func(http.Handler) http.Handler{
				middleware.RequireTriggerSecret(dep.TriggerSecret),
				triggerLimiter,
			}
			if dep.Idempotency != nil {
				triggerChain = append(triggerChain, dep.Idempotency("admin.trigger"))
			}
			r.With(triggerChain...).Post("/trigger/{topic}", dep.TriggerHandler.Trigger)
		}
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
