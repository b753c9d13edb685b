package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gamepulse/lobbyd/internal/config"
	"github.com/gamepulse/lobbyd/internal/health"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/registry"
	"github.com/gamepulse/lobbyd/internal/service"
)

// App owns the process lifecycle: the HTTP server, the background loops
// behind it, and an ordered shutdown that drains before tearing down.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Registry      *registry.Registry
	Broadcast     *service.BroadcastService
	Readiness     *health.ProbeRunner

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	stopBackground func()
	stopOnce       sync.Once
}

func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	reg *registry.Registry,
	broadcast *service.BroadcastService,
	readiness *health.ProbeRunner,
	stopBackground func(),
) *App {
	return &App{
		Config:                       cfg,
		Logger:                       logger,
		Server:                       server,
		Observability:                runtime,
		Registry:                     reg,
		Broadcast:                    broadcast,
		Readiness:                    readiness,
		ShutdownTimeout:              cfg.ShutdownTimeout,
		ShutdownHTTPDrainTimeout:     cfg.ShutdownHTTPDrainTimeout,
		ShutdownObservabilityTimeout: cfg.ShutdownObservabilityTimeout,
		stopBackground:               stopBackground,
	}
}

// Run serves until ctx is cancelled, then performs the ordered shutdown.
// The trigger subscription and readiness loops live under the same ctx.
func (a *App) Run(ctx context.Context) error {
	if a.Readiness != nil {
		a.Readiness.Start(ctx)
	}

	g, runCtx := errgroup.WithContext(ctx)
	if a.Broadcast != nil {
		g.Go(func() error {
			return a.Broadcast.Run(runCtx)
		})
	}
	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

// Shutdown drains HTTP first so in-flight requests finish, then stops the
// background loops, closes every live connection through the registry, and
// flushes telemetry last. Each phase gets its own bounded context under the
// overall shutdown budget.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()

	var errs []error

	drainCtx, cancelDrain := context.WithTimeout(ctx, a.ShutdownHTTPDrainTimeout)
	defer cancelDrain()
	a.Logger.Info("draining http server")
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, err)
	}

	a.StopBackgroundTasks()

	if a.Registry != nil {
		a.Registry.CloseAll()
	}

	obsCtx, cancelObs := context.WithTimeout(ctx, a.ShutdownObservabilityTimeout)
	defer cancelObs()
	if err := a.Observability.Shutdown(obsCtx); err != nil {
		errs = append(errs, err)
	}

	a.Logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// StopBackgroundTasks halts the sweeper, debounce timers, and probe loop
// exactly once. Safe to call ahead of Shutdown, which calls it again.
func (a *App) StopBackgroundTasks() {
	a.stopOnce.Do(func() {
		if a.stopBackground != nil {
			a.stopBackground()
		}
		if a.Broadcast != nil {
			a.Broadcast.Stop()
		}
		if a.Readiness != nil {
			a.Readiness.Stop()
		}
	})
}
