package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gamepulse/lobbyd/internal/app"
	"github.com/gamepulse/lobbyd/internal/cache"
	"github.com/gamepulse/lobbyd/internal/config"
	"github.com/gamepulse/lobbyd/internal/health"
	"github.com/gamepulse/lobbyd/internal/http/handler"
	"github.com/gamepulse/lobbyd/internal/http/middleware"
	"github.com/gamepulse/lobbyd/internal/http/router"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/registry"
	"github.com/gamepulse/lobbyd/internal/repository"
	"github.com/gamepulse/lobbyd/internal/security"
	"github.com/gamepulse/lobbyd/internal/service"
	"github.com/gamepulse/lobbyd/internal/tools/common"
	"github.com/gamepulse/lobbyd/internal/tools/loadgen"
	"github.com/gamepulse/lobbyd/internal/tools/obscheck"
	"github.com/gamepulse/lobbyd/internal/tools/smoke"
	"github.com/gamepulse/lobbyd/internal/transport/ws"
)

// Set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Route groups that have no dedicated env knob run under these budgets.
// Session refresh has its own knob (LOBBYD_LOGIN_RATE_LIMIT_*) because it
// fronts the credential surface.
const (
	apiRateLimitRPM     = 600
	triggerRateLimitRPM = 120
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "lobbyd",
		Short:   "Lobby backend: OTP login, sessions and live list fan-out",
		Version: Version,
	}
	root.SetVersionTemplate(fmt.Sprintf(
		"lobbyd %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime,
	))
	root.AddCommand(newServeCommand())
	root.AddCommand(newSmokeCommand())
	root.AddCommand(newLoadgenCommand())
	root.AddCommand(obscheck.NewRootCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lobby server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if envFile != "" {
				if err := common.LoadEnvFile(envFile); err != nil {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
			}
			return serve(ctx)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "env file applied before .env; already-exported variables win")
	return cmd
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, loggerProvider, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger)

	runtime, err := observability.InitRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	// Shutdown flushes the log pipeline together with metrics and traces.
	runtime.LoggerProvider = loggerProvider

	store, err := newKeyedStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	redisClient := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = redisClient.Close() }()
	redisCache := cache.NewRedisCache(redisClient, cfg.RedisKeyPrefix)

	users := repository.NewUserRepository(store)
	sessionRows := repository.NewSessionRepository(store)
	otps := repository.NewOTPRepository(store)
	games := repository.NewGameRepository(store)
	contests := repository.NewContestRepository(store)

	sender, err := newOTPSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	guard := service.NewRedisAbuseGuard(redisClient, cfg.RedisKeyPrefix+":otp-guard", service.AbusePolicy{
		FreeAttempts: cfg.OTPGuardFreeAttempts,
		BaseDelay:    cfg.OTPGuardBaseDelay,
		MaxDelay:     cfg.OTPGuardMaxDelay,
		Multiplier:   cfg.OTPGuardMultiplier,
		ResetWindow:  cfg.OTPGuardResetWindow,
	})
	otpSvc := service.NewOTPService(otps, sender, guard, logger, cfg.OTPTTL, cfg.OTPMaxAttempts, cfg.OTPResendInterval)

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret)
	negCache := service.NewRedisNegativeLookupCacheStore(redisClient, cfg.RedisKeyPrefix+":neg")
	sessions := service.NewSessionService(sessionRows, users, otpSvc, jwtMgr, negCache, logger, service.SessionConfig{
		SessionTTL:       cfg.SessionTTL,
		FCMTokenMinLen:   cfg.FCMTokenMinLen,
		NegativeCacheTTL: cfg.NegativeCacheTTL,
	})
	restore := service.NewCachedRestoreResolver(
		service.NewRedisRestoreCacheStore(redisClient, cfg.RedisKeyPrefix+":restore"),
		sessions,
		cfg.RestoreCacheTTL,
	)
	userSvc := service.NewUserService(users, logger)

	reg := registry.New(cfg.WSSendQueueSize, logger)
	broadcast := service.NewBroadcastService(games, contests, redisCache, reg, logger,
		cfg.SnapshotTTL, cfg.DebounceWindow, cfg.TriggerChannel)
	gateway := ws.NewGateway(sessions, restore, broadcast, reg, logger, ws.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		ReadLimit:      cfg.WSReadLimit,
		EventRate:      cfg.WSEventRate,
		EventBurst:     cfg.WSEventBurst,
	})

	readiness := health.NewProbeRunner(15*time.Second, 3*time.Second)
	readiness.Register("redis", redisCache.Ping)
	readiness.Register("keyedstore", keyedStoreProbe(store))

	pages := service.NewRedisListCacheStore(redisClient, cfg.RedisKeyPrefix+":pages")
	idempotency := middleware.NewIdempotencyMiddleware(
		service.NewRedisIdempotencyStore(redisClient, cfg.RedisKeyPrefix+":idem"),
		cfg.IdempotencyTTL,
	)

	limiterBackend := middleware.NewRedisFixedWindowLimiter(redisClient, cfg.RedisKeyPrefix+":ratelimit")
	globalLimiter := middleware.NewDistributedRateLimiterWithKeyAndPolicy(
		limiterBackend,
		middleware.RateLimitPolicy{SustainedLimit: apiRateLimitRPM, SustainedWindow: time.Minute},
		middleware.FailOpen,
		"api",
		middleware.SubjectOrIPKeyFunc(jwtMgr),
	).WithBypassEvaluator(middleware.NewPathBypassEvaluator("/health/live", "/health/ready")).Middleware()
	// Trigger calls come from operators and are retryable, so a dead limiter
	// backend rejects them instead of waving them through.
	triggerLimiter := middleware.NewDistributedRateLimiter(
		limiterBackend, triggerRateLimitRPM, time.Minute, middleware.FailClosed, "trigger",
	).Middleware()
	var sessionLimiter router.SessionRateLimiterFunc
	if cfg.LoginRateLimitEnabled {
		sessionLimiter = middleware.NewDistributedRateLimiterWithKeyAndPolicy(
			limiterBackend,
			middleware.RateLimitPolicy{
				SustainedLimit:  cfg.LoginRateLimitPerMin,
				SustainedWindow: time.Minute,
				BurstCapacity:   cfg.LoginRateLimitPerMin + cfg.LoginRateLimitBurst,
			},
			middleware.FailOpen,
			"session",
			nil,
		).Middleware()
	}

	deps := router.Dependencies{
		ListsHandler:   handler.NewListsHandler(broadcast),
		GamesHandler:   handler.NewGamesHandler(games, pages, cfg.ListCacheTTL, logger),
		TriggerHandler: handler.NewTriggerHandler(broadcast, pages, logger),
		SessionHandler: handler.NewSessionHandler(sessions, restore, logger),
		UserHandler:    handler.NewUserHandler(userSvc),
		WSHandler:      gateway.Handler(),

		JWTManager:      jwtMgr,
		SessionRestorer: restore,
		TriggerSecret:   cfg.TriggerSharedSecret,

		CORSOrigins: cfg.AllowedOrigins,
		BodyLimit:   cfg.HTTPBodyLimit,

		// Fallback budgets if a limiter func above is left nil.
		APIRateLimitRPM:     apiRateLimitRPM,
		SessionRateLimitRPM: apiRateLimitRPM,
		TriggerRateLimitRPM: triggerRateLimitRPM,

		GlobalRateLimiter:  globalLimiter,
		SessionRateLimiter: sessionLimiter,
		TriggerRateLimiter: triggerLimiter,
		Idempotency:        idempotency,

		Readiness:      readiness,
		EnableOTelHTTP: cfg.OTELMetricsEnabled || cfg.OTELTracesEnabled,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runSessionSweeper(sweepCtx, sessions, cfg.SessionSweepInterval, logger)

	logger.Info("lobbyd starting",
		"version", Version,
		"profile", cfg.Profile,
		"addr", cfg.HTTPAddr,
		"trigger_route", cfg.TriggerSharedSecret != "",
	)
	return app.New(cfg, logger, srv, runtime, reg, broadcast, readiness, stopSweep).Run(ctx)
}

// newKeyedStore picks DynamoDB whenever an endpoint is configured or the
// profile is not dev; the in-memory store is a dev convenience only.
func newKeyedStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (keyedstore.Store, error) {
	if cfg.DynamoEndpoint == "" && cfg.IsDev() {
		logger.Warn("using in-memory keyed store; rows will not survive a restart")
		return keyedstore.NewMemoryStore(keyedstore.DefaultSchema(cfg.DynamoTablePrefix)), nil
	}
	client, err := keyedstore.NewDynamoClient(ctx, keyedstore.DynamoConfig{
		Region:      cfg.DynamoRegion,
		EndpointURL: cfg.DynamoEndpoint,
		AccessKeyID: cfg.DynamoAccessKeyID,
		SecretKey:   cfg.DynamoSecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init dynamodb client: %w", err)
	}
	return keyedstore.NewDynamoStore(client, keyedstore.DefaultSchema(cfg.DynamoTablePrefix)), nil
}

func newOTPSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.OTPSender, error) {
	if !cfg.SMSEnabled {
		logger.Warn("sms delivery disabled; otp codes go to the log stream")
		return service.NewLogOTPSender(logger), nil
	}
	client, err := service.NewSNSClient(ctx, cfg.SMSRegion)
	if err != nil {
		return nil, fmt.Errorf("init sns client: %w", err)
	}
	return service.NewSNSOTPSender(client, cfg.SMSSenderID), nil
}

// keyedStoreProbe reads a row that never exists; a clean miss proves the
// store answers.
func keyedStoreProbe(store keyedstore.Store) health.Probe {
	return func(ctx context.Context) error {
		var row struct{}
		err := store.Get(ctx, keyedstore.TableUsers, keyedstore.Key{Partition: "readiness-probe"}, keyedstore.Eventual, &row)
		if err != nil && !errors.Is(err, keyedstore.ErrNotFound) {
			return err
		}
		return nil
	}
}

func runSessionSweeper(ctx context.Context, sessions *service.SessionService, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := sessions.SweepExpired(ctx)
			if err != nil {
				logger.Error("session sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				logger.Info("session sweep finished", "swept", swept)
			}
		}
	}
}

func newSmokeCommand() *cobra.Command {
	opts := smoke.Config{}
	var ci bool
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Walk a running lobbyd through health, websocket and OTP issuance",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := smoke.Run(cmd.Context(), opts)
			if ci {
				common.PrintCIResult(err == nil, "smoke", details, err)
				if err != nil {
					os.Exit(4)
				}
				return nil
			}
			for _, d := range details {
				fmt.Println(d)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "http://localhost:8080", "lobbyd base URL")
	cmd.Flags().StringVar(&opts.MobileNo, "mobile", "9999999999", "mobile number the OTP is issued to")
	cmd.Flags().StringVar(&opts.DeviceID, "device-id", "smoke-device", "device id presented to the server")
	cmd.Flags().StringVar(&opts.TriggerSecret, "trigger-secret", "", "also exercise the trigger route with this secret")
	cmd.Flags().StringVar(&opts.TriggerTopic, "trigger-topic", "gamelist", "topic for the trigger step")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall deadline for the pass")
	cmd.Flags().BoolVar(&ci, "ci", false, "non-interactive machine-readable output")
	return cmd
}

func newLoadgenCommand() *cobra.Command {
	opts := loadgen.Config{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Generate synthetic traffic against a running lobbyd",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := loadgen.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Printf("total=%d failures=%d dropped=%d elapsed=%s\n",
				res.TotalRequests, res.Failures, res.Dropped, res.Elapsed.Round(time.Millisecond))
			for _, class := range []string{"2xx", "3xx", "4xx", "5xx", "error", "other"} {
				if n := res.StatusClasses[class]; n > 0 {
					fmt.Printf("  %s: %d\n", class, n)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "http://localhost:8080", "lobbyd base URL")
	cmd.Flags().StringVar(&opts.Profile, "profile", "mixed", "traffic profile: mixed, lists, auth or health")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 30*time.Second, "how long to run")
	cmd.Flags().IntVar(&opts.RPS, "rps", 20, "paced requests per second")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 8, "worker goroutines")
	cmd.Flags().Int64Var(&opts.Seed, "seed", time.Now().UnixNano(), "rng seed for route selection")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token for authenticated routes")
	return cmd
}
