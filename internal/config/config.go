package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gamepulse/lobbyd/internal/tools/common"
)

// Config carries every tunable the process reads at startup. Values come
// from the environment, optionally seeded from a .env file; nothing is
// re-read after Load returns.
type Config struct {
	Profile  string
	HTTPAddr string
	LogLevel slog.Level

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	DynamoRegion          string
	DynamoEndpoint        string
	DynamoAccessKeyID     string
	DynamoSecretAccessKey string
	DynamoTablePrefix     string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	FCMTokenMinLen       int

	OTPTTL            time.Duration
	OTPMaxAttempts    int
	OTPResendInterval time.Duration
	SMSEnabled        bool
	SMSRegion         string
	SMSSenderID       string

	SnapshotTTL      time.Duration
	NegativeCacheTTL time.Duration
	RestoreCacheTTL  time.Duration
	ListCacheTTL     time.Duration

	DebounceWindow      time.Duration
	TriggerChannel      string
	TriggerSharedSecret string
	IdempotencyTTL      time.Duration
	AllowedOrigins      []string
	HTTPBodyLimit       int64
	WSReadLimit         int64
	WSSendQueueSize     int
	WSEventRate         float64
	WSEventBurst        int

	OTPGuardFreeAttempts int
	OTPGuardBaseDelay    time.Duration
	OTPGuardMaxDelay     time.Duration
	OTPGuardMultiplier   float64
	OTPGuardResetWindow  time.Duration

	LoginRateLimitEnabled bool
	LoginRateLimitPerMin  int
	LoginRateLimitBurst   int

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	OTELTracesSampleRatio     float64
}

// Load reads the environment, applying .env first so exported variables win.
// Every load is recorded with its outcome so config drift shows up in
// dashboards before it shows up in pages.
func Load(ctx context.Context) (*Config, error) {
	cfg, err := load()
	profile := ""
	if cfg != nil {
		profile = cfg.Profile
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	recordConfigValidationEvent(ctx, profile, outcome, classifyConfigLoadError(err))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() (*Config, error) {
	if err := common.LoadEnvFile(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{
		Profile:        getEnv("LOBBYD_PROFILE", "dev"),
		HTTPAddr:       getEnv("LOBBYD_HTTP_ADDR", ":8080"),
		RedisAddr:      getEnv("LOBBYD_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("LOBBYD_REDIS_PASSWORD", ""),
		RedisKeyPrefix: getEnv("LOBBYD_REDIS_KEY_PREFIX", "lobby"),

		DynamoRegion:          getEnv("LOBBYD_DYNAMO_REGION", "us-east-1"),
		DynamoEndpoint:        getEnv("LOBBYD_DYNAMO_ENDPOINT", ""),
		DynamoAccessKeyID:     getEnv("LOBBYD_DYNAMO_ACCESS_KEY_ID", ""),
		DynamoSecretAccessKey: getEnv("LOBBYD_DYNAMO_SECRET_ACCESS_KEY", ""),
		DynamoTablePrefix:     getEnv("LOBBYD_DYNAMO_TABLE_PREFIX", ""),

		JWTSecret:   getEnv("LOBBYD_JWT_SECRET", ""),
		JWTIssuer:   getEnv("LOBBYD_JWT_ISSUER", "lobbyd"),
		JWTAudience: getEnv("LOBBYD_JWT_AUDIENCE", "lobby-clients"),

		TriggerChannel:      getEnv("LOBBYD_TRIGGER_CHANNEL", "lobby:triggers"),
		TriggerSharedSecret: getEnv("LOBBYD_TRIGGER_SECRET", ""),
		SMSRegion:           getEnv("LOBBYD_SMS_REGION", "us-east-1"),
		SMSSenderID:         getEnv("LOBBYD_SMS_SENDER_ID", "GAMEPULSE"),

		OTELServiceName:          getEnv("OTEL_SERVICE_NAME", "lobbyd"),
		OTELEnvironment:          getEnv("OTEL_ENVIRONMENT", "dev"),
		OTELExporterOTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.LogLevel, err = parseLogLevel(getEnv("LOBBYD_LOG_LEVEL", "info")); err != nil {
		return cfg, err
	}
	if cfg.RedisDB, err = getInt("LOBBYD_REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.SessionTTL, err = getDuration("LOBBYD_SESSION_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.SessionSweepInterval, err = getDuration("LOBBYD_SESSION_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.FCMTokenMinLen, err = getInt("LOBBYD_FCM_TOKEN_MIN_LENGTH", 8); err != nil {
		return cfg, err
	}
	if cfg.OTPTTL, err = getDuration("LOBBYD_OTP_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.OTPMaxAttempts, err = getInt("LOBBYD_OTP_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.OTPResendInterval, err = getDuration("LOBBYD_OTP_RESEND_INTERVAL", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.SMSEnabled, err = getBool("LOBBYD_SMS_ENABLED", false); err != nil {
		return cfg, err
	}
	if cfg.SnapshotTTL, err = getDuration("LOBBYD_SNAPSHOT_TTL", 300*time.Second); err != nil {
		return cfg, err
	}
	if cfg.NegativeCacheTTL, err = getDuration("LOBBYD_NEGATIVE_CACHE_TTL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.RestoreCacheTTL, err = getDuration("LOBBYD_RESTORE_CACHE_TTL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ListCacheTTL, err = getDuration("LOBBYD_LIST_CACHE_TTL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.DebounceWindow, err = getDuration("LOBBYD_DEBOUNCE_WINDOW", 500*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyTTL, err = getDuration("LOBBYD_IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.HTTPBodyLimit, err = getInt64("LOBBYD_HTTP_BODY_LIMIT", 1<<20); err != nil {
		return cfg, err
	}
	if cfg.WSReadLimit, err = getInt64("LOBBYD_WS_READ_LIMIT", 64*1024); err != nil {
		return cfg, err
	}
	if cfg.WSSendQueueSize, err = getInt("LOBBYD_WS_SEND_QUEUE", 64); err != nil {
		return cfg, err
	}
	if cfg.WSEventRate, err = getFloat("LOBBYD_WS_EVENT_RATE", 20); err != nil {
		return cfg, err
	}
	if cfg.WSEventBurst, err = getInt("LOBBYD_WS_EVENT_BURST", 40); err != nil {
		return cfg, err
	}
	if cfg.OTPGuardFreeAttempts, err = getInt("LOBBYD_OTP_GUARD_FREE_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.OTPGuardBaseDelay, err = getDuration("LOBBYD_OTP_GUARD_BASE_DELAY", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.OTPGuardMaxDelay, err = getDuration("LOBBYD_OTP_GUARD_MAX_DELAY", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.OTPGuardMultiplier, err = getFloat("LOBBYD_OTP_GUARD_MULTIPLIER", 2); err != nil {
		return cfg, err
	}
	if cfg.OTPGuardResetWindow, err = getDuration("LOBBYD_OTP_GUARD_RESET_WINDOW", time.Hour); err != nil {
		return cfg, err
	}
	if cfg.LoginRateLimitEnabled, err = getBool("LOBBYD_LOGIN_RATE_LIMIT_ENABLED", true); err != nil {
		return cfg, err
	}
	if cfg.LoginRateLimitPerMin, err = getInt("LOBBYD_LOGIN_RATE_LIMIT_PER_MIN", 10); err != nil {
		return cfg, err
	}
	if cfg.LoginRateLimitBurst, err = getInt("LOBBYD_LOGIN_RATE_LIMIT_BURST", 5); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = getDuration("LOBBYD_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ShutdownHTTPDrainTimeout, err = getDuration("LOBBYD_SHUTDOWN_HTTP_DRAIN_TIMEOUT", 15*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ShutdownObservabilityTimeout, err = getDuration("LOBBYD_SHUTDOWN_OBSERVABILITY_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.OTELExporterOTLPInsecure, err = getBool("OTEL_EXPORTER_OTLP_INSECURE", true); err != nil {
		return cfg, err
	}
	if cfg.OTELMetricsEnabled, err = getBool("OTEL_METRICS_ENABLED", false); err != nil {
		return cfg, err
	}
	if cfg.OTELTracesEnabled, err = getBool("OTEL_TRACES_ENABLED", false); err != nil {
		return cfg, err
	}
	if cfg.OTELLogsEnabled, err = getBool("OTEL_LOGS_ENABLED", false); err != nil {
		return cfg, err
	}
	if cfg.OTELMetricsExportInterval, err = getDuration("OTEL_METRICS_EXPORT_INTERVAL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.OTELTracesSampleRatio, err = getFloat("OTEL_TRACES_SAMPLE_RATIO", 1); err != nil {
		return cfg, err
	}

	cfg.AllowedOrigins = splitList(getEnv("LOBBYD_ALLOWED_ORIGINS", ""))

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		if c.Profile != "dev" && c.Profile != "test" {
			return fmt.Errorf("validate config: LOBBYD_JWT_SECRET is required outside dev")
		}
		c.JWTSecret = "dev-insecure-secret"
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("validate config: LOBBYD_REDIS_ADDR is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("validate config: LOBBYD_SESSION_TTL must be positive")
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("validate config: LOBBYD_OTP_TTL must be positive")
	}
	if c.OTPMaxAttempts < 1 {
		return fmt.Errorf("validate config: LOBBYD_OTP_MAX_ATTEMPTS must be at least 1")
	}
	if c.FCMTokenMinLen < 1 {
		return fmt.Errorf("validate config: LOBBYD_FCM_TOKEN_MIN_LENGTH must be at least 1")
	}
	if c.WSSendQueueSize < 1 {
		return fmt.Errorf("validate config: LOBBYD_WS_SEND_QUEUE must be at least 1")
	}
	if c.OTELTracesSampleRatio < 0 || c.OTELTracesSampleRatio > 1 {
		return fmt.Errorf("validate config: OTEL_TRACES_SAMPLE_RATIO must be within [0,1]")
	}
	return nil
}

func (c *Config) IsDev() bool { return c.Profile == "dev" || c.Profile == "test" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("parse LOBBYD_LOG_LEVEL: unknown level %q", raw)
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
