package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gamepulse/lobbyd/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type AppMetrics struct {
	authLoginCounter        metric.Int64Counter
	otpIssuedCounter        metric.Int64Counter
	otpVerifyCounter        metric.Int64Counter
	sessionEventCounter     metric.Int64Counter
	repositoryOpCounter     metric.Int64Counter
	rateLimitCounter        metric.Int64Counter
	rateLimitRetryAfter     metric.Int64Histogram
	securityBypassCounter   metric.Int64Counter
	tokenValidationCounter  metric.Int64Counter
	snapshotCacheCounter    metric.Int64Counter
	broadcastFanoutCounter  metric.Int64Counter
	broadcastReceiversHist  metric.Int64Histogram
	activeConnectionsUpDown metric.Int64UpDownCounter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("lobbyd")
	loginCounter, err := meter.Int64Counter("auth.login.attempts")
	if err != nil {
		return nil, err
	}
	otpIssued, err := meter.Int64Counter("auth.otp.issued")
	if err != nil {
		return nil, err
	}
	otpVerify, err := meter.Int64Counter("auth.otp.verifications")
	if err != nil {
		return nil, err
	}
	sessionEvents, err := meter.Int64Counter("session.lifecycle.events")
	if err != nil {
		return nil, err
	}
	repoCounter, err := meter.Int64Counter("repository.operations")
	if err != nil {
		return nil, err
	}
	rlCounter, err := meter.Int64Counter("ratelimit.decisions")
	if err != nil {
		return nil, err
	}
	rlRetryAfter, err := meter.Int64Histogram("ratelimit.retry_after_seconds")
	if err != nil {
		return nil, err
	}
	bypassCounter, err := meter.Int64Counter("security.bypass.events")
	if err != nil {
		return nil, err
	}
	tokenCounter, err := meter.Int64Counter("auth.token.validations")
	if err != nil {
		return nil, err
	}
	cacheCounter, err := meter.Int64Counter("snapshot.cache.events")
	if err != nil {
		return nil, err
	}
	fanoutCounter, err := meter.Int64Counter("broadcast.fanouts")
	if err != nil {
		return nil, err
	}
	receiversHist, err := meter.Int64Histogram("broadcast.receivers")
	if err != nil {
		return nil, err
	}
	activeConns, err := meter.Int64UpDownCounter("ws.connections.active")
	if err != nil {
		return nil, err
	}

	metricsMu.Lock()
	appMetrics = &AppMetrics{
		authLoginCounter:        loginCounter,
		otpIssuedCounter:        otpIssued,
		otpVerifyCounter:        otpVerify,
		sessionEventCounter:     sessionEvents,
		repositoryOpCounter:     repoCounter,
		rateLimitCounter:        rlCounter,
		rateLimitRetryAfter:     rlRetryAfter,
		securityBypassCounter:   bypassCounter,
		tokenValidationCounter:  tokenCounter,
		snapshotCacheCounter:    cacheCounter,
		broadcastFanoutCounter:  fanoutCounter,
		broadcastReceiversHist:  receiversHist,
		activeConnectionsUpDown: activeConns,
	}
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAuthLogin(status string) {
	m := current()
	if m == nil {
		return
	}
	m.authLoginCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordOTPIssued(status string) {
	m := current()
	if m == nil {
		return
	}
	m.otpIssuedCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordOTPVerification(status string) {
	m := current()
	if m == nil {
		return
	}
	m.otpVerifyCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionEvent counts lifecycle transitions: created, activated,
// restored, refreshed, superseded, revoked, swept.
func RecordSessionEvent(action string) {
	m := current()
	if m == nil {
		return
	}
	m.sessionEventCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("action", action)))
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repositoryOpCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		),
	)
}

func RecordRateLimitDecision(scope, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
		),
	)
}

func RecordRateLimitRetryAfter(scope string, seconds int) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitRetryAfter.Record(context.Background(), int64(seconds),
		metric.WithAttributes(attribute.String("scope", scope)),
	)
}

func RecordSecurityBypassEvent(kind string) {
	m := current()
	if m == nil {
		return
	}
	m.securityBypassCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func RecordAccessTokenValidation(outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.tokenValidationCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordSnapshotCacheEvent(topic, event string) {
	m := current()
	if m == nil {
		return
	}
	m.snapshotCacheCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("event", event),
		),
	)
}

func RecordBroadcastFanout(topic string, receivers int) {
	m := current()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	m.broadcastFanoutCounter.Add(context.Background(), 1, attrs)
	m.broadcastReceiversHist.Record(context.Background(), int64(receivers), attrs)
}

func RecordConnectionChange(delta int64, authenticated bool) {
	m := current()
	if m == nil {
		return
	}
	state := "anonymous"
	if authenticated {
		state = "authenticated"
	}
	m.activeConnectionsUpDown.Add(context.Background(), delta, metric.WithAttributes(attribute.String("state", state)))
}
