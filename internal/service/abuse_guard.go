package service

import (
	"context"
	"time"
)

type AbuseScope string

const (
	AbuseScopeOTPIssue  AbuseScope = "otp_issue"
	AbuseScopeOTPVerify AbuseScope = "otp_verify"
)

// AbusePolicy shapes the escalating cooldown applied to repeated OTP
// traffic from one identity or address. The first FreeAttempts inside a
// ResetWindow cost nothing; each further attempt doubles (Multiplier) the
// cooldown starting at BaseDelay, capped at MaxDelay.
type AbusePolicy struct {
	FreeAttempts int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	ResetWindow  time.Duration
}

// AbuseGuard throttles OTP issuance and verification independently of the
// per-route HTTP rate limiter. Check reports the remaining cooldown without
// consuming anything; RegisterAttempt records one attempt and returns the
// cooldown it produced.
type AbuseGuard interface {
	Check(ctx context.Context, scope AbuseScope, identity, ip string) (time.Duration, error)
	RegisterAttempt(ctx context.Context, scope AbuseScope, identity, ip string) (time.Duration, error)
	Reset(ctx context.Context, scope AbuseScope, identity, ip string) error
}

type NoopAbuseGuard struct{}

func NewNoopAbuseGuard() *NoopAbuseGuard {
	return &NoopAbuseGuard{}
}

func (g *NoopAbuseGuard) Check(context.Context, AbuseScope, string, string) (time.Duration, error) {
	return 0, nil
}

func (g *NoopAbuseGuard) RegisterAttempt(context.Context, AbuseScope, string, string) (time.Duration, error) {
	return 0, nil
}

func (g *NoopAbuseGuard) Reset(context.Context, AbuseScope, string, string) error {
	return nil
}

// normalizeAuthIdentity folds a mobile number into the canonical form used
// for abuse state keys.
func normalizeAuthIdentity(identity string) string {
	return normalizeToken(identity)
}
