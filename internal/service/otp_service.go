package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/repository"
	"github.com/gamepulse/lobbyd/internal/security"
)

// verifyReloadLimit bounds the reload loop when concurrent verifies race
// on the same record's version.
const verifyReloadLimit = 3

// OTPService drives the per-identity code lifecycle: Issued, then exactly
// one of Verified, Expired, or Locked. Records are never mutated in place
// across issues; each issue supersedes the previous record with a newer
// row and FindCurrent always evaluates the newest one.
type OTPService struct {
	otps           repository.OTPRepository
	sender         OTPSender
	guard          AbuseGuard
	logger         *slog.Logger
	ttl            time.Duration
	maxAttempts    int
	resendInterval time.Duration
}

func NewOTPService(otps repository.OTPRepository, sender OTPSender, guard AbuseGuard, logger *slog.Logger, ttl time.Duration, maxAttempts int, resendInterval time.Duration) *OTPService {
	return &OTPService{
		otps:           otps,
		sender:         sender,
		guard:          guard,
		logger:         logger,
		ttl:            ttl,
		maxAttempts:    maxAttempts,
		resendInterval: resendInterval,
	}
}

// IssueResult reports when the active code expires and whether delivery
// actually happened. Delivery failure never rolls back issuance.
type IssueResult struct {
	ExpiresAt time.Time
	Delivered bool
}

func (s *OTPService) Issue(ctx context.Context, identity, purpose, ip string) (*IssueResult, error) {
	return s.issue(ctx, identity, purpose, ip, "issue")
}

// Resend is Issue under a different audit label: the same minimum-interval
// gate applies, it just names the caller's intent.
func (s *OTPService) Resend(ctx context.Context, identity, purpose, ip string) (*IssueResult, error) {
	return s.issue(ctx, identity, purpose, ip, "resend")
}

func (s *OTPService) issue(ctx context.Context, identity, purpose, ip, reason string) (*IssueResult, error) {
	now := time.Now().UTC()

	cooldown, err := s.guard.Check(ctx, AbuseScopeOTPIssue, identity, ip)
	if err != nil {
		// A broken guard backend must not take logins down with it.
		observability.RecordSecurityBypassEvent("otp_issue_guard")
		s.logger.Warn("otp issue guard unavailable", "error", err)
	}
	if cooldown > 0 {
		observability.RecordOTPIssued("throttled")
		return nil, domain.NewRateLimitError(cooldown)
	}

	key := domain.BuildOTPKey(identity, purpose)
	current, err := s.otps.FindCurrent(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrOTPNotFound) {
		return nil, domain.NewStoreUnavailableError("otp_issue", err)
	}
	if current != nil && !current.IsVerified && !current.Expired(now) {
		if age := now.Sub(current.CreatedAt); age < s.resendInterval {
			observability.RecordOTPIssued("throttled")
			return nil, domain.NewRateLimitError(s.resendInterval - age)
		}
	}

	code, err := security.GenerateOTPCode()
	if err != nil {
		return nil, fmt.Errorf("generate otp code: %w", err)
	}

	rec := &domain.OTPRecord{
		OTPKey:    key,
		RecordID:  ulid.Make().String(),
		Identity:  identity,
		Purpose:   purpose,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.otps.Create(ctx, rec); err != nil {
		return nil, domain.NewStoreUnavailableError("otp_issue", err)
	}

	if _, err := s.guard.RegisterAttempt(ctx, AbuseScopeOTPIssue, identity, ip); err != nil {
		s.logger.Warn("otp issue guard update failed", "error", err)
	}

	delivered := true
	if err := s.sender.Send(ctx, identity, rec.Code, s.ttl); err != nil {
		delivered = false
		observability.RecordOTPIssued("delivery_failed")
		s.logger.Error("otp delivery failed",
			"mobile_no", observability.MaskMobile(identity),
			"purpose", purpose,
			"reason", reason,
			"error", err,
		)
	} else {
		observability.RecordOTPIssued("issued")
	}

	return &IssueResult{ExpiresAt: rec.ExpiresAt, Delivered: delivered}, nil
}

// Verify checks a presented code against the current record. The attempt
// increment and, on match, the verified flag travel in one conditional
// update, so two racing verifies can never both consume the last attempt:
// the loser reloads and re-evaluates against the winner's result.
func (s *OTPService) Verify(ctx context.Context, identity, purpose, code, ip string) error {
	cooldown, err := s.guard.Check(ctx, AbuseScopeOTPVerify, identity, ip)
	if err != nil {
		observability.RecordSecurityBypassEvent("otp_verify_guard")
		s.logger.Warn("otp verify guard unavailable", "error", err)
	}
	if cooldown > 0 {
		observability.RecordOTPVerification("throttled")
		return domain.NewRateLimitError(cooldown)
	}

	now := time.Now().UTC()
	key := domain.BuildOTPKey(identity, purpose)
	for reload := 0; reload < verifyReloadLimit; reload++ {
		rec, err := s.otps.FindCurrent(ctx, key)
		if errors.Is(err, domain.ErrOTPNotFound) {
			observability.RecordOTPVerification("not_found")
			return domain.ErrOTPNotFound
		}
		if err != nil {
			return domain.NewStoreUnavailableError("otp_verify", err)
		}

		match := security.ConstantTimeEquals(rec.Code, code)

		if rec.IsVerified {
			// Client retry of an already-accepted code succeeds without
			// touching the record; anything else is spent.
			if match {
				observability.RecordOTPVerification("already_verified")
				return nil
			}
			observability.RecordOTPVerification("mismatch")
			return domain.ErrOTPMismatch
		}
		if rec.Expired(now) {
			observability.RecordOTPVerification("expired")
			return domain.ErrOTPExpired
		}
		if rec.AttemptCount >= s.maxAttempts {
			observability.RecordOTPVerification("locked")
			return domain.ErrOTPLocked
		}

		update := *rec
		update.AttemptCount++
		if match {
			update.IsVerified = true
		}
		err = s.otps.Update(ctx, &update)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.NewStoreUnavailableError("otp_verify", err)
		}

		if match {
			observability.RecordOTPVerification("verified")
			if err := s.guard.Reset(ctx, AbuseScopeOTPVerify, identity, ip); err != nil {
				s.logger.Warn("otp verify guard reset failed", "error", err)
			}
			return nil
		}
		if _, err := s.guard.RegisterAttempt(ctx, AbuseScopeOTPVerify, identity, ip); err != nil {
			s.logger.Warn("otp verify guard update failed", "error", err)
		}
		if update.AttemptCount >= s.maxAttempts {
			observability.RecordOTPVerification("locked")
			return domain.ErrOTPLocked
		}
		observability.RecordOTPVerification("mismatch")
		return domain.ErrOTPMismatch
	}
	return domain.NewStoreUnavailableError("otp_verify", repository.ErrConflict)
}
