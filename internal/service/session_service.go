package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/repository"
	"github.com/gamepulse/lobbyd/internal/security"
)

// casRetryLimit bounds reload-and-retry loops on session rows.
const casRetryLimit = 3

// negTokenNamespace collects token lookups that resolved to nothing, so
// repeated bogus tokens stop hitting the keyed store.
const negTokenNamespace = "session.token.not_found"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func validateStruct(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.NewValidationError(fe.Field(), fmt.Sprintf("failed %q constraint", fe.Tag()))
	}
	return domain.NewValidationError("", err.Error())
}

type LoginRequest struct {
	MobileNo string `json:"mobile_no" validate:"required,numeric,min=10,max=15"`
	DeviceID string `json:"device_id" validate:"required,max=128"`
	FCMToken string `json:"fcm_token" validate:"required"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	IP       string `json:"-"`
}

type LoginResult struct {
	SessionToken string    `json:"session_token"`
	OTPIssued    bool      `json:"otp_issued"`
	OTPExpiresAt time.Time `json:"otp_expires_at"`
	UserStatus   string    `json:"user_status"`
}

type VerifyRequest struct {
	MobileNo     string `json:"mobile_no" validate:"required,numeric,min=10,max=15"`
	SessionToken string `json:"session_token" validate:"required"`
	OTP          string `json:"otp" validate:"required,numeric,len=6"`
	IP           string `json:"-"`
}

type VerifyResult struct {
	JWTToken  string    `json:"jwt_token"`
	UserID    string    `json:"user_id"`
	MobileNo  string    `json:"mobile_no"`
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ResendRequest struct {
	MobileNo     string `json:"mobile_no" validate:"required,numeric,min=10,max=15"`
	SessionToken string `json:"session_token" validate:"required"`
	IP           string `json:"-"`
}

type ResendResult struct {
	OTPIssued    bool      `json:"otp_issued"`
	OTPExpiresAt time.Time `json:"otp_expires_at"`
}

type RefreshResult struct {
	SessionToken string    `json:"session_token"`
	JWTToken     string    `json:"jwt_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type RestoreResult struct {
	UserID    string    `json:"user_id"`
	MobileNo  string    `json:"mobile_no"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionConfig carries the tunables the session manager needs.
type SessionConfig struct {
	SessionTTL       time.Duration
	FCMTokenMinLen   int
	NegativeCacheTTL time.Duration
}

// SessionService owns the session lifecycle: pre-verification creation,
// activation with device supersession, rotation, revocation, restore, and
// the expiry sweep. Every mutation writes through to the keyed store
// before returning.
type SessionService struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	otp      *OTPService
	jwt      *security.JWTManager
	negCache NegativeLookupCacheStore
	logger   *slog.Logger
	cfg      SessionConfig
}

func NewSessionService(sessions repository.SessionRepository, users repository.UserRepository, otp *OTPService, jwt *security.JWTManager, negCache NegativeLookupCacheStore, logger *slog.Logger, cfg SessionConfig) *SessionService {
	return &SessionService{
		sessions: sessions,
		users:    users,
		otp:      otp,
		jwt:      jwt,
		negCache: negCache,
		logger:   logger,
		cfg:      cfg,
	}
}

// StartLogin validates the caller, ensures the user row exists, issues a
// login OTP, and writes a pre-verification session (is_active=false) with
// its best-effort token index row.
func (s *SessionService) StartLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := validateStruct(req); err != nil {
		observability.RecordAuthLogin("validation_failed")
		return nil, err
	}
	if s.cfg.FCMTokenMinLen > 0 && len(req.FCMToken) < s.cfg.FCMTokenMinLen {
		observability.RecordAuthLogin("validation_failed")
		return nil, domain.NewValidationError("fcm_token", fmt.Sprintf("must be at least %d characters", s.cfg.FCMTokenMinLen))
	}

	user, err := s.ensureUser(ctx, req.MobileNo, req.Email)
	if err != nil {
		observability.RecordAuthLogin("error")
		return nil, err
	}

	issued, err := s.otp.Issue(ctx, req.MobileNo, domain.OTPPurposeLogin, req.IP)
	if err != nil {
		var rateErr *domain.RateLimitError
		if errors.As(err, &rateErr) {
			observability.RecordAuthLogin("throttled")
		} else {
			observability.RecordAuthLogin("error")
		}
		return nil, err
	}

	token, err := security.NewSessionToken()
	if err != nil {
		observability.RecordAuthLogin("error")
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now().UTC()
	sess := &domain.Session{
		DeviceKey:    domain.BuildDeviceKey(req.MobileNo, req.DeviceID),
		SessionID:    ulid.Make().String(),
		SessionToken: token,
		UserID:       user.ID,
		MobileNo:     req.MobileNo,
		DeviceID:     req.DeviceID,
		FCMToken:     req.FCMToken,
		IsActive:     false,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		observability.RecordAuthLogin("error")
		return nil, domain.NewStoreUnavailableError("session_create", err)
	}
	s.putRef(ctx, sess)

	// A token that previously missed may exist now.
	if err := s.negCache.InvalidateNamespace(ctx, negTokenNamespace); err != nil {
		s.logger.Debug("negative cache invalidate failed", "error", err)
	}

	observability.RecordAuthLogin("started")
	observability.RecordSessionEvent("created")
	return &LoginResult{
		SessionToken: sess.SessionToken,
		OTPIssued:    issued.Delivered,
		OTPExpiresAt: issued.ExpiresAt,
		UserStatus:   user.Status,
	}, nil
}

// VerifyLogin checks the presented code, then activates the session. Any
// other active session on the same device is superseded first, under CAS,
// so concurrent verifies leave exactly one active row per device.
func (s *SessionService) VerifyLogin(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if err := validateStruct(req); err != nil {
		observability.RecordAuthLogin("validation_failed")
		return nil, err
	}

	sess, err := s.lookupByToken(ctx, req.SessionToken)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			observability.RecordAuthLogin("session_not_found")
		}
		return nil, err
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		observability.RecordAuthLogin("expired")
		return nil, domain.ErrSessionExpired
	}
	if sess.MobileNo != req.MobileNo {
		observability.RecordAuthLogin("validation_failed")
		return nil, domain.NewValidationError("mobile_no", "does not match session")
	}

	if err := s.otp.Verify(ctx, req.MobileNo, domain.OTPPurposeLogin, req.OTP, req.IP); err != nil {
		observability.RecordAuthLogin("otp_failed")
		return nil, err
	}

	if err := s.supersedeOthers(ctx, sess); err != nil {
		return nil, err
	}

	jwtToken, err := s.jwt.SignSessionTokenWithJTI(sess.UserID, sess.MobileNo, sess.DeviceID, time.Until(sess.ExpiresAt), sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("sign session jwt: %w", err)
	}

	activated, err := s.applySession(ctx, sess, func(row *domain.Session) bool {
		if row.SessionToken != sess.SessionToken {
			return false
		}
		row.IsActive = true
		row.JWTToken = jwtToken
		row.UpdatedAt = time.Now().UTC()
		return true
	})
	if err != nil {
		return nil, err
	}
	if activated == nil {
		// The token rotated out from under us between lookup and activation.
		return nil, domain.ErrSessionNotFound
	}
	s.putRef(ctx, activated)
	s.promoteUser(ctx, activated.UserID)

	observability.RecordAuthLogin("verified")
	observability.RecordSessionEvent("activated")
	return &VerifyResult{
		JWTToken:  jwtToken,
		UserID:    activated.UserID,
		MobileNo:  activated.MobileNo,
		DeviceID:  activated.DeviceID,
		ExpiresAt: activated.ExpiresAt,
	}, nil
}

// ResendOTP re-issues the login code for an in-flight login. The session
// token scopes the resend to a real pending login instead of letting bare
// mobile numbers mint SMS traffic.
func (s *SessionService) ResendOTP(ctx context.Context, req ResendRequest) (*ResendResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	sess, err := s.lookupByToken(ctx, req.SessionToken)
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now().UTC()) {
		return nil, domain.ErrSessionExpired
	}
	if sess.MobileNo != req.MobileNo {
		return nil, domain.NewValidationError("mobile_no", "does not match session")
	}
	issued, err := s.otp.Resend(ctx, req.MobileNo, domain.OTPPurposeLogin, req.IP)
	if err != nil {
		return nil, err
	}
	return &ResendResult{OTPIssued: issued.Delivered, OTPExpiresAt: issued.ExpiresAt}, nil
}

// Refresh rotates the opaque token, extends expiry by the configured
// lifetime, and re-issues the JWT. The new index row is written before the
// old one is deleted so the token is resolvable throughout.
func (s *SessionService) Refresh(ctx context.Context, sessionToken string) (*RefreshResult, error) {
	if sessionToken == "" {
		return nil, domain.NewValidationError("session_token", "required")
	}
	sess, err := s.lookupByToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		return nil, domain.ErrSessionExpired
	}
	if !sess.IsActive {
		return nil, domain.ErrSessionNotFound
	}

	newToken, err := security.NewSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	newExpiry := now.Add(s.cfg.SessionTTL)
	jwtToken, err := s.jwt.SignSessionTokenWithJTI(sess.UserID, sess.MobileNo, sess.DeviceID, s.cfg.SessionTTL, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("sign session jwt: %w", err)
	}

	if err := s.sessions.PutRef(ctx, &domain.SessionRef{
		SessionToken: newToken,
		DeviceKey:    sess.DeviceKey,
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		ExpiresAt:    newExpiry,
	}); err != nil {
		return nil, domain.NewStoreUnavailableError("session_refresh", err)
	}

	rotated, err := s.applySession(ctx, sess, func(row *domain.Session) bool {
		if row.SessionToken != sessionToken || !row.IsActive {
			return false
		}
		row.SessionToken = newToken
		row.JWTToken = jwtToken
		row.ExpiresAt = newExpiry
		row.UpdatedAt = time.Now().UTC()
		return true
	})
	if err != nil {
		_ = s.sessions.DeleteRef(ctx, newToken)
		return nil, err
	}
	if rotated == nil {
		// Lost a concurrent rotation or revocation; the caller's token is gone.
		_ = s.sessions.DeleteRef(ctx, newToken)
		return nil, domain.ErrSessionNotFound
	}

	if err := s.sessions.DeleteRef(ctx, sessionToken); err != nil {
		s.logger.Warn("stale token index row left behind", "error", err)
	}
	if err := s.negCache.InvalidateNamespace(ctx, negTokenNamespace); err != nil {
		s.logger.Debug("negative cache invalidate failed", "error", err)
	}

	observability.RecordSessionEvent("refreshed")
	return &RefreshResult{SessionToken: newToken, JWTToken: jwtToken, ExpiresAt: newExpiry}, nil
}

// Revoke deactivates the session behind the token. Idempotent: an unknown
// or already-revoked token is a success.
func (s *SessionService) Revoke(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return nil
	}
	sess, err := s.lookupByToken(ctx, sessionToken)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	revoked, err := s.applySession(ctx, sess, func(row *domain.Session) bool {
		if !row.IsActive {
			return false
		}
		row.IsActive = false
		row.UpdatedAt = time.Now().UTC()
		return true
	})
	if err != nil {
		return err
	}
	if err := s.sessions.DeleteRef(ctx, sessionToken); err != nil {
		s.logger.Warn("token index delete failed on revoke", "error", err)
	}
	if revoked != nil {
		observability.RecordSessionEvent("revoked")
	}
	return nil
}

// Restore is the read-only validation reconnecting clients use: an active,
// unexpired session resolves to its identity.
func (s *SessionService) Restore(ctx context.Context, sessionToken string) (*RestoreResult, error) {
	if sessionToken == "" {
		return nil, domain.ErrSessionNotFound
	}
	sess, err := s.lookupByToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now().UTC()) {
		return nil, domain.ErrSessionExpired
	}
	if !sess.IsActive {
		return nil, domain.ErrSessionNotFound
	}
	observability.RecordSessionEvent("restored")
	return &RestoreResult{
		UserID:    sess.UserID,
		MobileNo:  sess.MobileNo,
		DeviceID:  sess.DeviceID,
		SessionID: sess.SessionID,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// SweepExpired deactivates active-but-expired rows and reports how many it
// touched. Rows that move under the sweep are skipped, not retried.
func (s *SessionService) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	rows, err := s.sessions.ListExpiredActive(ctx, now)
	if err != nil {
		return 0, domain.NewStoreUnavailableError("session_sweep", err)
	}
	swept := 0
	for i := range rows {
		row := rows[i]
		row.IsActive = false
		row.UpdatedAt = now
		if err := s.sessions.Update(ctx, &row); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return swept, domain.NewStoreUnavailableError("session_sweep", err)
		}
		if err := s.sessions.DeleteRef(ctx, row.SessionToken); err != nil {
			s.logger.Warn("token index delete failed on sweep", "error", err)
		}
		observability.RecordSessionEvent("swept")
		swept++
	}
	return swept, nil
}

// lookupByToken consults the negative cache before the keyed store and
// caches fresh misses.
func (s *SessionService) lookupByToken(ctx context.Context, token string) (*domain.Session, error) {
	digest := hashToken(token)
	if hit, err := s.negCache.Get(ctx, negTokenNamespace, digest); err != nil {
		s.logger.Debug("negative cache read failed", "error", err)
	} else if hit {
		return nil, domain.ErrSessionNotFound
	}

	sess, err := s.sessions.FindByToken(ctx, token)
	if errors.Is(err, domain.ErrSessionNotFound) {
		if err := s.negCache.Set(ctx, negTokenNamespace, digest, s.cfg.NegativeCacheTTL); err != nil {
			s.logger.Debug("negative cache write failed", "error", err)
		}
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, domain.NewStoreUnavailableError("session_lookup", err)
	}
	return sess, nil
}

// applySession runs mutate against the freshest copy of the row and writes
// it back under CAS, reloading on conflict. A mutate returning false means
// the row no longer qualifies; applySession reports that as (nil, nil).
func (s *SessionService) applySession(ctx context.Context, sess *domain.Session, mutate func(*domain.Session) bool) (*domain.Session, error) {
	row := sess
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		candidate := *row
		if !mutate(&candidate) {
			return nil, nil
		}
		err := s.sessions.Update(ctx, &candidate)
		if err == nil {
			return &candidate, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, domain.NewStoreUnavailableError("session_update", err)
		}
		reloaded, err := s.sessions.Find(ctx, row.DeviceKey, row.SessionID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, domain.NewStoreUnavailableError("session_update", err)
		}
		row = reloaded
	}
	return nil, domain.NewStoreUnavailableError("session_update", repository.ErrConflict)
}

// supersedeOthers deactivates every other active row on the device. A row
// that loses its CAS is reloaded by applySession, so two concurrent
// verifies converge on a single active session.
func (s *SessionService) supersedeOthers(ctx context.Context, sess *domain.Session) error {
	others, err := s.sessions.ListByDevice(ctx, sess.DeviceKey)
	if err != nil {
		return domain.NewStoreUnavailableError("session_supersede", err)
	}
	for i := range others {
		other := others[i]
		if other.SessionID == sess.SessionID || !other.IsActive {
			continue
		}
		superseded, err := s.applySession(ctx, &other, func(row *domain.Session) bool {
			if !row.IsActive {
				return false
			}
			row.IsActive = false
			row.UpdatedAt = time.Now().UTC()
			return true
		})
		if err != nil {
			return err
		}
		if superseded != nil {
			if err := s.sessions.DeleteRef(ctx, superseded.SessionToken); err != nil {
				s.logger.Warn("token index delete failed on supersession", "error", err)
			}
			observability.RecordSessionEvent("superseded")
		}
	}
	return nil
}

func (s *SessionService) ensureUser(ctx context.Context, mobileNo, email string) (*domain.User, error) {
	user, err := s.users.FindByMobile(ctx, mobileNo)
	if err == nil {
		if email != "" && user.Email == "" {
			updated := *user
			updated.Email = email
			updated.UpdatedAt = time.Now().UTC()
			if err := s.users.Update(ctx, &updated); err == nil {
				return &updated, nil
			}
		}
		return user, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, domain.NewStoreUnavailableError("user_lookup", err)
	}

	now := time.Now().UTC()
	user = &domain.User{
		ID:        domain.NewUserID(mobileNo),
		MobileNo:  mobileNo,
		Email:     email,
		Status:    domain.UserStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.users.Create(ctx, user)
	if err == nil {
		return user, nil
	}
	if errors.Is(err, repository.ErrConflict) {
		// Lost the first-login race; the winner's row is ours too.
		winner, err := s.users.FindByID(ctx, domain.NewUserID(mobileNo))
		if err != nil {
			return nil, domain.NewStoreUnavailableError("user_lookup", err)
		}
		return winner, nil
	}
	return nil, domain.NewStoreUnavailableError("user_create", err)
}

// promoteUser flips new_user to existing_user after the first successful
// verification. Losing the CAS means another verify already did it.
func (s *SessionService) promoteUser(ctx context.Context, userID string) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil || user.Status != domain.UserStatusNew {
		return
	}
	user.Status = domain.UserStatusExisting
	user.UpdatedAt = time.Now().UTC()
	if err := s.users.Update(ctx, user); err != nil && !errors.Is(err, repository.ErrConflict) {
		s.logger.Warn("user status promotion failed", "user_id", userID, "error", err)
	}
}

// putRef writes the token index row. Best effort: the primary row is the
// source of truth and FindByToken repairs stale refs lazily.
func (s *SessionService) putRef(ctx context.Context, sess *domain.Session) {
	err := s.sessions.PutRef(ctx, &domain.SessionRef{
		SessionToken: sess.SessionToken,
		DeviceKey:    sess.DeviceKey,
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		ExpiresAt:    sess.ExpiresAt,
	})
	if err != nil {
		s.logger.Warn("token index write failed", "error", err)
	}
}
