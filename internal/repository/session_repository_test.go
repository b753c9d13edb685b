package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/ids"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
)

func newSessionRepoForTest(t *testing.T) SessionRepository {
	t.Helper()
	store := keyedstore.NewMemoryStore(keyedstore.DefaultSchema("test_"))
	return NewSessionRepository(store)
}

func newTestSession(deviceKey, token string, active bool) *domain.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Session{
		DeviceKey:    deviceKey,
		SessionID:    ids.New(),
		SessionToken: token,
		UserID:       "user-1",
		MobileNo:     "1234567890",
		DeviceID:     "dev1",
		IsActive:     active,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}
}

func TestSessionRepositoryCreateAndFindByToken(t *testing.T) {
	repo := newSessionRepoForTest(t)
	ctx := context.Background()

	s := newTestSession(domain.BuildDeviceKey("1234567890", "dev1"), "tok-aaa", true)
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", s.Version)
	}
	ref := &domain.SessionRef{
		SessionToken: s.SessionToken,
		DeviceKey:    s.DeviceKey,
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		ExpiresAt:    s.ExpiresAt,
	}
	if err := repo.PutRef(ctx, ref); err != nil {
		t.Fatalf("put ref: %v", err)
	}

	got, err := repo.FindByToken(ctx, "tok-aaa")
	if err != nil {
		t.Fatalf("find by token: %v", err)
	}
	if got.SessionID != s.SessionID || got.UserID != "user-1" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := repo.FindByToken(ctx, "tok-missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRepositoryFindByTokenRepairsStaleRef(t *testing.T) {
	repo := newSessionRepoForTest(t)
	ctx := context.Background()

	s := newTestSession(domain.BuildDeviceKey("1234567890", "dev1"), "tok-old", true)
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.PutRef(ctx, &domain.SessionRef{
		SessionToken: "tok-old",
		DeviceKey:    s.DeviceKey,
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		ExpiresAt:    s.ExpiresAt,
	}); err != nil {
		t.Fatalf("put ref: %v", err)
	}

	// Rotate the primary row's token; the old ref now points at a row that
	// no longer carries its token.
	s.SessionToken = "tok-new"
	if err := repo.Update(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := repo.FindByToken(ctx, "tok-old"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for rotated token, got %v", err)
	}
	// The stale ref was removed, so the second lookup misses at the ref
	// stage with the same outcome.
	if _, err := repo.FindByToken(ctx, "tok-old"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after repair, got %v", err)
	}
}

func TestSessionRepositoryUpdateConflict(t *testing.T) {
	repo := newSessionRepoForTest(t)
	ctx := context.Background()

	s := newTestSession(domain.BuildDeviceKey("1234567890", "dev1"), "tok-a", true)
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	stale := *s
	s.FCMToken = "fcm-1"
	if err := repo.Update(ctx, s); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale.FCMToken = "fcm-2"
	err := repo.Update(ctx, &stale)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if stale.Version != 1 {
		t.Fatalf("version must be restored after conflict, got %d", stale.Version)
	}

	got, err := repo.FindLatestByDevice(ctx, s.DeviceKey)
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if got.FCMToken != "fcm-1" {
		t.Fatalf("losing write must not land, got fcm %q", got.FCMToken)
	}
}

func TestSessionRepositoryFindLatestByDevice(t *testing.T) {
	repo := newSessionRepoForTest(t)
	ctx := context.Background()
	deviceKey := domain.BuildDeviceKey("1234567890", "dev1")

	first := newTestSession(deviceKey, "tok-1", false)
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := newTestSession(deviceKey, "tok-2", true)
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, err := repo.FindLatestByDevice(ctx, deviceKey)
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if got.SessionToken != "tok-2" {
		t.Fatalf("expected newest session, got token %q", got.SessionToken)
	}

	all, err := repo.ListByDevice(ctx, deviceKey)
	if err != nil {
		t.Fatalf("list by device: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	if _, err := repo.FindLatestByDevice(ctx, "no#such"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRepositoryListExpiredActive(t *testing.T) {
	repo := newSessionRepoForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := newTestSession(domain.BuildDeviceKey("1234567890", "dev1"), "tok-live", true)
	if err := repo.Create(ctx, live); err != nil {
		t.Fatalf("create live: %v", err)
	}

	dead := newTestSession(domain.BuildDeviceKey("1234567890", "dev2"), "tok-dead", true)
	dead.ExpiresAt = now.Add(-time.Hour)
	if err := repo.Create(ctx, dead); err != nil {
		t.Fatalf("create dead: %v", err)
	}

	inactive := newTestSession(domain.BuildDeviceKey("1234567890", "dev3"), "tok-inactive", false)
	inactive.ExpiresAt = now.Add(-time.Hour)
	if err := repo.Create(ctx, inactive); err != nil {
		t.Fatalf("create inactive: %v", err)
	}

	expired, err := repo.ListExpiredActive(ctx, now)
	if err != nil {
		t.Fatalf("list expired active: %v", err)
	}
	if len(expired) != 1 || expired[0].SessionToken != "tok-dead" {
		t.Fatalf("expected only the expired active session, got %+v", expired)
	}
}
