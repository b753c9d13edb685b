package service

import "context"

// SessionManager is the surface the transport layers program against.
// *SessionService is the only production implementation; tests substitute
// lighter fakes.
type SessionManager interface {
	StartLogin(ctx context.Context, req LoginRequest) (*LoginResult, error)
	VerifyLogin(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	ResendOTP(ctx context.Context, req ResendRequest) (*ResendResult, error)
	Refresh(ctx context.Context, sessionToken string) (*RefreshResult, error)
	Revoke(ctx context.Context, sessionToken string) error
	Restore(ctx context.Context, sessionToken string) (*RestoreResult, error)
	SweepExpired(ctx context.Context) (int, error)
}

// SnapshotProvider serves list snapshots and accepts refresh triggers.
type SnapshotProvider interface {
	Topics() []string
	KnownTopic(topic string) bool
	Fetch(ctx context.Context, topic string) ([]byte, error)
	OnTrigger(topic string)
	InvalidateAndTrigger(ctx context.Context, topic string) error
}

// Broadcaster is the registry seen from the coordinator's side: fan a
// payload out to every subscriber of a channel without ever blocking.
type Broadcaster interface {
	Broadcast(channel string, payload []byte) (delivered, skipped int)
}
