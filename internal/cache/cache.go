// Package cache is the contract over the fast store: TTL'd key-value
// entries plus publish/subscribe channels.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache: miss")

// Message is one published payload as seen by a subscriber.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live channel stream. Messages is closed after Close
// or when the underlying connection goes away.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) Subscription
	Ping(ctx context.Context) error
	Close() error
}
