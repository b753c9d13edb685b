// Package registry tracks live websocket connections, their identities, and
// their channel subscriptions. It owns the outbound queue for every
// connection; transport code drains Outbound and never writes to a socket
// from more than one goroutine.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/observability"
)

var (
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrSlowConsumer        = errors.New("connection send queue is full")
)

// Connection is the registry's view of one websocket. Pushes go through a
// bounded queue; a full queue drops the frame instead of blocking the
// broadcaster.
type Connection struct {
	id string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *Connection) ID() string { return c.id }

// Outbound is drained by exactly one writer goroutine. The channel is closed
// when the connection is unregistered.
func (c *Connection) Outbound() <-chan []byte { return c.send }

func (c *Connection) push(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type member struct {
	conn     *Connection
	userID   string
	deviceID string
	channels map[string]struct{}
}

type Registry struct {
	mu        sync.RWMutex
	members   map[string]*member
	channels  map[string]map[string]*member
	queueSize int
	logger    *slog.Logger
}

func New(queueSize int, logger *slog.Logger) *Registry {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members:   make(map[string]*member),
		channels:  make(map[string]map[string]*member),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (r *Registry) Register(connID string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[connID]; exists {
		return nil, ErrDuplicateConnection
	}
	conn := &Connection{id: connID, send: make(chan []byte, r.queueSize)}
	r.members[connID] = &member{conn: conn, channels: make(map[string]struct{})}
	observability.RecordConnectionChange(1, false)
	return conn, nil
}

// Authenticate binds a connection to a user identity. Re-binding to the same
// user is a no-op so a client may replay login after a reconnect race;
// binding to a different user is refused.
func (r *Registry) Authenticate(connID, userID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	if m.userID != "" {
		if m.userID == userID {
			m.deviceID = deviceID
			return nil
		}
		return domain.ErrAlreadyBound
	}
	m.userID = userID
	m.deviceID = deviceID
	observability.RecordConnectionChange(-1, false)
	observability.RecordConnectionChange(1, true)
	return nil
}

// Identity reports the bound user for a connection, if any.
func (r *Registry) Identity(connID string) (userID, deviceID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.members[connID]
	if !exists || m.userID == "" {
		return "", "", false
	}
	return m.userID, m.deviceID, true
}

func (r *Registry) Subscribe(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	if _, already := m.channels[channel]; already {
		return nil
	}
	m.channels[channel] = struct{}{}
	subs := r.channels[channel]
	if subs == nil {
		subs = make(map[string]*member)
		r.channels[channel] = subs
	}
	subs[connID] = m
	return nil
}

func (r *Registry) Unsubscribe(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return
	}
	delete(m.channels, channel)
	r.dropFromChannel(connID, channel)
}

// Unregister removes the connection and closes its outbound channel. Safe to
// call more than once; late broadcasts to the dead connection count as
// skipped.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	m, ok := r.members[connID]
	if ok {
		for channel := range m.channels {
			r.dropFromChannel(connID, channel)
		}
		delete(r.members, connID)
		observability.RecordConnectionChange(-1, m.userID != "")
	}
	r.mu.Unlock()
	if ok {
		m.conn.close()
	}
}

// Broadcast fans a payload out to every subscriber of a channel. Membership
// is snapshotted under the read lock; the pushes happen outside it so one
// slow consumer cannot stall registration traffic.
func (r *Registry) Broadcast(channel string, payload []byte) (delivered, skipped int) {
	r.mu.RLock()
	subs := r.channels[channel]
	targets := make([]*Connection, 0, len(subs))
	for _, m := range subs {
		targets = append(targets, m.conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if conn.push(payload) {
			delivered++
		} else {
			skipped++
		}
	}
	if skipped > 0 {
		r.logger.Warn("broadcast skipped slow consumers",
			"channel", channel,
			"delivered", delivered,
			"skipped", skipped,
		)
	}
	return delivered, skipped
}

// Send queues a payload for a single connection. A full queue is an error so
// the caller can decide to drop the connection rather than fall behind.
func (r *Registry) Send(connID string, payload []byte) error {
	r.mu.RLock()
	m, ok := r.members[connID]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrConnectionNotFound
	}
	if !m.conn.push(payload) {
		return ErrSlowConsumer
	}
	return nil
}

func (r *Registry) Counts() (connections, authenticated int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		connections++
		if m.userID != "" {
			authenticated++
		}
	}
	return connections, authenticated
}

func (r *Registry) Subscribers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// CloseAll unregisters every connection. Called on shutdown after the HTTP
// listener stops accepting upgrades.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	members := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		members = append(members, m)
		for channel := range m.channels {
			r.dropFromChannel(id, channel)
		}
		delete(r.members, id)
		observability.RecordConnectionChange(-1, m.userID != "")
	}
	r.mu.Unlock()
	for _, m := range members {
		m.conn.close()
	}
}

// caller holds r.mu
func (r *Registry) dropFromChannel(connID, channel string) {
	subs := r.channels[channel]
	if subs == nil {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.channels, channel)
	}
}
