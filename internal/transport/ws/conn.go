package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Handlers get a bounded slice of the connection's lifetime so a stuck
	// store call cannot pin the read pump forever.
	dispatchTimeout = 15 * time.Second
)

// clientConn pairs a websocket with its registry entry. The read pump is the
// only goroutine that dispatches events; the write pump is the only one that
// touches the socket for writes. Replies and broadcasts both travel through
// the registry queue, which keeps frame order stable per connection.
type clientConn struct {
	id       string
	sock     *websocket.Conn
	entry    *registry.Connection
	gateway  *Gateway
	limiter  *rate.Limiter
	logger   *slog.Logger
	remoteIP string

	mu       sync.Mutex
	deviceID string
}

func (c *clientConn) setDeviceID(deviceID string) {
	c.mu.Lock()
	c.deviceID = deviceID
	c.mu.Unlock()
}

func (c *clientConn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// reply queues a server frame for this connection. A full queue means the
// client has stopped draining; the connection is cut rather than buffered
// without bound.
func (c *clientConn) reply(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("encode reply frame", "error", err)
		return
	}
	if err := c.gateway.registry.Send(c.id, raw); err != nil {
		c.logger.Warn("drop reply frame", "error", err)
		if err == registry.ErrSlowConsumer {
			c.gateway.registry.Unregister(c.id)
		}
	}
}

func (c *clientConn) replyError(err error) {
	c.reply(newErrorResponse(c.id, err))
}

// readPump decodes inbound frames and dispatches them in order. It exits on
// read error or close, and always unregisters the connection on the way out.
func (c *clientConn) readPump(ctx context.Context) {
	defer c.gateway.registry.Unregister(c.id)

	c.sock.SetReadLimit(c.gateway.readLimit)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.replyError(domain.NewRateLimitError(time.Second))
			continue
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.replyError(domain.NewValidationError("event", "malformed frame"))
			continue
		}
		if frame.Event == "" {
			c.replyError(domain.NewValidationError("event", "event name is required"))
			continue
		}

		dispatchCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		c.gateway.dispatch(dispatchCtx, c, frame)
		cancel()
	}
}

// writePump drains the registry queue onto the socket and keeps the
// connection alive with pings. When the queue closes it sends a close frame
// and returns, which unblocks the read pump.
func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case payload, ok := <-c.entry.Outbound():
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
