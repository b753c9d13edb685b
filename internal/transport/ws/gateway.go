package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/ids"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/registry"
	"github.com/gamepulse/lobbyd/internal/service"
)

type Config struct {
	AllowedOrigins []string
	ReadLimit      int64
	EventRate      float64
	EventBurst     int
}

// Gateway upgrades HTTP requests to websockets and drives the event loop for
// each connection. One gateway serves every connection; per-connection state
// lives in clientConn and the registry.
type Gateway struct {
	sessions   service.SessionManager
	restore    *service.CachedRestoreResolver
	snapshots  service.SnapshotProvider
	registry   *registry.Registry
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	readLimit  int64
	eventRate  rate.Limit
	eventBurst int
}

func NewGateway(
	sessions service.SessionManager,
	restore *service.CachedRestoreResolver,
	snapshots service.SnapshotProvider,
	reg *registry.Registry,
	logger *slog.Logger,
	cfg Config,
) *Gateway {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 * 1024
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = 20
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 40
	}
	return &Gateway{
		sessions:  sessions,
		restore:   restore,
		snapshots: snapshots,
		registry:  reg,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		readLimit:  cfg.ReadLimit,
		eventRate:  rate.Limit(cfg.EventRate),
		eventBurst: cfg.EventBurst,
	}
}

func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.serveWS)
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn("websocket upgrade rejected", "error", err, "remote", r.RemoteAddr)
		return
	}

	connID := ids.New()
	entry, err := g.registry.Register(connID)
	if err != nil {
		g.logger.Error("register websocket connection", "connection_id", connID, "error", err)
		_ = sock.Close()
		return
	}

	c := &clientConn{
		id:       connID,
		sock:     sock,
		entry:    entry,
		gateway:  g,
		limiter:  rate.NewLimiter(g.eventRate, g.eventBurst),
		logger:   g.logger.With("connection_id", connID),
		remoteIP: remoteIP(r),
	}
	c.logger.Info("websocket connected", "remote_ip", c.remoteIP)

	go c.writePump()
	c.readPump(r.Context())

	c.logger.Info("websocket disconnected")
}

func (g *Gateway) dispatch(ctx context.Context, c *clientConn, frame Frame) {
	switch frame.Event {
	case EventDeviceInfo:
		g.handleDeviceInfo(c, frame.Data)
	case EventLogin:
		g.handleLogin(ctx, c, frame.Data)
	case EventVerifyOTP:
		g.handleVerify(ctx, c, frame.Data)
	case EventResendOTP:
		g.handleResend(ctx, c, frame.Data)
	case EventRestoreSession:
		g.handleRestore(ctx, c, frame.Data)
	case EventLogout:
		g.handleLogout(ctx, c, frame.Data)
	case EventGetList:
		g.handleGetList(ctx, c, frame.Data)
	case EventTriggerUpdate:
		g.handleTriggerUpdate(c, frame.Data)
	case EventPing:
		c.reply(Pong{
			Status:       "success",
			Message:      "pong",
			Timestamp:    wireTimestamp(),
			ConnectionID: c.id,
			Event:        EventPong,
		})
	default:
		c.replyError(domain.NewValidationError("event", fmt.Sprintf("unknown event %q", frame.Event)))
	}
}

func (g *Gateway) handleDeviceInfo(c *clientConn, data json.RawMessage) {
	var req DeviceInfoRequest
	if err := decodePayload(data, &req, "device_info"); err != nil {
		c.replyError(err)
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		c.replyError(domain.NewValidationError("device_id", "device id is required"))
		return
	}
	c.setDeviceID(req.DeviceID)
	c.logger.Debug("device info received",
		"device_id", req.DeviceID,
		"device_type", req.DeviceType,
		"model", req.Model,
	)
	c.reply(DeviceAck{
		Status:       "success",
		Message:      "device info recorded",
		DeviceID:     req.DeviceID,
		Timestamp:    wireTimestamp(),
		ConnectionID: c.id,
		Event:        EventDeviceAck,
	})
}

func (g *Gateway) handleLogin(ctx context.Context, c *clientConn, data json.RawMessage) {
	var req service.LoginRequest
	if err := decodePayload(data, &req, "login_data"); err != nil {
		c.replyError(err)
		return
	}
	req.IP = c.remoteIP
	res, err := g.sessions.StartLogin(ctx, req)
	if err != nil {
		observability.AuditConn(ctx, c.id, "auth.login",
			"outcome", "failure",
			"reason", domain.CodeOf(err),
			"mobile_no", observability.MaskMobile(req.MobileNo),
		)
		c.replyError(err)
		return
	}
	c.setDeviceID(req.DeviceID)
	observability.AuditConn(ctx, c.id, "auth.login",
		"outcome", "success",
		"mobile_no", observability.MaskMobile(req.MobileNo),
		"device_id", req.DeviceID,
		"otp_delivered", res.OTPIssued,
	)

	message := "OTP sent"
	if !res.OTPIssued {
		message = "OTP issued, delivery pending"
	}
	c.reply(LoginAck{
		Status:       "success",
		Message:      message,
		MobileNo:     req.MobileNo,
		DeviceID:     req.DeviceID,
		SessionToken: res.SessionToken,
		OTPDelivered: res.OTPIssued,
		OTPExpiresAt: res.OTPExpiresAt.UTC().Format(time.RFC3339),
		UserStatus:   res.UserStatus,
		Timestamp:    wireTimestamp(),
		ConnectionID: c.id,
		Event:        EventOTPSent,
	})
}

func (g *Gateway) handleVerify(ctx context.Context, c *clientConn, data json.RawMessage) {
	var req service.VerifyRequest
	if err := decodePayload(data, &req, "otp_data"); err != nil {
		c.replyError(err)
		return
	}
	req.IP = c.remoteIP
	res, err := g.sessions.VerifyLogin(ctx, req)
	if err != nil {
		observability.AuditConn(ctx, c.id, "auth.verify",
			"outcome", "failure",
			"reason", domain.CodeOf(err),
			"mobile_no", observability.MaskMobile(req.MobileNo),
		)
		if errors.Is(err, domain.ErrOTPLocked) {
			observability.AuditConn(ctx, c.id, "auth.lockout",
				"mobile_no", observability.MaskMobile(req.MobileNo),
			)
		}
		c.replyError(err)
		return
	}
	if err := g.registry.Authenticate(c.id, res.UserID, res.DeviceID); err != nil {
		c.replyError(err)
		return
	}
	g.subscribeDefaults(c)
	observability.AuditConn(ctx, c.id, "auth.verify",
		"outcome", "success",
		"user_id", res.UserID,
		"device_id", res.DeviceID,
	)
	c.reply(VerifyAck{
		Status:       "success",
		Message:      "OTP verified",
		MobileNo:     res.MobileNo,
		DeviceID:     res.DeviceID,
		SessionToken: req.SessionToken,
		JWTToken:     res.JWTToken,
		UserID:       res.UserID,
		ExpiresAt:    res.ExpiresAt.UTC().Format(time.RFC3339),
		Timestamp:    wireTimestamp(),
		ConnectionID: c.id,
		Event:        EventOTPVerified,
	})
}

func (g *Gateway) handleResend(ctx context.Context, c *clientConn, data json.RawMessage) {
	var req service.ResendRequest
	if err := decodePayload(data, &req, "resend_data"); err != nil {
		c.replyError(err)
		return
	}
	req.IP = c.remoteIP
	res, err := g.sessions.ResendOTP(ctx, req)
	if err != nil {
		observability.AuditConn(ctx, c.id, "auth.resend",
			"outcome", "failure",
			"reason", domain.CodeOf(err),
			"mobile_no", observability.MaskMobile(req.MobileNo),
		)
		c.replyError(err)
		return
	}
	observability.AuditConn(ctx, c.id, "auth.resend",
		"outcome", "success",
		"mobile_no", observability.MaskMobile(req.MobileNo),
		"otp_delivered", res.OTPIssued,
	)
	message := "OTP resent"
	if !res.OTPIssued {
		message = "OTP reissued, delivery pending"
	}
	c.reply(ResendAck{
		Status:       "success",
		Message:      message,
		MobileNo:     req.MobileNo,
		OTPDelivered: res.OTPIssued,
		OTPExpiresAt: res.OTPExpiresAt.UTC().Format(time.RFC3339),
		Timestamp:    wireTimestamp(),
		ConnectionID: c.id,
		Event:        EventOTPResent,
	})
}

func (g *Gateway) handleRestore(ctx context.Context, c *clientConn, data json.RawMessage) {
	var req RestoreSessionRequest
	if err := decodePayload(data, &req, "session_data"); err != nil {
		c.replyError(err)
		return
	}
	if req.SessionToken == "" {
		c.replyError(domain.NewValidationError("session_token", "session token is required"))
		return
	}
	res, err := g.restore.Restore(ctx, req.SessionToken)
	if err != nil {
		observability.AuditConn(ctx, c.id, "session.restore",
			"outcome", "failure",
			"reason", domain.CodeOf(err),
		)
		c.replyError(err)
		return
	}
	if err := g.registry.Authenticate(c.id, res.UserID, res.DeviceID); err != nil {
		c.replyError(err)
		return
	}
	g.subscribeDefaults(c)
	c.setDeviceID(res.DeviceID)
	observability.AuditConn(ctx, c.id, "session.restore",
		"outcome", "success",
		"user_id", res.UserID,
		"session_id", res.SessionID,
	)
	c.reply(RestoreAck{
		Status:       "success",
		Message:      "session restored",
		MobileNo:     res.MobileNo,
		UserID:       res.UserID,
		DeviceID:     res.DeviceID,
		SessionID:    res.SessionID,
		ExpiresAt:    res.ExpiresAt.UTC().Format(time.RFC3339),
		Timestamp:    wireTimestamp(),
		ConnectionID: c.id,
		Event:        EventSessionRestored,
	})
}

func (g *Gateway) handleLogout(ctx context.Context, c *clientConn, data json.RawMessage) {
	var req LogoutRequest
	if err := decodePayload(data, &req, "session_data"); err != nil {
		c.replyError(err)
		return
	}
	if req.SessionToken == "" {
		c.replyError(domain.NewValidationError("session_token", "session token is required"))
		return
	}
	if err := g.sessions.Revoke(ctx, req.SessionToken); err != nil {
		observability.AuditConn(ctx, c.id, "auth.logout",
			"outcome", "failure",
			"reason", domain.CodeOf(err),
		)
		c.replyError(err)
		return
	}
	if err := g.restore.InvalidateToken(ctx, req.SessionToken); err != nil {
		c.logger.Warn("invalidate restore cache on logout", "error", err)
	}
	observability.AuditConn(ctx, c.id, "auth.logout", "outcome", "success")
	c.reply(LogoutAck{
		Status:       "success",
		Message:      "logged out",
		Timestamp:    wireTimestamp(),
		ConnectionID: c.id,
		Event:        EventLogoutSuccess,
	})
	// The queued ack drains before the close frame; logout always ends the
	// connection.
	g.registry.Unregister(c.id)
}

func (g *Gateway) handleGetList(ctx context.Context, c *clientConn, data json.RawMessage) {
	topic, err := g.requireTopic(c, data)
	if err != nil {
		c.replyError(err)
		return
	}
	payload, err := g.snapshots.Fetch(ctx, topic)
	if err != nil {
		c.replyError(err)
		return
	}
	if err := g.registry.Subscribe(c.id, topic); err != nil {
		c.replyError(err)
		return
	}
	c.reply(ListResponse{
		Status:       "success",
		Message:      "list snapshot",
		Topic:        topic,
		Data:         payload,
		Timestamp:    wireTimestamp(),
		ConnectionID: c.id,
		Event:        listResponseEvent(topic),
	})
}

// handleTriggerUpdate only arms the debounced cycle; the caller receives the
// rebuilt snapshot on the broadcast like every other subscriber.
func (g *Gateway) handleTriggerUpdate(c *clientConn, data json.RawMessage) {
	topic, err := g.requireTopic(c, data)
	if err != nil {
		c.replyError(err)
		return
	}
	g.snapshots.OnTrigger(topic)
	c.reply(TriggerAck{
		Status:       "success",
		Message:      "trigger accepted",
		Topic:        topic,
		Timestamp:    wireTimestamp(),
		ConnectionID: c.id,
		Event:        EventTriggerAccepted,
	})
}

// subscribeDefaults puts a freshly authenticated connection on every list
// channel, so broadcasts reach it before its first get_list.
func (g *Gateway) subscribeDefaults(c *clientConn) {
	for _, topic := range g.snapshots.Topics() {
		if err := g.registry.Subscribe(c.id, topic); err != nil {
			c.logger.Warn("default subscription failed", "topic", topic, "error", err)
		}
	}
}

// requireTopic enforces the shared preconditions of the list events: a bound
// identity and a known topic.
func (g *Gateway) requireTopic(c *clientConn, data json.RawMessage) (string, error) {
	if _, _, ok := g.registry.Identity(c.id); !ok {
		return "", domain.ErrAuthRequired
	}
	var req ListRequest
	if err := decodePayload(data, &req, "topic"); err != nil {
		return "", err
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return "", domain.NewValidationError("topic", "topic is required")
	}
	if !g.snapshots.KnownTopic(topic) {
		return "", domain.ErrUnknownTopic
	}
	return topic, nil
}

func decodePayload(data json.RawMessage, dst any, field string) error {
	if len(data) == 0 {
		return domain.NewValidationError(field, "payload is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return domain.NewValidationError(field, "malformed payload")
	}
	return nil
}

// originChecker allows non-browser clients (no Origin header) through, holds
// browsers to the configured allow-list, and falls back to same-host when no
// list is configured.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
