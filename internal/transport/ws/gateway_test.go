package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/registry"
	"github.com/gamepulse/lobbyd/internal/repository"
	"github.com/gamepulse/lobbyd/internal/security"
	"github.com/gamepulse/lobbyd/internal/service"
)

type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *captureSender) Send(_ context.Context, _, code string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		t.Fatal("no otp was sent")
	}
	return s.codes[len(s.codes)-1]
}

// stubSnapshots serves canned payloads per topic and records triggers.
type stubSnapshots struct {
	mu        sync.Mutex
	payloads  map[string]json.RawMessage
	triggered []string
}

func (s *stubSnapshots) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.payloads))
	for topic := range s.payloads {
		out = append(out, topic)
	}
	return out
}

func (s *stubSnapshots) KnownTopic(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.payloads[topic]
	return ok
}

func (s *stubSnapshots) Fetch(_ context.Context, topic string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.payloads[topic]
	if !ok {
		return nil, domain.ErrUnknownTopic
	}
	return payload, nil
}

func (s *stubSnapshots) OnTrigger(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered = append(s.triggered, topic)
}

func (s *stubSnapshots) InvalidateAndTrigger(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payloads[topic]; !ok {
		return domain.ErrUnknownTopic
	}
	s.triggered = append(s.triggered, topic)
	return nil
}

func (s *stubSnapshots) triggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggered)
}

type gatewayFixture struct {
	srv       *httptest.Server
	sender    *captureSender
	registry  *registry.Registry
	snapshots *stubSnapshots
	sessions  *service.SessionService
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := keyedstore.NewMemoryStore(keyedstore.DefaultSchema("test"))
	sessionsRepo := repository.NewSessionRepository(store)
	usersRepo := repository.NewUserRepository(store)
	otpsRepo := repository.NewOTPRepository(store)

	sender := &captureSender{}
	otp := service.NewOTPService(otpsRepo, sender, service.NewNoopAbuseGuard(), logger, 5*time.Minute, 5, 0)
	jwtMgr := security.NewJWTManager("lobbyd-test", "lobby-clients", "0123456789abcdef0123456789abcdef")
	sessions := service.NewSessionService(sessionsRepo, usersRepo, otp, jwtMgr, service.NewInMemoryNegativeLookupCacheStore(), logger, service.SessionConfig{
		SessionTTL:       time.Hour,
		FCMTokenMinLen:   8,
		NegativeCacheTTL: time.Minute,
	})
	resolver := service.NewCachedRestoreResolver(service.NewInMemoryRestoreCacheStore(), sessions, 30*time.Second)

	reg := registry.New(8, logger)
	snapshots := &stubSnapshots{
		payloads: map[string]json.RawMessage{
			"gamelist":    json.RawMessage(`{"gamelist":[{"game_id":"g1"}],"total":1}`),
			"listcontest": json.RawMessage(`{"listcontest":[],"total":0}`),
		},
	}

	gw := NewGateway(sessions, resolver, snapshots, reg, logger, Config{})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll()
	})
	return &gatewayFixture{srv: srv, sender: sender, registry: reg, snapshots: snapshots, sessions: sessions}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data = raw
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return frame
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	frame := readFrame(t, conn)
	if got, _ := frame["event"].(string); got != event {
		t.Fatalf("expected event %q, got %q (frame %v)", event, frame["event"], frame)
	}
	return frame
}

func fieldString(t *testing.T, frame map[string]any, key string) string {
	t.Helper()
	val, ok := frame[key].(string)
	if !ok || val == "" {
		t.Fatalf("expected non-empty %q in frame %v", key, frame)
	}
	return val
}

// loginAndVerify walks a connection through the full OTP handshake and
// returns the activated session token.
func (f *gatewayFixture) loginAndVerify(t *testing.T, conn *websocket.Conn, mobile, device string) (token, connID string) {
	t.Helper()
	send(t, conn, EventLogin, map[string]string{
		"mobile_no": mobile,
		"device_id": device,
		"fcm_token": "fcm-token-1234",
	})
	sent := expectEvent(t, conn, EventOTPSent)
	token = fieldString(t, sent, "session_token")

	send(t, conn, EventVerifyOTP, map[string]string{
		"mobile_no":     mobile,
		"session_token": token,
		"otp":           f.sender.lastCode(t),
	})
	verified := expectEvent(t, conn, EventOTPVerified)
	if fieldString(t, verified, "jwt_token") == "" {
		t.Fatal("expected a jwt in the verify ack")
	}
	return token, fieldString(t, verified, "connection_id")
}

func TestGatewayLoginFlow(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	send(t, conn, EventDeviceInfo, map[string]string{"device_id": "dev1", "device_type": "android"})
	ack := expectEvent(t, conn, EventDeviceAck)
	if fieldString(t, ack, "device_id") != "dev1" {
		t.Fatalf("device ack echoed wrong device: %v", ack)
	}

	_, connID := f.loginAndVerify(t, conn, "1234567890", "dev1")

	userID, deviceID, ok := f.registry.Identity(connID)
	if !ok {
		t.Fatalf("connection %s not authenticated in registry", connID)
	}
	if userID == "" || deviceID != "dev1" {
		t.Fatalf("unexpected registry identity %s/%s", userID, deviceID)
	}
}

func TestGatewayVerifyRejectsWrongCode(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	send(t, conn, EventLogin, map[string]string{
		"mobile_no": "1234567890",
		"device_id": "dev1",
		"fcm_token": "fcm-token-1234",
	})
	sent := expectEvent(t, conn, EventOTPSent)
	token := fieldString(t, sent, "session_token")

	wrong := "000000"
	if f.sender.lastCode(t) == wrong {
		wrong = "111111"
	}
	send(t, conn, EventVerifyOTP, map[string]string{
		"mobile_no":     "1234567890",
		"session_token": token,
		"otp":           wrong,
	})
	errFrame := expectEvent(t, conn, EventError)
	if fieldString(t, errFrame, "error_code") != domain.CodeOTPMismatch {
		t.Fatalf("expected %s, got %v", domain.CodeOTPMismatch, errFrame)
	}
	if fieldString(t, errFrame, "error_type") != "auth" {
		t.Fatalf("expected auth error type, got %v", errFrame)
	}
}

func TestGatewayListSnapshotAndBroadcast(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)
	f.loginAndVerify(t, conn, "1234567890", "dev1")

	send(t, conn, EventGetList, map[string]string{"topic": "gamelist"})
	resp := expectEvent(t, conn, "gamelist_response")
	data, err := json.Marshal(resp["data"])
	if err != nil {
		t.Fatalf("re-marshal data: %v", err)
	}
	if !strings.Contains(string(data), `"g1"`) {
		t.Fatalf("snapshot payload missing g1: %s", data)
	}

	// get_list subscribed the connection; a registry broadcast must arrive
	// on the socket verbatim.
	update := []byte(`{"event":"gamelist:update","data":{"total":1}}`)
	delivered, skipped := f.registry.Broadcast("gamelist", update)
	if delivered != 1 || skipped != 0 {
		t.Fatalf("broadcast delivered=%d skipped=%d", delivered, skipped)
	}
	frame := expectEvent(t, conn, "gamelist:update")
	if frame["data"] == nil {
		t.Fatalf("broadcast frame lost its payload: %v", frame)
	}
}

func TestGatewayTriggerUpdateAcknowledges(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)
	f.loginAndVerify(t, conn, "1234567890", "dev1")

	send(t, conn, EventTriggerUpdate, map[string]string{"topic": "gamelist"})
	ack := expectEvent(t, conn, EventTriggerAccepted)
	if fieldString(t, ack, "topic") != "gamelist" {
		t.Fatalf("trigger ack named wrong topic: %v", ack)
	}
	if f.snapshots.triggerCount() != 1 {
		t.Fatalf("expected exactly one trigger, got %d", f.snapshots.triggerCount())
	}
}

func TestGatewayPing(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	send(t, conn, EventPing, nil)
	expectEvent(t, conn, EventPong)
}

func TestGatewayVerifySubscribesDefaultTopics(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)
	f.loginAndVerify(t, conn, "1234567890", "dev1")

	// No get_list yet; authentication alone must put the connection on the
	// list channels.
	update := []byte(`{"event":"gamelist:update","data":{"total":0}}`)
	if delivered, _ := f.registry.Broadcast("gamelist", update); delivered != 1 {
		t.Fatal("expected the authenticated connection to receive broadcasts")
	}
	expectEvent(t, conn, "gamelist:update")
}

func TestGatewayListsRequireAuthentication(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	send(t, conn, EventGetList, map[string]string{"topic": "gamelist"})
	errFrame := expectEvent(t, conn, EventError)
	if fieldString(t, errFrame, "error_code") != domain.CodeAuthRequired {
		t.Fatalf("expected %s, got %v", domain.CodeAuthRequired, errFrame)
	}

	send(t, conn, EventTriggerUpdate, map[string]string{"topic": "gamelist"})
	errFrame = expectEvent(t, conn, EventError)
	if fieldString(t, errFrame, "error_code") != domain.CodeAuthRequired {
		t.Fatalf("expected %s, got %v", domain.CodeAuthRequired, errFrame)
	}
}

func TestGatewayRejectsUnknownTopic(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)
	f.loginAndVerify(t, conn, "1234567890", "dev1")

	send(t, conn, EventGetList, map[string]string{"topic": "leaderboard"})
	errFrame := expectEvent(t, conn, EventError)
	if fieldString(t, errFrame, "error_code") != domain.CodeUnknownTopic {
		t.Fatalf("expected %s, got %v", domain.CodeUnknownTopic, errFrame)
	}
}

func TestGatewayRejectsUnknownEvent(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	send(t, conn, "teleport", map[string]string{})
	errFrame := expectEvent(t, conn, EventError)
	if fieldString(t, errFrame, "error_code") != domain.CodeValidation {
		t.Fatalf("expected %s, got %v", domain.CodeValidation, errFrame)
	}
	if fieldString(t, errFrame, "field") != "event" {
		t.Fatalf("expected field=event, got %v", errFrame)
	}
}

func TestGatewayRejectsMalformedFrame(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	errFrame := expectEvent(t, conn, EventError)
	if fieldString(t, errFrame, "error_code") != domain.CodeValidation {
		t.Fatalf("expected %s, got %v", domain.CodeValidation, errFrame)
	}
}

func TestGatewayRestoreSession(t *testing.T) {
	f := newGatewayFixture(t)

	first := f.dial(t)
	token, _ := f.loginAndVerify(t, first, "1234567890", "dev1")
	_ = first.Close()

	second := f.dial(t)
	send(t, second, EventRestoreSession, map[string]string{"session_token": token})
	restored := expectEvent(t, second, EventSessionRestored)
	if fieldString(t, restored, "device_id") != "dev1" {
		t.Fatalf("restore lost the device binding: %v", restored)
	}
	connID := fieldString(t, restored, "connection_id")
	if _, _, ok := f.registry.Identity(connID); !ok {
		t.Fatal("restored connection not authenticated in registry")
	}

	send(t, second, EventGetList, map[string]string{"topic": "gamelist"})
	expectEvent(t, second, "gamelist_response")
}

func TestGatewayRestoreRejectsUnknownToken(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)

	send(t, conn, EventRestoreSession, map[string]string{"session_token": "no-such-token"})
	errFrame := expectEvent(t, conn, EventError)
	if fieldString(t, errFrame, "error_code") != domain.CodeSessionNotFound {
		t.Fatalf("expected %s, got %v", domain.CodeSessionNotFound, errFrame)
	}
}

func TestGatewayLogoutClosesConnection(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)
	token, _ := f.loginAndVerify(t, conn, "1234567890", "dev1")

	send(t, conn, EventLogout, map[string]string{"session_token": token})
	expectEvent(t, conn, EventLogoutSuccess)

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection after logout")
	}

	// The revoked token must not restore on a fresh connection.
	second := f.dial(t)
	send(t, second, EventRestoreSession, map[string]string{"session_token": token})
	errFrame := expectEvent(t, second, EventError)
	if fieldString(t, errFrame, "error_code") != domain.CodeSessionNotFound {
		t.Fatalf("expected %s after logout, got %v", domain.CodeSessionNotFound, errFrame)
	}
}
