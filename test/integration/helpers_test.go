// Package integration spins the full stack up in-process: the chi router,
// the websocket gateway, the memory keyedstore, and a miniredis behind the
// cache, page cache, and auth guards. Tests drive it over real HTTP and
// websocket clients.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/gamepulse/lobbyd/internal/cache"
	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/health"
	"github.com/gamepulse/lobbyd/internal/http/handler"
	"github.com/gamepulse/lobbyd/internal/http/middleware"
	"github.com/gamepulse/lobbyd/internal/http/router"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/registry"
	"github.com/gamepulse/lobbyd/internal/repository"
	"github.com/gamepulse/lobbyd/internal/security"
	"github.com/gamepulse/lobbyd/internal/service"
	"github.com/gamepulse/lobbyd/internal/transport/ws"
)

const (
	itestJWTSecret     = "0123456789abcdef0123456789abcdef"
	itestTriggerSecret = "itest-trigger-secret"
	itestCachePrefix   = "lobbyd"
	itestTriggerChan   = "list:refresh"
)

// captureSender keeps issued codes in memory so tests can read them back
// the way a phone would.
type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *captureSender) Send(_ context.Context, _ string, code string, _ time.Duration) error {
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
		t.Fatal("no otp has been issued yet")
	}
	return s.codes[len(s.codes)-1]
}

type lobbyServer struct {
	baseURL  string
	client   *http.Client
	redis    *miniredis.Miniredis
	cache    *cache.RedisCache
	sender   *captureSender
	games    repository.GameRepository
	contests repository.ContestRepository
}

type lobbyServerOptions struct {
	debounce    time.Duration
	snapshotTTL time.Duration
}

func newLobbyTestServer(t *testing.T) *lobbyServer {
	return newLobbyTestServerWithOptions(t, lobbyServerOptions{})
}

func newLobbyTestServerWithOptions(t *testing.T, opts lobbyServerOptions) *lobbyServer {
	t.Helper()
	if opts.debounce <= 0 {
		opts.debounce = 25 * time.Millisecond
	}
	if opts.snapshotTTL <= 0 {
		opts.snapshotTTL = 300 * time.Second
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	server := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	store := keyedstore.NewMemoryStore(keyedstore.DefaultSchema("itest_"))
	usersRepo := repository.NewUserRepository(store)
	sessionsRepo := repository.NewSessionRepository(store)
	otpsRepo := repository.NewOTPRepository(store)
	gamesRepo := repository.NewGameRepository(store)
	contestsRepo := repository.NewContestRepository(store)
	seedLobbyTables(t, gamesRepo, contestsRepo)

	sender := &captureSender{}
	otp := service.NewOTPService(otpsRepo, sender,
		service.NewRedisAbuseGuard(redisClient, "itest:abuse", service.AbusePolicy{
			FreeAttempts: 50,
			BaseDelay:    time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
			ResetWindow:  time.Hour,
		}),
		logger, 5*time.Minute, 5, 0)
	jwtMgr := security.NewJWTManager("lobbyd-itest", "lobby-clients", itestJWTSecret)
	sessions := service.NewSessionService(sessionsRepo, usersRepo, otp, jwtMgr,
		service.NewRedisNegativeLookupCacheStore(redisClient, "itest:neg"),
		logger, service.SessionConfig{
			SessionTTL:       time.Hour,
			FCMTokenMinLen:   8,
			NegativeCacheTTL: time.Minute,
		})
	resolver := service.NewCachedRestoreResolver(
		service.NewRedisRestoreCacheStore(redisClient, "itest:restore"),
		sessions, 30*time.Second)

	reg := registry.New(16, logger)
	redisCache := cache.NewRedisCache(redisClient, itestCachePrefix)
	broadcast := service.NewBroadcastService(gamesRepo, contestsRepo, redisCache, reg, logger,
		opts.snapshotTTL, opts.debounce, itestTriggerChan)

	runCtx, cancelRun := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		_ = broadcast.Run(runCtx)
	}()
	waitForSubscriber(t, redisClient, itestCachePrefix+":"+itestTriggerChan)

	gw := ws.NewGateway(sessions, resolver, broadcast, reg, logger, ws.Config{})

	readiness := health.NewProbeRunner(time.Minute, time.Second)
	readiness.Register("redis", redisCache.Ping)
	readiness.Register("keyedstore", func(ctx context.Context) error {
		var u domain.User
		err := store.Get(ctx, keyedstore.TableUsers, keyedstore.Key{Partition: "readiness-probe"}, keyedstore.Eventual, &u)
		if errors.Is(err, keyedstore.ErrNotFound) {
			return nil
		}
		return err
	})

	pages := service.NewRedisListCacheStore(redisClient, "itest:pages")
	deps := router.Dependencies{
		ListsHandler:   handler.NewListsHandler(broadcast),
		GamesHandler:   handler.NewGamesHandler(gamesRepo, pages, time.Minute, logger),
		TriggerHandler: handler.NewTriggerHandler(broadcast, pages, logger),
		SessionHandler: handler.NewSessionHandler(sessions, resolver, logger),
		UserHandler:    handler.NewUserHandler(service.NewUserService(usersRepo, logger)),
		WSHandler:      gw.Handler(),

		JWTManager:      jwtMgr,
		SessionRestorer: resolver,
		TriggerSecret:   itestTriggerSecret,

		APIRateLimitRPM:     10000,
		SessionRateLimitRPM: 10000,
		TriggerRateLimitRPM: 10000,

		Idempotency: middleware.NewIdempotencyMiddleware(
			service.NewRedisIdempotencyStore(redisClient, "itest:idem"), 5*time.Minute),

		Readiness: readiness,
	}

	srv := httptest.NewServer(router.NewRouter(deps))
	t.Cleanup(func() {
		srv.Close()
		cancelRun()
		<-bridgeDone
		broadcast.Stop()
		reg.CloseAll()
	})

	return &lobbyServer{
		baseURL:  srv.URL,
		client:   srv.Client(),
		redis:    server,
		cache:    redisCache,
		sender:   sender,
		games:    gamesRepo,
		contests: contestsRepo,
	}
}

// waitForSubscriber blocks until the broadcast bridge's SUBSCRIBE has
// landed, so a publish in the first test line cannot outrun it.
func waitForSubscriber(t *testing.T, client *redis.Client, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := client.PubSubNumSub(context.Background(), channel).Result()
		if err == nil && counts[channel] >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no subscriber appeared on %s", channel)
}

func seedLobbyTables(t *testing.T, games repository.GameRepository, contests repository.ContestRepository) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, g := range []domain.Game{
		{ID: "g1", Name: "Carrom", Category: "board", MinPlayers: 2, MaxPlayers: 4, Rating: 4.4, IsActive: true, CreatedAt: now, UpdatedAt: now},
		{ID: "g2", Name: "Ludo", Category: "board", MinPlayers: 2, MaxPlayers: 4, Rating: 4.7, IsActive: true, IsFeatured: true, CreatedAt: now, UpdatedAt: now},
	} {
		g := g
		if err := games.Put(ctx, &g); err != nil {
			t.Fatalf("seed game %s: %v", g.ID, err)
		}
	}
	c := domain.Contest{
		ID:        "c1",
		Name:      "Evening Ludo Cup",
		WinPrice:  "5000",
		EntryFee:  "50",
		StartTime: now.Add(time.Hour),
		EndTime:   now.Add(3 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := contests.Put(ctx, &c); err != nil {
		t.Fatalf("seed contest: %v", err)
	}
}

// envelope mirrors the REST response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope from %s %s (status %d): %v\nbody: %s", method, url, resp.StatusCode, err, raw)
	}
	return resp, env
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (f *lobbyServer) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.baseURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	if err := conn.WriteJSON(ws.Frame{Event: event, Data: payload}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// wsExpect reads frames until one carries the wanted event, skipping
// unrelated ones (a broadcast can interleave with an ack). An
// error_response while waiting for anything else fails the test with the
// server's code and message.
func wsExpect(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	if err := conn.SetReadDeadline(deadline); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read while waiting for %q: %v", event, err)
		}
		got, _ := frame["event"].(string)
		if got == event {
			return frame
		}
		if got == ws.EventError {
			t.Fatalf("error_response while waiting for %q: code=%v message=%v",
				event, frame["error_code"], frame["message"])
		}
	}
}

func wsField(t *testing.T, frame map[string]any, name string) string {
	t.Helper()
	v, ok := frame[name].(string)
	if !ok || v == "" {
		t.Fatalf("frame is missing %q: %+v", name, frame)
	}
	return v
}

// loginAndVerify walks one socket through the OTP handshake and returns
// the session token and JWT. The connection ends up authenticated and
// subscribed to the list topics.
func (f *lobbyServer) loginAndVerify(t *testing.T, conn *websocket.Conn, mobile, device string) (string, string) {
	t.Helper()
	wsSend(t, conn, ws.EventLogin, map[string]string{
		"mobile_no": mobile,
		"device_id": device,
		"fcm_token": "fcm-token-1234",
	})
	sent := wsExpect(t, conn, ws.EventOTPSent)
	sessionToken := wsField(t, sent, "session_token")

	wsSend(t, conn, ws.EventVerifyOTP, map[string]string{
		"mobile_no":     mobile,
		"session_token": sessionToken,
		"otp":           f.sender.lastCode(t),
	})
	verified := wsExpect(t, conn, ws.EventOTPVerified)
	return sessionToken, wsField(t, verified, "jwt_token")
}

func (f *lobbyServer) trigger(t *testing.T, topic string) {
	t.Helper()
	resp, env := doJSON(t, f.client, http.MethodPost, f.baseURL+"/api/v1/trigger/"+topic, nil, map[string]string{
		middleware.TriggerSecretHeader: itestTriggerSecret,
	})
	if resp.StatusCode != http.StatusAccepted || !env.Success {
		t.Fatalf("trigger %s failed: status=%d success=%v error=%+v", topic, resp.StatusCode, env.Success, env.Error)
	}
}
