// Package smoke walks a running lobbyd through its public surface without
// any pre-provisioned credentials: health endpoints, the websocket event
// loop, OTP issuance, and both auth gates. Each step either passes or the
// run stops naming the step that broke, so a failed deploy is diagnosed
// from the output alone.
package smoke

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/middleware"
	"github.com/gamepulse/lobbyd/internal/service"
	"github.com/gamepulse/lobbyd/internal/transport/ws"
)

type Config struct {
	BaseURL  string
	MobileNo string
	DeviceID string
	FCMToken string
	// TriggerSecret, when set, also exercises the admin trigger route.
	TriggerSecret string
	TriggerTopic  string
	Timeout       time.Duration
}

const frameWait = 5 * time.Second

// Run executes the scripted pass and returns one detail line per step.
// Verification is deliberately left out: the OTP code lands in SMS or the
// server log, so the script stops at issuance and checks that the
// unverified socket is still locked out.
func Run(ctx context.Context, cfg Config) ([]string, error) {
	cfg = withDefaults(cfg)
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client := &http.Client{Timeout: 10 * time.Second}

	var details []string
	step := func(format string, args ...any) {
		details = append(details, fmt.Sprintf(format, args...))
	}

	if err := expectStatus(ctx, client, http.MethodGet, cfg.BaseURL+"/health/live", nil, http.StatusOK); err != nil {
		return details, fmt.Errorf("health live: %w", err)
	}
	step("health live: ok")

	if err := expectStatus(ctx, client, http.MethodGet, cfg.BaseURL+"/health/ready", nil, http.StatusOK); err != nil {
		return details, fmt.Errorf("health ready: %w", err)
	}
	step("health ready: ok")

	if err := expectStatus(ctx, client, http.MethodGet, cfg.BaseURL+"/api/v1/lists/"+service.TopicGameList, nil, http.StatusUnauthorized); err != nil {
		return details, fmt.Errorf("rest auth gate: %w", err)
	}
	step("rest auth gate: 401 without credentials")

	conn, err := dial(ctx, cfg.BaseURL)
	if err != nil {
		return details, fmt.Errorf("websocket dial: %w", err)
	}
	defer func() { _ = conn.Close() }()
	step("websocket: connected")

	if err := send(conn, ws.EventPing, nil); err != nil {
		return details, fmt.Errorf("send ping: %w", err)
	}
	if _, err := expectFrame(conn, ws.EventPong); err != nil {
		return details, fmt.Errorf("await pong: %w", err)
	}
	step("ping: pong received")

	if err := send(conn, ws.EventDeviceInfo, ws.DeviceInfoRequest{
		DeviceID:   cfg.DeviceID,
		DeviceType: "smoke",
	}); err != nil {
		return details, fmt.Errorf("send device info: %w", err)
	}
	if _, err := expectFrame(conn, ws.EventDeviceAck); err != nil {
		return details, fmt.Errorf("await device ack: %w", err)
	}
	step("device info: acknowledged")

	if err := send(conn, ws.EventLogin, map[string]string{
		"mobile_no": cfg.MobileNo,
		"device_id": cfg.DeviceID,
		"fcm_token": cfg.FCMToken,
	}); err != nil {
		return details, fmt.Errorf("send login: %w", err)
	}
	loginAck, err := expectOneOf(conn, ws.EventOTPSent, ws.EventError)
	if err != nil {
		return details, fmt.Errorf("await otp issuance: %w", err)
	}
	if loginAck["event"] == ws.EventOTPSent {
		step("login: otp issued (user_status=%v delivered=%v)", loginAck["user_status"], loginAck["otp_delivered"])
	} else {
		// A rerun inside the resend window is throttled, which still proves
		// the issuance pipeline is answering.
		code, _ := loginAck["error_code"].(string)
		if code != domain.CodeRateLimited {
			return details, fmt.Errorf("login: server error %s: %v", code, loginAck["message"])
		}
		step("login: issuance throttled, pipeline answering (retry_after=%v)", loginAck["retry_after"])
	}

	// The session exists but is unverified; topic reads must still bounce.
	if err := send(conn, ws.EventGetList, ws.ListRequest{Topic: service.TopicGameList}); err != nil {
		return details, fmt.Errorf("send get_list: %w", err)
	}
	gateFrame, err := expectFrame(conn, ws.EventError)
	if err != nil {
		return details, fmt.Errorf("await ws auth gate: %w", err)
	}
	if code, _ := gateFrame["error_code"].(string); code != domain.CodeAuthRequired {
		return details, fmt.Errorf("ws auth gate: got error_code %q, want %q", code, domain.CodeAuthRequired)
	}
	step("ws auth gate: unverified socket rejected")

	if cfg.TriggerSecret != "" {
		url := cfg.BaseURL + "/api/v1/trigger/" + cfg.TriggerTopic
		headers := map[string]string{middleware.TriggerSecretHeader: cfg.TriggerSecret}
		if err := expectStatus(ctx, client, http.MethodPost, url, headers, http.StatusAccepted); err != nil {
			return details, fmt.Errorf("trigger %s: %w", cfg.TriggerTopic, err)
		}
		step("trigger %s: accepted", cfg.TriggerTopic)
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "smoke done"), time.Now().Add(time.Second))
	return details, nil
}

func withDefaults(cfg Config) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MobileNo == "" {
		cfg.MobileNo = "9999999999"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "smoke-device"
	}
	if cfg.FCMToken == "" {
		cfg.FCMToken = "smoke-fcm-token-0000"
	}
	if cfg.TriggerTopic == "" {
		cfg.TriggerTopic = service.TopicGameList
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}

func expectStatus(ctx context.Context, client *http.Client, method, url string, headers map[string]string, want int) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("got status %d, want %d", resp.StatusCode, want)
	}
	return nil
}

func dial(ctx context.Context, baseURL string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func send(conn *websocket.Conn, event string, data any) error {
	frame := ws.Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		frame.Data = raw
	}
	return conn.WriteJSON(frame)
}

// expectFrame reads until the named event arrives, skipping unrelated
// frames. An error_response while waiting for anything else fails fast with
// its code and message.
func expectFrame(conn *websocket.Conn, event string) (map[string]any, error) {
	return expectOneOf(conn, event)
}

func expectOneOf(conn *websocket.Conn, events ...string) (map[string]any, error) {
	deadline := time.Now().Add(frameWait)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for time.Now().Before(deadline) {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, err
		}
		got, _ := frame["event"].(string)
		for _, want := range events {
			if got == want {
				return frame, nil
			}
		}
		if got == ws.EventError {
			return nil, fmt.Errorf("server error %v while waiting for %s: %v", frame["error_code"], strings.Join(events, "|"), frame["message"])
		}
	}
	return nil, fmt.Errorf("no %s frame before deadline", strings.Join(events, "|"))
}
