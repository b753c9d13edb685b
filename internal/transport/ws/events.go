// Package ws exposes the websocket surface: one upgrade endpoint, a
// per-connection read/write pump pair, and an event dispatcher over the
// session and snapshot services. Frames are JSON envelopes with an event
// name; response payloads are flat and echo the connection id so clients can
// correlate across reconnects.
package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
)

// Client-sent events.
const (
	EventDeviceInfo     = "device:info"
	EventLogin          = "login"
	EventVerifyOTP      = "verify:otp"
	EventResendOTP      = "resend:otp"
	EventRestoreSession = "restore:session"
	EventLogout         = "logout"
	EventGetList        = "get_list"
	EventTriggerUpdate  = "trigger_update"
	EventPing           = "ping"
)

// Server-sent events. List responses are named "<topic>_response" and
// broadcast frames "<topic>:update"; both are derived from the topic at
// runtime.
const (
	EventDeviceAck       = "device:info:ack"
	EventOTPSent         = "otp:sent"
	EventOTPVerified     = "otp:verified"
	EventOTPResent       = "otp:resent"
	EventSessionRestored = "session:restored"
	EventLogoutSuccess   = "logout:success"
	EventTriggerAccepted = "trigger:accepted"
	EventPong            = "pong"
	EventError           = "error_response"
)

// Frame is the inbound envelope. Data stays raw until the event-specific
// handler decodes it.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type DeviceInfoRequest struct {
	DeviceID        string   `json:"device_id"`
	DeviceType      string   `json:"device_type"`
	Manufacturer    string   `json:"manufacturer,omitempty"`
	Model           string   `json:"model,omitempty"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

type RestoreSessionRequest struct {
	SessionToken string `json:"session_token"`
}

type LogoutRequest struct {
	SessionToken string `json:"session_token"`
}

type ListRequest struct {
	Topic string `json:"topic"`
}

type DeviceAck struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	DeviceID     string `json:"device_id"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

type LoginAck struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	MobileNo     string `json:"mobile_no"`
	DeviceID     string `json:"device_id"`
	SessionToken string `json:"session_token"`
	OTPDelivered bool   `json:"otp_delivered"`
	OTPExpiresAt string `json:"otp_expires_at"`
	UserStatus   string `json:"user_status"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

type VerifyAck struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	MobileNo     string `json:"mobile_no"`
	DeviceID     string `json:"device_id"`
	SessionToken string `json:"session_token"`
	JWTToken     string `json:"jwt_token"`
	UserID       string `json:"user_id"`
	ExpiresAt    string `json:"expires_at"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

type ResendAck struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	MobileNo     string `json:"mobile_no"`
	OTPDelivered bool   `json:"otp_delivered"`
	OTPExpiresAt string `json:"otp_expires_at"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

type RestoreAck struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	MobileNo     string `json:"mobile_no"`
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	SessionID    string `json:"session_id"`
	ExpiresAt    string `json:"expires_at"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

type LogoutAck struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

// TriggerAck acknowledges a trigger_update; the rebuilt snapshot follows on
// the broadcast, not in this frame.
type TriggerAck struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	Topic        string `json:"topic"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

type Pong struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

// ListResponse answers get_list. Data carries the snapshot envelope
// untouched, so the response body matches what broadcast frames deliver for
// the same topic.
type ListResponse struct {
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	Topic        string          `json:"topic"`
	Data         json.RawMessage `json:"data"`
	Timestamp    string          `json:"timestamp"`
	ConnectionID string          `json:"connection_id"`
	Event        string          `json:"event"`
}

type ErrorResponse struct {
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorType    string `json:"error_type"`
	Field        string `json:"field,omitempty"`
	Message      string `json:"message"`
	RetryAfter   int    `json:"retry_after,omitempty"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
}

func listResponseEvent(topic string) string { return topic + "_response" }

func wireTimestamp() string { return time.Now().UTC().Format(time.RFC3339) }

func newErrorResponse(connID string, err error) ErrorResponse {
	resp := ErrorResponse{
		Status:       "error",
		ErrorCode:    domain.CodeOf(err),
		ErrorType:    domain.KindOf(err),
		Message:      err.Error(),
		Timestamp:    wireTimestamp(),
		ConnectionID: connID,
		Event:        EventError,
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		resp.Field = validationErr.Field
	}
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		resp.RetryAfter = rateErr.RetryAfterSeconds()
	}
	return resp
}
