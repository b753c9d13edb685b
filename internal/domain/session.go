package domain

import "time"

// Session rows partition by device (mobile + device id) and cluster by a
// time-ordered session id, so the newest row for a device is always first
// on a descending read. At most one row per device carries IsActive=true.
type Session struct {
	DeviceKey    string    `json:"-" dynamodbav:"device_key"`
	SessionID    string    `json:"-" dynamodbav:"session_id"`
	SessionToken string    `json:"session_token" dynamodbav:"session_token"`
	UserID       string    `json:"user_id" dynamodbav:"user_id"`
	MobileNo     string    `json:"mobile_no" dynamodbav:"mobile_no"`
	DeviceID     string    `json:"device_id" dynamodbav:"device_id"`
	JWTToken     string    `json:"jwt_token,omitempty" dynamodbav:"jwt_token"`
	FCMToken     string    `json:"-" dynamodbav:"fcm_token"`
	IsActive     bool      `json:"is_active" dynamodbav:"is_active"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" dynamodbav:"updated_at"`
	ExpiresAt    time.Time `json:"expires_at" dynamodbav:"expires_at"`
	Version      int64     `json:"-" dynamodbav:"version"`
}

func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionRef is the sessions_by_token row: an O(1) pointer from an opaque
// token to the primary session row. Best-effort secondary; repaired lazily.
type SessionRef struct {
	SessionToken string    `json:"-" dynamodbav:"session_token"`
	DeviceKey    string    `json:"-" dynamodbav:"device_key"`
	SessionID    string    `json:"-" dynamodbav:"session_id"`
	UserID       string    `json:"-" dynamodbav:"user_id"`
	ExpiresAt    time.Time `json:"-" dynamodbav:"expires_at"`
	Version      int64     `json:"-" dynamodbav:"version"`
}

// BuildDeviceKey joins the session partition key.
func BuildDeviceKey(mobileNo, deviceID string) string {
	return mobileNo + "#" + deviceID
}
