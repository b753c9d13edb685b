package domain

import "time"

// OTP purposes. Only login is issued today; the purpose is part of the
// record key so additional flows stay isolated.
const (
	OTPPurposeLogin = "login"
)

// OTPRecord is one issued code. Records for the same identity and purpose
// cluster by a time-ordered id; the newest unverified, unexpired record is
// the only one a verify attempt is checked against.
type OTPRecord struct {
	OTPKey       string    `json:"-" dynamodbav:"otp_key"`
	RecordID     string    `json:"-" dynamodbav:"record_id"`
	Identity     string    `json:"identity" dynamodbav:"identity"`
	Purpose      string    `json:"purpose" dynamodbav:"purpose"`
	Code         string    `json:"-" dynamodbav:"otp_code"`
	AttemptCount int       `json:"attempt_count" dynamodbav:"attempt_count"`
	IsVerified   bool      `json:"is_verified" dynamodbav:"is_verified"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt    time.Time `json:"expires_at" dynamodbav:"expires_at"`
	Version      int64     `json:"-" dynamodbav:"version"`
}

func (r *OTPRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// BuildOTPKey joins the otp_codes partition key.
func BuildOTPKey(identity, purpose string) string {
	return identity + "#" + purpose
}
