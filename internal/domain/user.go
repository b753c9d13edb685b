package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	UserStatusNew      = "new_user"
	UserStatusExisting = "existing_user"
)

// User is created on the first login request for an unseen mobile number
// and flipped to existing_user on the first successful verification.
// Users are never hard-deleted; status transitions only.
type User struct {
	ID        string    `json:"id" dynamodbav:"id"`
	MobileNo  string    `json:"mobile_no" dynamodbav:"mobile_no"`
	Email     string    `json:"email,omitempty" dynamodbav:"email"`
	Name      string    `json:"name,omitempty" dynamodbav:"name"`
	Language  string    `json:"language,omitempty" dynamodbav:"language"`
	Status    string    `json:"status" dynamodbav:"status"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
	Version   int64     `json:"-" dynamodbav:"version"`
}

// NewUserID derives the opaque id for a mobile number. Deriving instead of
// generating makes two concurrent first logins collide on one conditional
// create; the loser reads the winner's row instead of minting a duplicate.
func NewUserID(mobileNo string) string {
	sum := sha256.Sum256([]byte("user:" + mobileNo))
	return "u_" + hex.EncodeToString(sum[:10])
}
