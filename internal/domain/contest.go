package domain

import "time"

type Contest struct {
	ID          string    `json:"id" dynamodbav:"id"`
	Name        string    `json:"name" dynamodbav:"name"`
	WinPrice    string    `json:"win_price,omitempty" dynamodbav:"win_price"`
	EntryFee    string    `json:"entry_fee,omitempty" dynamodbav:"entry_fee"`
	JoinedUsers int       `json:"joined_users" dynamodbav:"joined_users"`
	ActiveUsers int       `json:"active_users" dynamodbav:"active_users"`
	StartTime   time.Time `json:"start_time" dynamodbav:"start_time"`
	EndTime     time.Time `json:"end_time" dynamodbav:"end_time"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" dynamodbav:"updated_at"`
	Version     int64     `json:"-" dynamodbav:"version"`
}
