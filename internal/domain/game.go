package domain

import "time"

type Game struct {
	ID         string    `json:"id" dynamodbav:"id"`
	Name       string    `json:"name" dynamodbav:"name"`
	Category   string    `json:"category,omitempty" dynamodbav:"category"`
	MinPlayers int       `json:"min_players" dynamodbav:"min_players"`
	MaxPlayers int       `json:"max_players" dynamodbav:"max_players"`
	Rating     float64   `json:"rating,omitempty" dynamodbav:"rating"`
	IsActive   bool      `json:"is_active" dynamodbav:"is_active"`
	IsFeatured bool      `json:"is_featured" dynamodbav:"is_featured"`
	CreatedAt  time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" dynamodbav:"updated_at"`
	Version    int64     `json:"-" dynamodbav:"version"`
}
