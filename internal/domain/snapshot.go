package domain

import (
	"encoding/json"
	"time"
)

// Snapshot is a complete cached representation of one list topic. The
// payload is the exact bytes served to clients and written to the cache:
// {"<topic>": [ ...items ], "updated_at": "<RFC3339>", "total": <n>}.
// A snapshot is either absent or whole; readers never observe a partial one.
type Snapshot struct {
	Topic     string
	Payload   []byte
	UpdatedAt time.Time
	Total     int
}

func NewSnapshot(topic string, items any, total int, now time.Time) (*Snapshot, error) {
	updatedAt := now.UTC().Truncate(time.Second)
	payload, err := json.Marshal(map[string]any{
		topic:        items,
		"updated_at": updatedAt.Format(time.RFC3339),
		"total":      total,
	})
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Topic:     topic,
		Payload:   payload,
		UpdatedAt: updatedAt,
		Total:     total,
	}, nil
}
