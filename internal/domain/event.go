package domain

import (
	"context"
	"time"
)

// MatchEvent is one record from the live sports-data feed. The feed is
// at-least-once, so duplicates are expected.
type MatchEvent struct {
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Team      string    `json:"team,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFeed supplies the ordered event sequence for a match.
type EventFeed interface {
	Events(ctx context.Context, matchID string) ([]MatchEvent, error)
}

// EventCache holds recently fetched match events.
type EventCache interface {
	SetEvents(ctx context.Context, matchID string, events []MatchEvent, ttl time.Duration) error
	GetEvents(ctx context.Context, matchID string) ([]MatchEvent, error)
}
