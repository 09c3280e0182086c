package domain

import (
	"context"
	"time"
)

// LiveStateCache is a bounded TTL cache of match live state keyed by match id.
type LiveStateCache interface {
	SetLiveState(ctx context.Context, state LiveState, ttl time.Duration) error
	GetLiveState(ctx context.Context, matchID string) (LiveState, error)
	InvalidateLiveState(ctx context.Context, matchID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Signal bus channels.
const (
	ChannelSettlements = "settlements"
	ChannelClaims      = "claims"
	ChannelRankings    = "rankings"
)

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fan-out of engine results plus a durable stream
// for consumers that must not miss an event (notification layers).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
