package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// LiveStateCache implements domain.LiveStateCache with JSON strings under
// live:{matchID}. Entries always carry a TTL so the cache stays bounded.
type LiveStateCache struct {
	c *Client
}

// NewLiveStateCache creates a LiveStateCache backed by the given Client.
func NewLiveStateCache(c *Client) *LiveStateCache {
	return &LiveStateCache{c: c}
}

func (lc *LiveStateCache) liveKey(matchID string) string {
	return lc.c.key("live:" + matchID)
}

// SetLiveState stores state for ttl. A non-positive ttl is rejected.
func (lc *LiveStateCache) SetLiveState(ctx context.Context, state domain.LiveState, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis: set live state %s: ttl must be positive", state.MatchID)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal live state %s: %w", state.MatchID, err)
	}
	if err := lc.c.rdb.Set(ctx, lc.liveKey(state.MatchID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set live state %s: %w", state.MatchID, err)
	}
	return nil
}

// GetLiveState returns domain.ErrNotFound when nothing fresh is cached.
func (lc *LiveStateCache) GetLiveState(ctx context.Context, matchID string) (domain.LiveState, error) {
	data, err := lc.c.rdb.Get(ctx, lc.liveKey(matchID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.LiveState{}, domain.ErrNotFound
		}
		return domain.LiveState{}, fmt.Errorf("redis: get live state %s: %w", matchID, err)
	}
	var state domain.LiveState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.LiveState{}, fmt.Errorf("redis: unmarshal live state %s: %w", matchID, err)
	}
	return state, nil
}

// InvalidateLiveState drops the cached state of a match.
func (lc *LiveStateCache) InvalidateLiveState(ctx context.Context, matchID string) error {
	if err := lc.c.rdb.Del(ctx, lc.liveKey(matchID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate live state %s: %w", matchID, err)
	}
	return nil
}

var _ domain.LiveStateCache = (*LiveStateCache)(nil)
