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

// EventCache implements domain.EventCache. Each match's event list is a
// JSON array at feed:events:{matchID}.
type EventCache struct {
	c *Client
}

// NewEventCache creates an EventCache backed by the given Client.
func NewEventCache(c *Client) *EventCache {
	return &EventCache{c: c}
}

func (ec *EventCache) eventsKey(matchID string) string {
	return ec.c.key("feed:events:" + matchID)
}

// SetEvents stores events for ttl.
func (ec *EventCache) SetEvents(ctx context.Context, matchID string, events []domain.MatchEvent, ttl time.Duration) error {
	if events == nil {
		events = []domain.MatchEvent{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("redis: marshal events %s: %w", matchID, err)
	}
	if err := ec.c.rdb.Set(ctx, ec.eventsKey(matchID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set events %s: %w", matchID, err)
	}
	return nil
}

// GetEvents returns domain.ErrNotFound on a miss.
func (ec *EventCache) GetEvents(ctx context.Context, matchID string) ([]domain.MatchEvent, error) {
	data, err := ec.c.rdb.Get(ctx, ec.eventsKey(matchID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get events %s: %w", matchID, err)
	}
	var events []domain.MatchEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("redis: unmarshal events %s: %w", matchID, err)
	}
	return events, nil
}

var _ domain.EventCache = (*EventCache)(nil)
