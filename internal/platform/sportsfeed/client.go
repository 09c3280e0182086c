// Package sportsfeed reads live match events from the sports-data proxy.
package sportsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/platform/rest"
)

type eventsResponse struct {
	MatchID string              `json:"match_id"`
	Events  []domain.MatchEvent `json:"events"`
}

// Client implements domain.EventFeed over HTTP.
type Client struct {
	rest *rest.Client
}

// New creates a Client.
func New(cfg rest.Config, logger *slog.Logger) *Client {
	return &Client{rest: rest.New(cfg, logger.With(slog.String("component", "sportsfeed")))}
}

// Events returns the events of a match ordered by timestamp.
func (c *Client) Events(ctx context.Context, matchID string) ([]domain.MatchEvent, error) {
	var resp eventsResponse
	path := "/v1/matches/" + url.PathEscape(matchID) + "/events"
	if err := c.rest.Do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("sportsfeed: events %s: %w", matchID, err)
	}
	events := resp.Events
	if events == nil {
		events = []domain.MatchEvent{}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// CachedFeed puts a TTL cache in front of a feed and collapses concurrent
// fetches for the same match into one upstream call.
type CachedFeed struct {
	feed   domain.EventFeed
	cache  domain.EventCache
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedFeed wraps feed. A zero ttl means 5 seconds.
func NewCachedFeed(feed domain.EventFeed, cache domain.EventCache, ttl time.Duration, logger *slog.Logger) *CachedFeed {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedFeed{
		feed:   feed,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "sportsfeed")),
	}
}

// Events serves from cache when fresh and otherwise fetches upstream.
// Cache failures degrade to a direct fetch.
func (f *CachedFeed) Events(ctx context.Context, matchID string) ([]domain.MatchEvent, error) {
	if events, err := f.cache.GetEvents(ctx, matchID); err == nil {
		return events, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		f.logger.Warn("event cache read failed",
			slog.String("match_id", matchID),
			slog.String("error", err.Error()),
		)
	}

	v, err, _ := f.group.Do(matchID, func() (any, error) {
		events, err := f.feed.Events(ctx, matchID)
		if err != nil {
			return nil, err
		}
		if err := f.cache.SetEvents(ctx, matchID, events, f.ttl); err != nil {
			f.logger.Warn("event cache write failed",
				slog.String("match_id", matchID),
				slog.String("error", err.Error()),
			)
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.MatchEvent), nil
}
