// Package calendar gates trading around high-impact macroeconomic
// releases. The Auto-Trader skips its cycle inside the guard window
// surrounding any HIGH-impact event.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"signal-trading-core/internal/logging"
)

// Guard window around HIGH-impact events: trading pauses from 30
// minutes before the release until 60 minutes after.
const (
	GuardBefore = 30 * time.Minute
	GuardAfter  = 60 * time.Minute

	// feedCacheTTL keeps calendar fetches off the hot path
	feedCacheTTL = 10 * time.Minute

	fetchTimeout = 10 * time.Second
)

// Event is one macroeconomic calendar entry
type Event struct {
	Name     string    `json:"name"`
	Impact   string    `json:"impact"` // LOW, MEDIUM, HIGH
	Currency string    `json:"currency"`
	Time     time.Time `json:"time"`
}

// Provider answers the single query the trading core needs
type Provider interface {
	// UpcomingHighImpactEvent returns the nearest HIGH-impact event
	// whose guard window overlaps now, or nil when trading is clear.
	UpcomingHighImpactEvent(ctx context.Context) (*Event, error)
}

// HTTPProvider pulls a JSON event feed and answers from a short cache
type HTTPProvider struct {
	feedURL string
	client  *http.Client
	logger  *logging.Logger

	mu        sync.Mutex
	cached    []Event
	fetchedAt time.Time

	now func() time.Time
}

// NewHTTPProvider creates a calendar provider backed by a JSON feed
func NewHTTPProvider(feedURL string, logger *logging.Logger) *HTTPProvider {
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPProvider{
		feedURL: feedURL,
		client:  &http.Client{Timeout: fetchTimeout},
		logger:  logger.WithComponent("calendar"),
		now:     time.Now,
	}
}

// UpcomingHighImpactEvent implements Provider.
func (p *HTTPProvider) UpcomingHighImpactEvent(ctx context.Context) (*Event, error) {
	events, err := p.events(ctx)
	if err != nil {
		return nil, err
	}
	return blockingEvent(events, p.now()), nil
}

// blockingEvent returns the HIGH-impact event whose guard window
// contains now, if any.
func blockingEvent(events []Event, now time.Time) *Event {
	for i := range events {
		ev := &events[i]
		if ev.Impact != "HIGH" {
			continue
		}
		windowStart := ev.Time.Add(-GuardBefore)
		windowEnd := ev.Time.Add(GuardAfter)
		if !now.Before(windowStart) && !now.After(windowEnd) {
			return ev
		}
	}
	return nil
}

func (p *HTTPProvider) events(ctx context.Context) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.fetchedAt) < feedCacheTTL && p.cached != nil {
		return p.cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error building calendar request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		// A dead feed must not stop trading; answer from stale cache if
		// we have one.
		if p.cached != nil {
			p.logger.Warn("calendar fetch failed, serving stale cache", "error", err)
			return p.cached, nil
		}
		return nil, fmt.Errorf("calendar fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if p.cached != nil {
			return p.cached, nil
		}
		return nil, fmt.Errorf("calendar feed returned status %d", resp.StatusCode)
	}

	var events []Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("error parsing calendar feed: %w", err)
	}

	p.cached = events
	p.fetchedAt = time.Now()
	return events, nil
}

// StaticProvider serves a fixed event list. Used in tests and when no
// feed is configured.
type StaticProvider struct {
	Events []Event
	Now    func() time.Time
}

// UpcomingHighImpactEvent implements Provider.
func (s *StaticProvider) UpcomingHighImpactEvent(ctx context.Context) (*Event, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	return blockingEvent(s.Events, now), nil
}
