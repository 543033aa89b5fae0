// Package signals fetches, filters and validates AI trading signals
// from the shared signal store.
package signals

import (
	"context"
	"time"

	"signal-trading-core/internal/database"
	"signal-trading-core/internal/logging"
)

const (
	// FreshnessWindow: a signal exactly this old is still eligible;
	// one second older is not.
	FreshnessWindow = 6 * time.Hour

	// storeReadTimeout bounds each signal store query
	storeReadTimeout = 10 * time.Second
)

// Store is the read-only signal source
type Store interface {
	GetSignalsSince(ctx context.Context, userID string, cutoff time.Time) ([]database.Signal, error)
}

// Reader pulls candidate signals for one Auto-Trader tick. It is pure
// with respect to the store: fetch, filter, dedupe, never mutate.
type Reader struct {
	store     Store
	whitelist map[string]bool
	logger    *logging.Logger

	// now is swappable for tests
	now func() time.Time
}

// NewReader creates a signal reader restricted to the given sources.
func NewReader(store Store, sources []string, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.Default()
	}
	whitelist := make(map[string]bool, len(sources))
	for _, s := range sources {
		whitelist[s] = true
	}
	return &Reader{
		store:     store,
		whitelist: whitelist,
		logger:    logger.WithComponent("signals"),
		now:       time.Now,
	}
}

// Fetch returns actionable, deduplicated signals for the user, newest
// first, plus the per-(symbol, action) count of eligible signals seen
// before deduplication (the consensus input).
func (r *Reader) Fetch(ctx context.Context, userID string) ([]database.Signal, map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, storeReadTimeout)
	defer cancel()

	now := r.now()
	cutoff := now.Add(-FreshnessWindow)
	rows, err := r.store.GetSignalsSince(ctx, userID, cutoff)
	if err != nil {
		return nil, nil, err
	}

	consensus := make(map[string]int)
	seen := make(map[string]bool)
	var result []database.Signal

	for _, sig := range rows {
		if !r.eligible(&sig, now, cutoff) {
			continue
		}

		consensus[ConsensusKey(sig.Symbol, sig.Action)]++

		// Rows arrive newest first, so the first signal per dedupe key
		// is the one to keep.
		dedupeKey := userID + "|" + sig.Symbol + "|" + string(sig.Action)
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true
		result = append(result, sig)
	}

	r.logger.Debug("signals fetched",
		"user_id", userID,
		"raw", len(rows),
		"deduplicated", len(result))
	return result, consensus, nil
}

func (r *Reader) eligible(sig *database.Signal, now, cutoff time.Time) bool {
	if !r.whitelist[sig.Source] {
		return false
	}
	if sig.Action != database.ActionBuy && sig.Action != database.ActionSell {
		return false
	}
	if sig.CreatedAt.Before(cutoff) {
		return false
	}
	if sig.Expired(now) {
		return false
	}
	return true
}

// ConsensusKey builds the map key used for consensus counting
func ConsensusKey(symbol string, action database.SignalAction) string {
	return symbol + "|" + string(action)
}
