package broker

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements proactive weight-based request limiting.
// Venues publish per-minute weight budgets; spending the budget before
// the venue rejects us keeps the account off the ban list.
type RateLimiter struct {
	mu sync.Mutex

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	// ban state set when the venue rate-limits us anyway
	banUntil time.Time
}

// Request weights per logical operation. These mirror typical
// CCXT-exchange weights; order placement is cheap, account-wide
// queries are expensive.
var operationWeights = map[string]int{
	"CreateOrder":    1,
	"CancelOrder":    1,
	"FetchPositions": 5,
	"FetchBalance":   5,
	"FetchTicker":    1,
	"FetchOHLCV":     5,
	"FetchMarket":    1,
	"SetLeverage":    1,
}

// NewRateLimiter creates a limiter with the given per-minute weight
// budget. 1200 is a conservative default for the exchanges we target.
func NewRateLimiter(maxWeight int) *RateLimiter {
	if maxWeight <= 0 {
		maxWeight = 1200
	}
	return &RateLimiter{
		maxWeight:     maxWeight,
		weightResetAt: time.Now().Add(time.Minute),
	}
}

// Acquire blocks until the operation's weight fits the current window
// or the context is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context, op string) error {
	weight, ok := operationWeights[op]
	if !ok {
		weight = 1
	}

	for {
		wait := r.tryAcquire(weight)
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire records the weight if it fits, otherwise returns how long
// to wait before trying again.
func (r *RateLimiter) tryAcquire(weight int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.banUntil) {
		return r.banUntil.Sub(now)
	}
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}
	if r.currentWeight+weight > r.maxWeight {
		return r.weightResetAt.Sub(now)
	}

	r.currentWeight += weight
	return 0
}

// RecordRateLimited registers a venue-side throttle response so that
// subsequent requests back off for the advertised window.
func (r *RateLimiter) RecordRateLimited(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = 10 * time.Second
	}
	r.mu.Lock()
	r.banUntil = time.Now().Add(retryAfter)
	r.mu.Unlock()
}

// Usage returns the current window's weight consumption percentage
func (r *RateLimiter) Usage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxWeight == 0 {
		return 0
	}
	return float64(r.currentWeight) / float64(r.maxWeight) * 100
}
