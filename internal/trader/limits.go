// Package trader drives the per-user trading cycle: pull signals,
// validate, size, check the portfolio and place orders. A supervisor
// owns one AutoTrader per enabled user.
package trader

import (
	"fmt"
	"sync"
	"time"
)

// retention bounds how long trade timestamps are kept; the daily
// window is the longest one consulted.
const retention = 24 * time.Hour

// TradeLimiter enforces the rolling hourly and daily trade caps.
// The per-cycle cap is handled by the cycle loop itself.
type TradeLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewTradeLimiter creates an empty limiter
func NewTradeLimiter() *TradeLimiter {
	return &TradeLimiter{}
}

// Allow reports whether another trade fits inside the rolling windows.
// The second return value names the exhausted window when it does not.
func (l *TradeLimiter) Allow(now time.Time, hourlyLimit, dailyLimit int) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)

	if dailyLimit > 0 && len(l.stamps) >= dailyLimit {
		return false, fmt.Sprintf("daily limit %d reached", dailyLimit)
	}
	if hourlyLimit > 0 && l.countSince(now.Add(-time.Hour)) >= hourlyLimit {
		return false, fmt.Sprintf("hourly limit %d reached", hourlyLimit)
	}
	return true, ""
}

// Record registers an executed trade
func (l *TradeLimiter) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps = append(l.stamps, now)
	l.prune(now)
}

// CountSince returns the number of trades at or after cutoff
func (l *TradeLimiter) CountSince(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countSince(cutoff)
}

func (l *TradeLimiter) countSince(cutoff time.Time) int {
	count := 0
	for _, ts := range l.stamps {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count
}

// prune drops stamps older than the daily window. Callers hold l.mu.
func (l *TradeLimiter) prune(now time.Time) {
	cutoff := now.Add(-retention)
	kept := l.stamps[:0]
	for _, ts := range l.stamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.stamps = kept
}
