package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrPositionNotFound is returned when a close is requested for a
// symbol the venue reports no position for.
var ErrPositionNotFound = errors.New("no open position for symbol")

// InsufficientFundsError is an explicit rejection from the venue.
type InsufficientFundsError struct {
	Symbol    string
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: required %.2f, available %.2f",
		e.Symbol, e.Required, e.Available)
}

// MarginTooLowError is margin-mode specific and surfaces upstream to
// the risk-reduction flow.
type MarginTooLowError struct {
	Symbol      string
	MarginLevel float64
}

func (e *MarginTooLowError) Error() string {
	return fmt.Sprintf("margin too low for %s: margin level %.2f%%", e.Symbol, e.MarginLevel)
}

// RateLimitedError indicates the venue throttled us. The adapter
// retries these internally with backoff before surfacing.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by venue, retry after %s", e.RetryAfter)
}

// UnsupportedError means the venue cannot perform the requested
// operation (e.g. reduceOnly on a venue without it). Never produced
// for the spot reduceOnly case: the adapter silently drops the flag.
type UnsupportedError struct {
	Op     string
	Reason string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported operation %s: %s", e.Op, e.Reason)
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// TransientError wraps timeouts and 5xx-class venue failures.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient venue error on %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
