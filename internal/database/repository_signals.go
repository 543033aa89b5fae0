package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SignalRepository reads AI signals from the shared signal store.
// The trading core never writes to trading_signals; the ingestion
// pipeline owns that table.
type SignalRepository struct {
	db *DB
}

// NewSignalRepository creates a signal repository
func NewSignalRepository(db *DB) *SignalRepository {
	return &SignalRepository{db: db}
}

// GetSignalsSince returns signals addressed to the user (plus global
// ones) created at or after the cutoff, newest first.
func (r *SignalRepository) GetSignalsSince(ctx context.Context, userID string, cutoff time.Time) ([]Signal, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, COALESCE(user_id, ''), symbol, action, confidence, source,
		       COALESCE(reasoning, ''), COALESCE(stop_loss, 0),
		       COALESCE(take_profit, 0), COALESCE(expires_at, 'epoch'::timestamp),
		       created_at
		FROM trading_signals
		WHERE (user_id = $1 OR user_id IS NULL OR user_id = '')
		  AND created_at >= $2
		ORDER BY created_at DESC`,
		userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var s Signal
		if err := rows.Scan(&s.ID, &s.UserID, &s.Symbol, &s.Action, &s.Confidence,
			&s.Source, &s.Reasoning, &s.StopLoss, &s.TakeProfit, &s.ExpiresAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		if s.ExpiresAt.Unix() == 0 {
			s.ExpiresAt = time.Time{}
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// GetSignalByID returns a single signal, or nil when not found
func (r *SignalRepository) GetSignalByID(ctx context.Context, id string) (*Signal, error) {
	var s Signal
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, COALESCE(user_id, ''), symbol, action, confidence, source,
		       COALESCE(reasoning, ''), COALESCE(stop_loss, 0),
		       COALESCE(take_profit, 0), COALESCE(expires_at, 'epoch'::timestamp),
		       created_at
		FROM trading_signals
		WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.Symbol, &s.Action, &s.Confidence,
			&s.Source, &s.Reasoning, &s.StopLoss, &s.TakeProfit, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query signal %s: %w", id, err)
	}
	if s.ExpiresAt.Unix() == 0 {
		s.ExpiresAt = time.Time{}
	}
	return &s, nil
}
