package database

import (
	"context"
	"fmt"
)

// TradeRepository owns the closed-trade ledger and the aggregate
// statistics derived from it.
type TradeRepository struct {
	db *DB
}

// NewTradeRepository creates a trade repository
func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Insert records a closed (or partially closed) trade
func (r *TradeRepository) Insert(ctx context.Context, t *Trade) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO trades (
			position_id, user_id, symbol, side, entry_price, exit_price,
			quantity, pnl, pnl_percent, close_reason, signal_source,
			entry_time, exit_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		t.PositionID, t.UserID, t.Symbol, t.Side, t.EntryPrice, t.ExitPrice,
		t.Quantity, t.PnL, t.PnLPercent, string(t.CloseReason), t.SignalSource,
		t.EntryTime, t.ExitTime).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// GetStats aggregates a user's last `limit` closed trades. Pass
// symbol="" for account-wide stats.
func (r *TradeRepository) GetStats(ctx context.Context, userID, symbol string, limit int) (*TradeStats, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT pnl, pnl_percent FROM trades
		WHERE user_id = $1 AND ($2 = '' OR symbol = $2)
		ORDER BY exit_time DESC
		LIMIT $3`,
		userID, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade stats: %w", err)
	}
	defer rows.Close()

	stats := &TradeStats{}
	var winPctSum, lossPctSum float64
	for rows.Next() {
		var pnl, pnlPct float64
		if err := rows.Scan(&pnl, &pnlPct); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		stats.TotalTrades++
		stats.TotalPnL += pnl
		if pnl > 0 {
			stats.Wins++
			winPctSum += pnlPct
		} else {
			stats.Losses++
			lossPctSum += -pnlPct
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}
	if stats.Wins > 0 {
		stats.AvgWinPct = winPctSum / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLossPct = lossPctSum / float64(stats.Losses)
	}
	return stats, nil
}

// SourceAccuracy returns the win rate and sample size of a user's
// closed trades on one symbol that originated from the given signal
// source.
func (r *TradeRepository) SourceAccuracy(ctx context.Context, userID, symbol, source string) (accuracy float64, total int, err error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT pnl FROM trades
		WHERE user_id = $1 AND symbol = $2 AND signal_source = $3`,
		userID, symbol, source)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query source accuracy: %w", err)
	}
	defer rows.Close()

	wins := 0
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return 0, 0, err
		}
		total++
		if pnl > 0 {
			wins++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(wins) / float64(total), total, nil
}

// GetRecent returns a user's most recent closed trades
func (r *TradeRepository) GetRecent(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, position_id, user_id, symbol, side, entry_price, exit_price,
		       quantity, pnl, pnl_percent, close_reason, COALESCE(signal_source, ''),
		       entry_time, exit_time
		FROM trades
		WHERE user_id = $1
		ORDER BY exit_time DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var reason string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.UserID, &t.Symbol, &t.Side,
			&t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.PnL, &t.PnLPercent,
			&reason, &t.SignalSource, &t.EntryTime, &t.ExitTime); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.CloseReason = CloseReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
