package database

import (
	"context"
	"fmt"
	"time"
)

// PositionRepository is the durable mirror for monitored positions.
// Writes happen on the dirty-flush and checkpoint paths of the monitor
// store; reads happen once at startup during reconciliation.
type PositionRepository struct {
	db *DB
}

// NewPositionRepository creates a position repository
func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Upsert writes the full position row, inserting or replacing by ID.
func (r *PositionRepository) Upsert(ctx context.Context, p *Position) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO monitored_positions (
			id, user_id, symbol, side, entry_price, quantity, original_quantity,
			stop_loss, take_profit, leverage, trading_mode,
			trailing_active, trailing_stop, highest_price, lowest_price,
			partial_tps_taken, liquidation_warned, status, close_reason,
			signal_id, signal_source, opened_at, closed_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			trailing_active = EXCLUDED.trailing_active,
			trailing_stop = EXCLUDED.trailing_stop,
			highest_price = EXCLUDED.highest_price,
			lowest_price = EXCLUDED.lowest_price,
			partial_tps_taken = EXCLUDED.partial_tps_taken,
			liquidation_warned = EXCLUDED.liquidation_warned,
			status = EXCLUDED.status,
			close_reason = EXCLUDED.close_reason,
			closed_at = EXCLUDED.closed_at,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.OriginalQuantity,
		p.StopLoss, p.TakeProfit, p.Leverage, p.TradingMode,
		p.TrailingActive, p.TrailingStop, p.HighestPrice, p.LowestPrice,
		p.PartialTPsTaken, p.LiquidationWarned, p.Status, string(p.CloseReason),
		p.SignalID, p.SignalSource, p.OpenedAt, p.ClosedAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.ID, err)
	}
	return nil
}

// GetOpenPositions returns all open positions for a user
func (r *PositionRepository) GetOpenPositions(ctx context.Context, userID string) ([]*Position, error) {
	return r.queryPositions(ctx, `
		SELECT id, user_id, symbol, side, entry_price, quantity, original_quantity,
		       COALESCE(stop_loss, 0), COALESCE(take_profit, 0), leverage, trading_mode,
		       trailing_active, COALESCE(trailing_stop, 0),
		       COALESCE(highest_price, 0), COALESCE(lowest_price, 0),
		       partial_tps_taken, liquidation_warned, status,
		       COALESCE(close_reason, ''), COALESCE(signal_id, ''),
		       COALESCE(signal_source, ''), opened_at, closed_at, updated_at
		FROM monitored_positions
		WHERE user_id = $1 AND status = 'open'`, userID)
}

// GetAllOpenPositions returns every open position across users.
// Used once at startup to rebuild the in-memory store.
func (r *PositionRepository) GetAllOpenPositions(ctx context.Context) ([]*Position, error) {
	return r.queryPositions(ctx, `
		SELECT id, user_id, symbol, side, entry_price, quantity, original_quantity,
		       COALESCE(stop_loss, 0), COALESCE(take_profit, 0), leverage, trading_mode,
		       trailing_active, COALESCE(trailing_stop, 0),
		       COALESCE(highest_price, 0), COALESCE(lowest_price, 0),
		       partial_tps_taken, liquidation_warned, status,
		       COALESCE(close_reason, ''), COALESCE(signal_id, ''),
		       COALESCE(signal_source, ''), opened_at, closed_at, updated_at
		FROM monitored_positions
		WHERE status = 'open'`)
}

func (r *PositionRepository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		var p Position
		var closeReason, signalID, signalSource string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Side, &p.EntryPrice,
			&p.Quantity, &p.OriginalQuantity, &p.StopLoss, &p.TakeProfit,
			&p.Leverage, &p.TradingMode, &p.TrailingActive, &p.TrailingStop,
			&p.HighestPrice, &p.LowestPrice, &p.PartialTPsTaken, &p.LiquidationWarned,
			&p.Status, &closeReason, &signalID, &signalSource, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.CloseReason = CloseReason(closeReason)
		p.SignalID = signalID
		p.SignalSource = signalSource
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

// MarkClosed finalizes a position row
func (r *PositionRepository) MarkClosed(ctx context.Context, positionID string, reason CloseReason, closedAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE monitored_positions
		SET status = 'closed', close_reason = $2, closed_at = $3, updated_at = $3
		WHERE id = $1`,
		positionID, string(reason), closedAt)
	if err != nil {
		return fmt.Errorf("failed to mark position %s closed: %w", positionID, err)
	}
	return nil
}
