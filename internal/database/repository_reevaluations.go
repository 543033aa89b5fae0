package database

import (
	"context"
	"fmt"
)

// ReEvaluationRepository stores the audit trail of decisions made for
// already-open positions when fresh signals arrive.
type ReEvaluationRepository struct {
	db *DB
}

// NewReEvaluationRepository creates a re-evaluation repository
func NewReEvaluationRepository(db *DB) *ReEvaluationRepository {
	return &ReEvaluationRepository{db: db}
}

// Insert records one re-evaluation decision
func (r *ReEvaluationRepository) Insert(ctx context.Context, re *ReEvaluation) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO position_reevaluations (
			position_id, user_id, symbol, signal_id, decision,
			old_stop_loss, new_stop_loss, old_take_profit, new_take_profit, reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, created_at`,
		re.PositionID, re.UserID, re.Symbol, re.SignalID, re.Decision,
		re.OldStopLoss, re.NewStopLoss, re.OldTakeProfit, re.NewTakeProfit, re.Reason).
		Scan(&re.ID, &re.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert re-evaluation: %w", err)
	}
	return nil
}

// ListForPosition returns the re-evaluation history of a position,
// newest first.
func (r *ReEvaluationRepository) ListForPosition(ctx context.Context, positionID string) ([]ReEvaluation, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, position_id, user_id, symbol, COALESCE(signal_id, ''), decision,
		       COALESCE(old_stop_loss, 0), COALESCE(new_stop_loss, 0),
		       COALESCE(old_take_profit, 0), COALESCE(new_take_profit, 0),
		       COALESCE(reason, ''), created_at
		FROM position_reevaluations
		WHERE position_id = $1
		ORDER BY created_at DESC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query re-evaluations: %w", err)
	}
	defer rows.Close()

	var result []ReEvaluation
	for rows.Next() {
		var re ReEvaluation
		if err := rows.Scan(&re.ID, &re.PositionID, &re.UserID, &re.Symbol,
			&re.SignalID, &re.Decision, &re.OldStopLoss, &re.NewStopLoss,
			&re.OldTakeProfit, &re.NewTakeProfit, &re.Reason, &re.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan re-evaluation: %w", err)
		}
		result = append(result, re)
	}
	return result, rows.Err()
}
