package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// SettingsRepository stores per-user trading configuration
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a settings repository
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns a user's settings, falling back to defaults when the
// user has no row yet.
func (r *SettingsRepository) Get(ctx context.Context, userID string) (*TradingSettings, error) {
	var s TradingSettings
	var allowed string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT user_id, enabled, trading_mode, risk_per_trade_pct, max_position_usd,
		       max_open_positions, daily_trade_limit, hourly_trade_limit, min_confidence,
		       stop_loss_pct, take_profit_pct, leverage, trailing_enabled,
		       partial_tp_enabled, max_hold_hours, hedging_enabled,
		       COALESCE(allowed_symbols, ''), updated_at
		FROM trading_settings
		WHERE user_id = $1`, userID).
		Scan(&s.UserID, &s.Enabled, &s.TradingMode, &s.RiskPerTradePct, &s.MaxPositionUSD,
			&s.MaxOpenPositions, &s.DailyTradeLimit, &s.HourlyTradeLimit, &s.MinConfidence,
			&s.StopLossPct, &s.TakeProfitPct, &s.Leverage, &s.TrailingEnabled,
			&s.PartialTPEnabled, &s.MaxHoldHours, &s.HedgingEnabled, &allowed, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultTradingSettings(userID), nil
		}
		return nil, fmt.Errorf("failed to query settings for %s: %w", userID, err)
	}
	if allowed != "" {
		s.AllowedSymbols = strings.Split(allowed, ",")
	}
	s.Normalize()
	return &s, nil
}

// Save upserts a user's settings
func (r *SettingsRepository) Save(ctx context.Context, s *TradingSettings) error {
	s.Normalize()
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trading_settings (
			user_id, enabled, trading_mode, risk_per_trade_pct, max_position_usd,
			max_open_positions, daily_trade_limit, hourly_trade_limit, min_confidence,
			stop_loss_pct, take_profit_pct, leverage, trailing_enabled,
			partial_tp_enabled, max_hold_hours, hedging_enabled, allowed_symbols, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			trading_mode = EXCLUDED.trading_mode,
			risk_per_trade_pct = EXCLUDED.risk_per_trade_pct,
			max_position_usd = EXCLUDED.max_position_usd,
			max_open_positions = EXCLUDED.max_open_positions,
			daily_trade_limit = EXCLUDED.daily_trade_limit,
			hourly_trade_limit = EXCLUDED.hourly_trade_limit,
			min_confidence = EXCLUDED.min_confidence,
			stop_loss_pct = EXCLUDED.stop_loss_pct,
			take_profit_pct = EXCLUDED.take_profit_pct,
			leverage = EXCLUDED.leverage,
			trailing_enabled = EXCLUDED.trailing_enabled,
			partial_tp_enabled = EXCLUDED.partial_tp_enabled,
			max_hold_hours = EXCLUDED.max_hold_hours,
			hedging_enabled = EXCLUDED.hedging_enabled,
			allowed_symbols = EXCLUDED.allowed_symbols,
			updated_at = EXCLUDED.updated_at`,
		s.UserID, s.Enabled, s.TradingMode, s.RiskPerTradePct, s.MaxPositionUSD,
		s.MaxOpenPositions, s.DailyTradeLimit, s.HourlyTradeLimit, s.MinConfidence,
		s.StopLossPct, s.TakeProfitPct, s.Leverage, s.TrailingEnabled,
		s.PartialTPEnabled, s.MaxHoldHours, s.HedgingEnabled,
		strings.Join(s.AllowedSymbols, ","), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save settings for %s: %w", s.UserID, err)
	}
	return nil
}

// ListEnabledUsers returns the IDs of all users with auto-trading on
func (r *SettingsRepository) ListEnabledUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT user_id FROM trading_settings WHERE enabled = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
