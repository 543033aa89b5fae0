package database

import "time"

// Side is the direction of a managed position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// SignalAction is the recommendation carried by an AI signal
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
	ActionHold SignalAction = "HOLD"
)

// PositionStatus is the lifecycle state of a monitored position
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
)

// CloseReason records why a position was exited. These values feed the
// trade ledger and the per-reason PnL breakdown.
type CloseReason string

const (
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTakeProfit   CloseReason = "take_profit"
	CloseTrailingStop CloseReason = "trailing_stop"
	ClosePartialTP    CloseReason = "partial_tp"
	CloseTimeExit     CloseReason = "time_exit"
	CloseLiquidation  CloseReason = "liquidation_close"
	CloseManual       CloseReason = "manual"
	CloseGhost        CloseReason = "ghost_cleanup"
	CloseReevaluation CloseReason = "reevaluation"
)

// Signal is an AI trading signal as read from the signal store.
// The trading core treats signals as read-only input. An empty UserID
// means the signal is global (applies to every user).
type Signal struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id,omitempty"`
	Symbol     string       `json:"symbol"`
	Action     SignalAction `json:"action"`
	Confidence float64      `json:"confidence"`
	Source     string       `json:"source"`
	Reasoning  string       `json:"reasoning,omitempty"`
	StopLoss   float64      `json:"stop_loss,omitempty"`
	TakeProfit float64      `json:"take_profit,omitempty"`
	ExpiresAt  time.Time    `json:"expires_at,omitempty"` // zero = no explicit expiry
	CreatedAt  time.Time    `json:"created_at"`
}

// Expired reports whether the signal's explicit expiry has passed
func (s *Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Age returns how old the signal is
func (s *Signal) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// Position is a monitored position. The in-memory copy inside the
// monitor store is authoritative while the process runs; rows in
// monitored_positions are the restart-recovery mirror.
type Position struct {
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	Symbol           string  `json:"symbol"`
	Side             Side    `json:"side"`
	EntryPrice       float64 `json:"entry_price"`
	Quantity         float64 `json:"quantity"`
	OriginalQuantity float64 `json:"original_quantity"`
	StopLoss         float64 `json:"stop_loss"`
	TakeProfit       float64 `json:"take_profit"`
	Leverage         float64 `json:"leverage"`
	TradingMode      string  `json:"trading_mode"`

	// Trailing stop state. TrailingStop is only meaningful once
	// TrailingActive is true.
	TrailingActive bool    `json:"trailing_active"`
	TrailingStop   float64 `json:"trailing_stop"`
	HighestPrice   float64 `json:"highest_price"`
	LowestPrice    float64 `json:"lowest_price"`

	// PartialTPsTaken counts ladder rungs already executed (0..3)
	PartialTPsTaken   int  `json:"partial_tps_taken"`
	LiquidationWarned bool `json:"liquidation_warned"`

	Status       PositionStatus `json:"status"`
	CloseReason  CloseReason    `json:"close_reason,omitempty"`
	SignalID     string         `json:"signal_id,omitempty"`
	SignalSource string         `json:"signal_source,omitempty"`
	OpenedAt     time.Time      `json:"opened_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// PnLPercent returns the unleveraged percentage move from entry in the
// position's favor. Negative values are losses.
func (p *Position) PnLPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == SideShort {
		return (p.EntryPrice - price) / p.EntryPrice * 100
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// PnLUSD returns the unrealized PnL in quote currency for the current
// remaining quantity.
func (p *Position) PnLUSD(price float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// HoldingTime returns how long the position has been open
func (p *Position) HoldingTime() time.Duration {
	return time.Since(p.OpenedAt)
}

// Trade is one closed (or partially closed) trade in the ledger
type Trade struct {
	ID           int64       `json:"id"`
	PositionID   string      `json:"position_id"`
	UserID       string      `json:"user_id"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	EntryPrice   float64     `json:"entry_price"`
	ExitPrice    float64     `json:"exit_price"`
	Quantity     float64     `json:"quantity"`
	PnL          float64     `json:"pnl"`
	PnLPercent   float64     `json:"pnl_percent"`
	CloseReason  CloseReason `json:"close_reason"`
	SignalSource string      `json:"signal_source,omitempty"`
	EntryTime    time.Time   `json:"entry_time"`
	ExitTime     time.Time   `json:"exit_time"`
}

// TradeStats aggregates a user's closed-trade history for the Kelly
// sizing and accuracy inputs.
type TradeStats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"` // 0..1
	AvgWinPct   float64 `json:"avg_win_pct"`
	AvgLossPct  float64 `json:"avg_loss_pct"` // positive magnitude
	TotalPnL    float64 `json:"total_pnl"`
}

// ReEvaluation records a decision made for an already-open position
// when a fresh signal arrived for the same symbol.
type ReEvaluation struct {
	ID            int64     `json:"id"`
	PositionID    string    `json:"position_id"`
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	SignalID      string    `json:"signal_id,omitempty"`
	Decision      string    `json:"decision"` // hold, tighten_stops, close
	OldStopLoss   float64   `json:"old_stop_loss"`
	NewStopLoss   float64   `json:"new_stop_loss"`
	OldTakeProfit float64   `json:"old_take_profit"`
	NewTakeProfit float64   `json:"new_take_profit"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// TradingSettings is a user's auto-trading configuration
type TradingSettings struct {
	UserID           string  `json:"user_id"`
	Enabled          bool    `json:"enabled"`
	TradingMode      string  `json:"trading_mode"`
	RiskPerTradePct  float64 `json:"risk_per_trade_pct"`
	MaxPositionUSD   float64 `json:"max_position_usd"`
	MaxOpenPositions int     `json:"max_open_positions"`
	DailyTradeLimit  int     `json:"daily_trade_limit"`
	HourlyTradeLimit int     `json:"hourly_trade_limit"`
	MinConfidence    float64 `json:"min_confidence"`
	StopLossPct      float64 `json:"stop_loss_pct"`   // max stop distance as fraction of entry
	TakeProfitPct    float64 `json:"take_profit_pct"` // default TP distance when ATR is unavailable
	Leverage         float64 `json:"leverage"`
	TrailingEnabled  bool    `json:"trailing_enabled"`
	PartialTPEnabled bool    `json:"partial_tp_enabled"`
	MaxHoldHours     float64 `json:"max_hold_hours"`
	HedgingEnabled   bool    `json:"hedging_enabled"`

	AllowedSymbols []string  `json:"allowed_symbols,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultTradingSettings returns conservative per-user defaults
func DefaultTradingSettings(userID string) *TradingSettings {
	return &TradingSettings{
		UserID:           userID,
		Enabled:          false,
		TradingMode:      "spot",
		RiskPerTradePct:  0.02,
		MaxPositionUSD:   1000,
		MaxOpenPositions: 5,
		DailyTradeLimit:  15,
		HourlyTradeLimit: 5,
		MinConfidence:    0.35,
		StopLossPct:      0.02,
		TakeProfitPct:    0.04,
		Leverage:         1.0,
		TrailingEnabled:  true,
		PartialTPEnabled: true,
		MaxHoldHours:     12,
	}
}

// Normalize enforces the spot invariants on the settings themselves
func (s *TradingSettings) Normalize() {
	if s.TradingMode == "spot" {
		s.Leverage = 1.0
	} else if s.Leverage <= 0 {
		s.Leverage = 10.0
	}
	if s.MaxHoldHours <= 0 {
		s.MaxHoldHours = 12
	}
}
