package monitor

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-core/internal/database"
)

// AuditLogger writes the append-only audit trail of every position
// mutation the monitor performs. Separate from operational logging so
// any position's life can be reconstructed offline.
type AuditLogger struct {
	log zerolog.Logger
}

// NewAuditLogger creates an audit logger writing JSON lines to w.
// Pass nil to default to stdout.
func NewAuditLogger(w io.Writer) *AuditLogger {
	if w == nil {
		w = os.Stdout
	}
	logger := zerolog.New(w).With().
		Timestamp().
		Str("stream", "audit").
		Logger()
	return &AuditLogger{log: logger}
}

// PositionOpened records a new position entering monitoring
func (a *AuditLogger) PositionOpened(p *database.Position, source string) {
	a.log.Info().
		Str("event", "position_opened").
		Str("position_id", p.ID).
		Str("user_id", p.UserID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Float64("entry_price", p.EntryPrice).
		Float64("quantity", p.Quantity).
		Float64("stop_loss", p.StopLoss).
		Float64("take_profit", p.TakeProfit).
		Str("source", source).
		Msg("position opened")
}

// PositionClosed records a full close
func (a *AuditLogger) PositionClosed(p *database.Position, reason database.CloseReason, exitPrice, pnl float64) {
	a.log.Info().
		Str("event", "position_closed").
		Str("position_id", p.ID).
		Str("user_id", p.UserID).
		Str("symbol", p.Symbol).
		Str("reason", string(reason)).
		Float64("exit_price", exitPrice).
		Float64("quantity", p.Quantity).
		Float64("pnl", pnl).
		Msg("position closed")
}

// PartialClose records one partial take-profit slice
func (a *AuditLogger) PartialClose(p *database.Position, level int, closedQty, exitPrice, pnl float64) {
	a.log.Info().
		Str("event", "partial_tp").
		Str("position_id", p.ID).
		Str("user_id", p.UserID).
		Str("symbol", p.Symbol).
		Int("level", level).
		Float64("closed_quantity", closedQty).
		Float64("remaining_quantity", p.Quantity).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("partial take profit")
}

// Adjustment records an SL/TP/trailing mutation
func (a *AuditLogger) Adjustment(p *database.Position, kind string, oldSL, newSL, oldTP, newTP float64) {
	a.log.Info().
		Str("event", "adjustment").
		Str("position_id", p.ID).
		Str("user_id", p.UserID).
		Str("symbol", p.Symbol).
		Str("kind", kind).
		Float64("old_sl", oldSL).
		Float64("new_sl", newSL).
		Float64("old_tp", oldTP).
		Float64("new_tp", newTP).
		Msg("position adjusted")
}

// Reconciliation records ghost cleanups and adoptions
func (a *AuditLogger) Reconciliation(kind, positionID, userID, symbol string, age time.Duration) {
	a.log.Warn().
		Str("event", "reconciliation").
		Str("kind", kind).
		Str("position_id", positionID).
		Str("user_id", userID).
		Str("symbol", symbol).
		Dur("age", age).
		Msg("reconciliation action")
}
