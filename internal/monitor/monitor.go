// Package monitor supervises open positions on a fixed tick: stop
// loss, take profit, trailing stops, partial take-profit ladders, time
// exits and liquidation protection, backed by a hybrid RAM + durable
// position store.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-trading-core/internal/broker"
	"signal-trading-core/internal/database"
	"signal-trading-core/internal/events"
	"signal-trading-core/internal/logging"
	"signal-trading-core/internal/notification"
	"signal-trading-core/internal/risk"
)

// PartialTPLevel is one rung of the partial take-profit ladder
type PartialTPLevel struct {
	TargetPct float64 // profit fraction that arms the level
	Fraction  float64 // share of remaining quantity to close
}

// Config holds the monitor's process-wide tuning
type Config struct {
	Interval           time.Duration
	TrailingActivation float64 // profit fraction that turns trailing on
	TrailingDistance   float64 // trail distance from the peak
	PartialTPLevels    []PartialTPLevel

	// Liquidation thresholds as margin-level percentages
	LiquidationWarnPct  float64
	LiquidationClosePct float64

	// GhostGrace protects just-created positions from reconciliation
	GhostGrace time.Duration

	ReconcileEveryTicks  int
	CheckpointEveryTicks int
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		TrailingActivation: 0.005,
		TrailingDistance:   0.01,
		PartialTPLevels: []PartialTPLevel{
			{TargetPct: 0.01, Fraction: 0.25},
			{TargetPct: 0.02, Fraction: 0.50},
			{TargetPct: 0.03, Fraction: 0.75},
		},
		LiquidationWarnPct:   15.0,
		LiquidationClosePct:  3.5,
		GhostGrace:           2 * time.Minute,
		ReconcileEveryTicks:  6,
		CheckpointEveryTicks: 12,
	}
}

// Residual below this share of original quantity escalates a partial
// close to a full take-profit exit.
const minResidualFraction = 0.10

// breakevenOffset nudges the post-partial-TP stop just past entry
const breakevenOffset = 0.001

// closeMaxAttempts bounds close retries within one tick
const closeMaxAttempts = 3

// liquidationWarnThrottle rate-limits repeat margin warnings per user
const liquidationWarnThrottle = 5 * time.Minute

// SettingsSource supplies per-user trading settings
type SettingsSource interface {
	Get(ctx context.Context, userID string) (*database.TradingSettings, error)
}

// TradeLedger records closed trade slices
type TradeLedger interface {
	Insert(ctx context.Context, t *database.Trade) error
}

// ReEvalLog records position adjustments
type ReEvalLog interface {
	Insert(ctx context.Context, re *database.ReEvaluation) error
}

// Monitor runs the supervision loop over all monitored positions
type Monitor struct {
	store    *Store
	cfg      Config
	settings SettingsSource
	trades   TradeLedger
	reevals  ReEvalLog
	alerts   *notification.Manager
	bus      *events.EventBus
	audit    *AuditLogger
	logger   *logging.Logger

	brokersMu sync.RWMutex
	brokers   map[string]broker.Broker

	// Per-user liquidation pressure state consumed by the Auto-Trader
	budgetMu     sync.Mutex
	halvedBudget map[string]bool
	lastWarnAt   map[string]time.Time

	now func() time.Time
}

// New creates a Monitor. alerts, bus and audit may be nil.
func New(store *Store, cfg Config, settings SettingsSource, trades TradeLedger, reevals ReEvalLog,
	alerts *notification.Manager, bus *events.EventBus, audit *AuditLogger, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Monitor{
		store:        store,
		cfg:          cfg,
		settings:     settings,
		trades:       trades,
		reevals:      reevals,
		alerts:       alerts,
		bus:          bus,
		audit:        audit,
		logger:       logger.WithComponent("monitor"),
		brokers:      make(map[string]broker.Broker),
		halvedBudget: make(map[string]bool),
		lastWarnAt:   make(map[string]time.Time),
		now:          time.Now,
	}
}

// RegisterBroker binds a user's broker. Must be called before the
// user's positions are monitored.
func (m *Monitor) RegisterBroker(userID string, b broker.Broker) {
	m.brokersMu.Lock()
	m.brokers[userID] = b
	m.brokersMu.Unlock()
}

func (m *Monitor) brokerFor(userID string) (broker.Broker, bool) {
	m.brokersMu.RLock()
	defer m.brokersMu.RUnlock()
	b, ok := m.brokers[userID]
	return b, ok
}

// Store exposes the hybrid store for the Auto-Trader's creation path
func (m *Monitor) Store() *Store { return m.store }

// ConsumeBudgetHalved reports and clears the liquidation-pressure flag
// for a user. The Auto-Trader halves its sizing budget for the cycle
// that observes it.
func (m *Monitor) ConsumeBudgetHalved(userID string) bool {
	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()
	halved := m.halvedBudget[userID]
	delete(m.halvedBudget, userID)
	return halved
}

// Run executes the supervision loop until ctx is cancelled. On
// shutdown the dirty set is flushed and a final checkpoint written.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.store.LoadFromDurable(ctx); err != nil {
		return fmt.Errorf("failed to restore positions: %w", err)
	}
	m.Reconcile(ctx)

	m.logger.Info("position monitor started", "interval", m.cfg.Interval.String())
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	tickCount := 0
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("position monitor stopping, flushing state")
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			m.store.FlushDirty(flushCtx)
			m.store.Checkpoint(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			tickCount++
			if tickCount%12 == 1 {
				m.logger.Info("monitor active", "tick", tickCount, "positions", len(m.store.Snapshot()))
			}
			m.Tick(ctx)

			if m.cfg.ReconcileEveryTicks > 0 && tickCount%m.cfg.ReconcileEveryTicks == 0 {
				m.Reconcile(ctx)
			}
			if m.cfg.CheckpointEveryTicks > 0 && tickCount%m.cfg.CheckpointEveryTicks == 0 {
				m.store.Checkpoint(ctx)
			}
		}
	}
}

// Tick evaluates every open position exactly once.
func (m *Monitor) Tick(ctx context.Context) {
	snapshots := m.store.Snapshot()
	if len(snapshots) == 0 {
		return
	}

	// Fetch prices outside any locks; positions on the same symbol
	// share one fetch through the adapter's price cache.
	prices := make(map[string]float64)
	failed := make(map[string]bool)
	for _, snap := range snapshots {
		key := snap.UserID + ":" + snap.Symbol
		if _, done := prices[key]; done || failed[key] {
			continue
		}
		b, ok := m.brokerFor(snap.UserID)
		if !ok {
			failed[key] = true
			continue
		}
		price, err := b.GetMarketPrice(ctx, snap.Symbol)
		if err != nil {
			log.Printf("[MONITOR] price fetch failed for %s: %v, skipping this tick", snap.Symbol, err)
			failed[key] = true
			continue
		}
		prices[key] = price
	}

	// Liquidation protection runs per user before per-position checks
	// so an emergency close empties the book in a single tick. A stop
	// or target that would also fire this tick is subsumed: the slice
	// closes as liquidation_close.
	emergencyClosed := m.checkLiquidation(ctx, snapshots, prices)

	for _, snap := range snapshots {
		if emergencyClosed[snap.UserID] {
			continue
		}
		price, ok := prices[snap.UserID+":"+snap.Symbol]
		if !ok {
			continue
		}
		m.evaluatePosition(ctx, snap.ID, price)
	}

	m.store.FlushDirty(ctx)
}

// checkLiquidation fetches margin levels for users holding non-spot
// positions. Returns the set of users whose book was emergency-closed.
func (m *Monitor) checkLiquidation(ctx context.Context, snapshots []database.Position, prices map[string]float64) map[string]bool {
	closed := make(map[string]bool)

	checked := make(map[string]bool)
	for _, snap := range snapshots {
		if snap.TradingMode == string(broker.ModeSpot) || checked[snap.UserID] {
			continue
		}
		checked[snap.UserID] = true

		b, ok := m.brokerFor(snap.UserID)
		if !ok {
			continue
		}
		balance, err := b.GetBalance(ctx)
		if err != nil {
			log.Printf("[MONITOR] balance fetch failed for user %s: %v", snap.UserID, err)
			continue
		}
		level := balance.MarginLevel()

		switch {
		case level <= m.cfg.LiquidationClosePct:
			m.logger.Error("margin level critical, emergency closing all positions",
				"user_id", snap.UserID, "margin_level", level)
			m.emergencyCloseUser(ctx, snap.UserID, prices)
			if m.alerts != nil {
				m.alerts.Emit(notification.SeverityCritical,
					"margin level critical: all positions emergency-closed",
					map[string]interface{}{"user_id": snap.UserID, "margin_level": level})
			}
			closed[snap.UserID] = true
		case level <= m.cfg.LiquidationWarnPct:
			m.warnLiquidation(snap.UserID, level)
		}
	}
	return closed
}

func (m *Monitor) warnLiquidation(userID string, level float64) {
	m.budgetMu.Lock()
	m.halvedBudget[userID] = true
	throttled := m.now().Sub(m.lastWarnAt[userID]) < liquidationWarnThrottle
	if !throttled {
		m.lastWarnAt[userID] = m.now()
	}
	m.budgetMu.Unlock()

	if throttled {
		return
	}
	m.logger.Warn("margin level low, halving next cycle budget",
		"user_id", userID, "margin_level", level)
	if m.alerts != nil {
		m.alerts.Emit(notification.SeverityWarning,
			"margin level low: sizing budget halved for next cycle",
			map[string]interface{}{"user_id": userID, "margin_level": level})
	}
}

func (m *Monitor) emergencyCloseUser(ctx context.Context, userID string, prices map[string]float64) {
	for _, snap := range m.store.Snapshot() {
		if snap.UserID != userID {
			continue
		}
		price := prices[userID+":"+snap.Symbol]
		if price == 0 {
			price = snap.EntryPrice
		}
		release, ok := m.store.TryLock(snap.ID)
		if !ok {
			continue
		}
		if p, live := m.store.GetCopy(snap.ID); live && p.Status == database.StatusOpen {
			m.closeFull(ctx, &p, price, database.CloseLiquidation)
		}
		release()
	}
}

// evaluatePosition runs the fixed check order for one position:
// SL, TP, trailing, partial TP, time exit, then persistence. It works
// on a copy and writes back through Apply so concurrent snapshot
// readers never race with field writes.
func (m *Monitor) evaluatePosition(ctx context.Context, positionID string, price float64) {
	defer func() {
		if r := recover(); r != nil {
			// One position's failure never halts the loop for others
			m.logger.Error("panic evaluating position", "position_id", positionID, "panic", fmt.Sprintf("%v", r))
		}
	}()

	release, ok := m.store.TryLock(positionID)
	if !ok {
		return
	}
	defer release()

	pos, ok := m.store.GetCopy(positionID)
	if !ok || pos.Status != database.StatusOpen {
		return
	}
	p := &pos

	settings := m.settingsFor(ctx, p.UserID)
	changed := false

	// Peak tracking feeds the trailing logic
	if price > p.HighestPrice {
		p.HighestPrice = price
		changed = true
	}
	if p.LowestPrice == 0 || price < p.LowestPrice {
		p.LowestPrice = price
		changed = true
	}

	profitFrac := p.PnLPercent(price) / 100

	// Hard stop wins over everything else on the same tick
	if p.StopLoss > 0 && m.stopHit(p, price) {
		m.closeFull(ctx, p, price, database.CloseStopLoss)
		return
	}
	if p.TakeProfit > 0 && m.takeProfitHit(p, price) {
		m.closeFull(ctx, p, price, database.CloseTakeProfit)
		return
	}

	if settings.TrailingEnabled {
		if done := m.applyTrailing(ctx, p, price, profitFrac, &changed); done {
			return
		}
	}

	if settings.PartialTPEnabled {
		if done := m.applyPartialTP(ctx, p, price, profitFrac, &changed); done {
			return
		}
	}

	maxHold := time.Duration(settings.MaxHoldHours * float64(time.Hour))
	if maxHold > 0 && m.now().Sub(p.OpenedAt) >= maxHold {
		m.closeFull(ctx, p, price, database.CloseTimeExit)
		return
	}

	if changed {
		p.UpdatedAt = m.now()
		m.store.Apply(p)
		m.store.MarkDirty(p.ID)
	}
}

func (m *Monitor) stopHit(p *database.Position, price float64) bool {
	if p.Side == database.SideShort {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

func (m *Monitor) takeProfitHit(p *database.Position, price float64) bool {
	if p.Side == database.SideShort {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}

// applyTrailing activates, advances and triggers the trailing stop.
// Returns true when the position was closed.
func (m *Monitor) applyTrailing(ctx context.Context, p *database.Position, price, profitFrac float64, changed *bool) bool {
	if !p.TrailingActive {
		if profitFrac >= m.cfg.TrailingActivation {
			p.TrailingActive = true
			p.TrailingStop = m.trailFrom(p, price)
			if p.Side == database.SideShort {
				p.LowestPrice = price
			} else {
				p.HighestPrice = price
			}
			*changed = true
			m.recordReEval(ctx, p, "trailing_activated",
				fmt.Sprintf("profit %.2f%% reached activation %.2f%%", profitFrac*100, m.cfg.TrailingActivation*100),
				p.StopLoss, p.StopLoss, p.TakeProfit, p.TakeProfit)
		}
		return false
	}

	// Advance the trail only when the peak improves. The trailing stop
	// is the operative protective level, so each ratchet is audited
	// like a stop move.
	peak := p.HighestPrice
	if p.Side == database.SideShort {
		peak = p.LowestPrice
	}
	if newTrail := m.trailFrom(p, peak); m.trailImproves(p, newTrail) {
		oldTrail := p.TrailingStop
		p.TrailingStop = newTrail
		*changed = true
		m.recordReEval(ctx, p, "trailing_advance",
			fmt.Sprintf("peak %.8g moved trailing stop %.8g -> %.8g", peak, oldTrail, newTrail),
			oldTrail, newTrail, p.TakeProfit, p.TakeProfit)
	}

	triggered := price <= p.TrailingStop
	if p.Side == database.SideShort {
		triggered = price >= p.TrailingStop
	}
	if triggered {
		m.closeFull(ctx, p, price, database.CloseTrailingStop)
		return true
	}
	return false
}

func (m *Monitor) trailFrom(p *database.Position, peak float64) float64 {
	if p.Side == database.SideShort {
		return peak * (1 + m.cfg.TrailingDistance)
	}
	return peak * (1 - m.cfg.TrailingDistance)
}

func (m *Monitor) trailImproves(p *database.Position, newTrail float64) bool {
	if p.Side == database.SideShort {
		return newTrail < p.TrailingStop
	}
	return newTrail > p.TrailingStop
}

// applyPartialTP walks the ladder from the first untaken level.
// Returns true when the position was fully closed.
func (m *Monitor) applyPartialTP(ctx context.Context, p *database.Position, price, profitFrac float64, changed *bool) bool {
	for level := p.PartialTPsTaken; level < len(m.cfg.PartialTPLevels); level++ {
		rung := m.cfg.PartialTPLevels[level]
		if profitFrac < rung.TargetPct {
			return false
		}

		closeQty := p.Quantity * rung.Fraction
		residual := p.Quantity - closeQty
		if residual < p.OriginalQuantity*minResidualFraction {
			// Too little would remain; exit cleanly instead
			m.closeFull(ctx, p, price, database.CloseTakeProfit)
			return true
		}

		b, ok := m.brokerFor(p.UserID)
		if !ok {
			return false
		}
		order, err := m.withCloseRetry(ctx, p, func() (*broker.Order, error) {
			return b.PartialClose(ctx, p.Symbol, closeQty)
		})
		if err != nil {
			m.logger.Error("partial close failed, leaving position open",
				"position_id", p.ID, "symbol", p.Symbol, "level", level, "error", err)
			return false
		}

		exitPrice := price
		if order.AvgPrice > 0 {
			exitPrice = order.AvgPrice
		}
		pnl := slicePnL(p, exitPrice, closeQty)

		p.Quantity -= closeQty
		p.PartialTPsTaken = level + 1
		*changed = true

		m.recordTrade(ctx, p, exitPrice, closeQty, pnl, database.ClosePartialTP)
		if m.audit != nil {
			m.audit.PartialClose(p, level, closeQty, exitPrice, pnl)
		}

		// Break-even move: once profit is banked the remainder should
		// not be allowed to turn into a loss.
		oldSL := p.StopLoss
		if newSL := m.breakevenStop(p); m.stopImproves(p, newSL) {
			p.StopLoss = newSL
		}
		m.recordReEval(ctx, p, "partial_tp",
			fmt.Sprintf("level %d hit at %.2f%% profit, closed %.8f", level, profitFrac*100, closeQty),
			oldSL, p.StopLoss, p.TakeProfit, p.TakeProfit)
	}
	return false
}

func (m *Monitor) breakevenStop(p *database.Position) float64 {
	if p.Side == database.SideShort {
		return p.EntryPrice * (1 - breakevenOffset)
	}
	return p.EntryPrice * (1 + breakevenOffset)
}

func (m *Monitor) stopImproves(p *database.Position, newSL float64) bool {
	if p.StopLoss == 0 {
		return true
	}
	if p.Side == database.SideShort {
		return newSL < p.StopLoss
	}
	return newSL > p.StopLoss
}

// closeFull closes the entire remaining quantity, retrying within the
// tick. Persistent failure leaves the position OPEN.
func (m *Monitor) closeFull(ctx context.Context, p *database.Position, price float64, reason database.CloseReason) {
	b, ok := m.brokerFor(p.UserID)
	if !ok {
		m.logger.Error("no broker registered for user", "user_id", p.UserID, "position_id", p.ID)
		return
	}

	order, err := m.withCloseRetry(ctx, p, func() (*broker.Order, error) {
		return b.ClosePosition(ctx, p.Symbol)
	})
	if err != nil {
		m.logger.Error("close failed after retries, position stays open",
			"position_id", p.ID, "symbol", p.Symbol, "reason", string(reason), "error", err)
		if m.alerts != nil {
			m.alerts.Emit(notification.SeverityWarning, "position close failed",
				map[string]interface{}{
					"position_id": p.ID,
					"symbol":      p.Symbol,
					"reason":      string(reason),
					"error":       err.Error(),
				})
		}
		// Adjustments made earlier in this evaluation (partial fills,
		// trail moves) already happened venue-side; keep them.
		m.store.Apply(p)
		m.store.MarkDirty(p.ID)
		return
	}

	exitPrice := price
	if order != nil && order.AvgPrice > 0 {
		exitPrice = order.AvgPrice
	}
	closedQty := p.Quantity
	pnl := slicePnL(p, exitPrice, closedQty)

	m.recordTrade(ctx, p, exitPrice, closedQty, pnl, reason)
	if m.audit != nil {
		m.audit.PositionClosed(p, reason, exitPrice, pnl)
	}
	if m.bus != nil {
		m.bus.PublishTradeClosed(p.UserID, p.Symbol, string(reason), exitPrice, closedQty, pnl, p.PnLPercent(exitPrice))
	}

	m.store.FinalizeClose(ctx, p.ID, reason, m.now())
	m.logger.Info("position closed",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"reason", string(reason),
		"exit_price", exitPrice,
		"pnl", pnl)
}

// withCloseRetry retries a close call up to closeMaxAttempts within
// the tick with a short linear backoff.
func (m *Monitor) withCloseRetry(ctx context.Context, p *database.Position, fn func() (*broker.Order, error)) (*broker.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= closeMaxAttempts; attempt++ {
		order, err := fn()
		if err == nil {
			return order, nil
		}
		lastErr = err
		log.Printf("[MONITOR] close attempt %d/%d failed for %s: %v", attempt, closeMaxAttempts, p.Symbol, err)

		if attempt < closeMaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}

func slicePnL(p *database.Position, exitPrice, qty float64) float64 {
	if p.Side == database.SideShort {
		return (p.EntryPrice - exitPrice) * qty
	}
	return (exitPrice - p.EntryPrice) * qty
}

func (m *Monitor) recordTrade(ctx context.Context, p *database.Position, exitPrice, qty, pnl float64, reason database.CloseReason) {
	if m.trades == nil {
		return
	}
	pnlPct := 0.0
	if p.EntryPrice > 0 {
		pnlPct = pnl / (p.EntryPrice * qty) * 100
	}
	trade := &database.Trade{
		PositionID:   p.ID,
		UserID:       p.UserID,
		Symbol:       p.Symbol,
		Side:         p.Side,
		EntryPrice:   p.EntryPrice,
		ExitPrice:    exitPrice,
		Quantity:     qty,
		PnL:          pnl,
		PnLPercent:   pnlPct,
		CloseReason:  reason,
		SignalSource: p.SignalSource,
		EntryTime:    p.OpenedAt,
		ExitTime:     m.now(),
	}
	if err := m.trades.Insert(ctx, trade); err != nil {
		m.logger.Error("trade ledger insert failed", "position_id", p.ID, "error", err)
	}
}

func (m *Monitor) recordReEval(ctx context.Context, p *database.Position, decision, reason string, oldSL, newSL, oldTP, newTP float64) {
	if m.reevals != nil {
		re := &database.ReEvaluation{
			PositionID:    p.ID,
			UserID:        p.UserID,
			Symbol:        p.Symbol,
			Decision:      decision,
			OldStopLoss:   oldSL,
			NewStopLoss:   newSL,
			OldTakeProfit: oldTP,
			NewTakeProfit: newTP,
			Reason:        reason,
		}
		if err := m.reevals.Insert(ctx, re); err != nil {
			m.logger.Error("re-evaluation insert failed", "position_id", p.ID, "error", err)
		}
	}
	if m.audit != nil {
		m.audit.Adjustment(p, decision, oldSL, newSL, oldTP, newTP)
	}
	if m.bus != nil {
		m.bus.PublishReEvaluation(p.UserID, p.ID, decision, reason)
	}
}

func (m *Monitor) settingsFor(ctx context.Context, userID string) *database.TradingSettings {
	if m.settings != nil {
		if s, err := m.settings.Get(ctx, userID); err == nil && s != nil {
			return s
		}
	}
	return database.DefaultTradingSettings(userID)
}

// Reconcile matches the in-memory book against the broker's view:
// stale local positions become ghost closes, unknown venue positions
// are adopted under computed protection.
func (m *Monitor) Reconcile(ctx context.Context) {
	// Registered brokers plus any restored users whose broker is not
	// bound yet; both sides of the comparison matter.
	seen := make(map[string]bool)
	m.brokersMu.RLock()
	users := make([]string, 0, len(m.brokers))
	for id := range m.brokers {
		users = append(users, id)
		seen[id] = true
	}
	m.brokersMu.RUnlock()
	for _, id := range m.store.UserIDs() {
		if !seen[id] {
			users = append(users, id)
		}
	}

	for _, userID := range users {
		m.reconcileUser(ctx, userID)
	}
}

func (m *Monitor) reconcileUser(ctx context.Context, userID string) {
	b, ok := m.brokerFor(userID)
	if !ok {
		return
	}
	venuePositions, err := b.GetPositions(ctx)
	if err != nil {
		log.Printf("[MONITOR] reconcile skipped for user %s: %v", userID, err)
		return
	}

	venue := make(map[string]broker.ExchangePosition)
	for _, vp := range venuePositions {
		side := database.SideLong
		if vp.Side == broker.PositionShort {
			side = database.SideShort
		}
		venue[vp.Symbol+"|"+string(side)] = vp
	}

	// Local positions missing at the venue: ghost cleanup after grace
	for _, snap := range m.store.Snapshot() {
		if snap.UserID != userID {
			continue
		}
		if _, exists := venue[snap.Symbol+"|"+string(snap.Side)]; exists {
			continue
		}
		age := m.now().Sub(snap.OpenedAt)
		if age < m.cfg.GhostGrace {
			continue
		}

		release, ok := m.store.TryLock(snap.ID)
		if !ok {
			continue
		}
		if p, live := m.store.GetCopy(snap.ID); live && p.Status == database.StatusOpen {
			exitPrice := m.lastKnownPrice(ctx, b, &p)
			pnl := slicePnL(&p, exitPrice, p.Quantity)
			m.recordTrade(ctx, &p, exitPrice, p.Quantity, pnl, database.CloseGhost)
			if m.audit != nil {
				m.audit.Reconciliation("ghost_cleanup", p.ID, p.UserID, p.Symbol, age)
			}
			m.store.FinalizeClose(ctx, p.ID, database.CloseGhost, m.now())
			m.logger.Warn("ghost position cleaned up",
				"position_id", p.ID, "symbol", p.Symbol, "age", age.String())
		}
		release()
	}

	// Venue positions unknown locally: adopt with computed protection
	for _, vp := range venue {
		side := database.SideLong
		if vp.Side == broker.PositionShort {
			side = database.SideShort
		}
		if m.store.FindOpen(userID, vp.Symbol, side) != nil {
			continue
		}
		m.adoptPosition(ctx, b, userID, vp)
	}
}

// lastKnownPrice returns the best available exit price for a ghost
// close: a live quote when the venue still trades the symbol, else the
// tracked peak, else entry.
func (m *Monitor) lastKnownPrice(ctx context.Context, b broker.Broker, p *database.Position) float64 {
	if price, err := b.GetMarketPrice(ctx, p.Symbol); err == nil && price > 0 {
		return price
	}
	if p.HighestPrice > 0 {
		return p.HighestPrice
	}
	return p.EntryPrice
}

// adoptPosition ingests a venue position the store does not know,
// computing SL/TP from current market state.
func (m *Monitor) adoptPosition(ctx context.Context, b broker.Broker, userID string, vp broker.ExchangePosition) {
	settings := m.settingsFor(ctx, userID)

	side := database.SideLong
	if vp.Side == broker.PositionShort {
		side = database.SideShort
	}
	if settings.TradingMode == string(broker.ModeSpot) && side == database.SideShort {
		m.logger.Error("refusing to adopt short position for spot user",
			"user_id", userID, "symbol", vp.Symbol)
		return
	}

	p := &database.Position{
		ID:               uuid.NewString(),
		UserID:           userID,
		Symbol:           vp.Symbol,
		Side:             side,
		EntryPrice:       vp.EntryPrice,
		Quantity:         vp.Quantity,
		OriginalQuantity: vp.Quantity,
		Leverage:         vp.Leverage,
		TradingMode:      settings.TradingMode,
		Status:           database.StatusOpen,
		OpenedAt:         m.now(),
		UpdatedAt:        m.now(),
	}
	if p.TradingMode == string(broker.ModeSpot) {
		p.Leverage = 1.0
	} else if p.Leverage <= 0 {
		p.Leverage = 1.0
	}

	// Auto-protection from current market state
	if klines, err := b.GetKlines(ctx, vp.Symbol, "1h", 60); err == nil {
		regime := risk.DetectRegime(klines)
		if levels, err := risk.ComputeSLTP(vp.EntryPrice, side, klines, regime, settings.StopLossPct); err == nil {
			p.StopLoss = levels.StopLoss
			p.TakeProfit = levels.TakeProfit
		}
	}

	if err := m.store.Add(ctx, p); err != nil {
		m.logger.Error("failed to persist adopted position", "symbol", vp.Symbol, "error", err)
		return
	}
	if m.audit != nil {
		m.audit.Reconciliation("adopted", p.ID, userID, p.Symbol, 0)
	}
	m.logger.Warn("adopted unmonitored venue position",
		"position_id", p.ID,
		"user_id", userID,
		"symbol", p.Symbol,
		"quantity", p.Quantity,
		"stop_loss", p.StopLoss,
		"take_profit", p.TakeProfit)
}
