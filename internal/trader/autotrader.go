package trader

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"signal-trading-core/internal/broker"
	"signal-trading-core/internal/calendar"
	"signal-trading-core/internal/database"
	"signal-trading-core/internal/events"
	"signal-trading-core/internal/logging"
	"signal-trading-core/internal/monitor"
	"signal-trading-core/internal/notification"
	"signal-trading-core/internal/portfolio"
	"signal-trading-core/internal/risk"
	"signal-trading-core/internal/signals"
)

// Config is the process-wide trading cycle tuning
type Config struct {
	CycleInterval     time.Duration
	MaxTradesPerCycle int
	MinNotionalUSD    float64
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		CycleInterval:     5 * time.Minute,
		MaxTradesPerCycle: 3,
		MinNotionalUSD:    10,
	}
}

// klineLookback covers ADX warmup (2x14+1) plus regime headroom
const klineLookback = 60

// StatsSource supplies closed-trade aggregates for Kelly sizing
type StatsSource interface {
	GetStats(ctx context.Context, userID, symbol string, limit int) (*database.TradeStats, error)
}

// BudgetGate exposes the monitor's liquidation-pressure flag
type BudgetGate interface {
	ConsumeBudgetHalved(userID string) bool
}

// Deps collects everything one AutoTrader composes
type Deps struct {
	Broker    broker.Broker
	Reader    *signals.Reader
	Validator *signals.Validator
	Portfolio *portfolio.Manager
	Calendar  calendar.Provider // nil disables the macro-event gate
	Store     *monitor.Store
	Budget    BudgetGate
	Settings  monitor.SettingsSource
	Stats     StatsSource
	Bus       *events.EventBus
	Alerts    *notification.Manager
	Audit     *monitor.AuditLogger
	Logger    *logging.Logger
}

// AutoTrader runs the trading cycle for a single user
type AutoTrader struct {
	userID  string
	cfg     Config
	deps    Deps
	limiter *TradeLimiter
	logger  *logging.Logger

	now func() time.Time
}

// NewAutoTrader creates the cycle driver for one user
func NewAutoTrader(userID string, cfg Config, deps Deps) *AutoTrader {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Minute
	}
	if cfg.MaxTradesPerCycle <= 0 {
		cfg.MaxTradesPerCycle = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &AutoTrader{
		userID:  userID,
		cfg:     cfg,
		deps:    deps,
		limiter: NewTradeLimiter(),
		logger:  logger.WithComponent("trader").WithField("user_id", userID),
		now:     time.Now,
	}
}

// Run executes trading cycles until ctx is cancelled. The first cycle
// starts immediately.
func (a *AutoTrader) Run(ctx context.Context) {
	a.logger.Info("auto-trader started", "interval", a.cfg.CycleInterval.String())

	ticker := time.NewTicker(a.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		if err := a.RunCycle(ctx); err != nil {
			a.logger.Error("trading cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.logger.Info("auto-trader stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle executes one full trading cycle.
func (a *AutoTrader) RunCycle(ctx context.Context) error {
	settings, err := a.deps.Settings.Get(ctx, a.userID)
	if err != nil {
		return err
	}
	if !settings.Enabled {
		return nil
	}

	if blocked := a.calendarBlocked(ctx); blocked {
		return nil
	}

	sigs, consensus, err := a.deps.Reader.Fetch(ctx, a.userID)
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		return nil
	}

	balance, err := a.deps.Broker.GetBalance(ctx)
	if err != nil {
		return err
	}

	// Liquidation pressure from the monitor halves this cycle's sizing
	halved := a.deps.Budget != nil && a.deps.Budget.ConsumeBudgetHalved(a.userID)
	if halved {
		a.logger.Warn("sizing budget halved for this cycle after margin warning")
	}

	// Highest conviction first
	sort.SliceStable(sigs, func(i, j int) bool {
		return sigs[i].Confidence > sigs[j].Confidence
	})

	executed := 0
	for i := range sigs {
		if executed >= a.cfg.MaxTradesPerCycle {
			a.logger.Info("per-cycle trade cap reached", "cap", a.cfg.MaxTradesPerCycle)
			break
		}
		if ok, reason := a.limiter.Allow(a.now(), settings.HourlyTradeLimit, settings.DailyTradeLimit); !ok {
			a.logger.Info("trade rate limit reached, ending cycle", "reason", reason)
			break
		}

		sig := &sigs[i]
		peers := consensus[signals.ConsensusKey(sig.Symbol, sig.Action)] - 1
		if peers < 0 {
			peers = 0
		}
		if a.processSignal(ctx, settings, balance, sig, peers, halved) {
			a.limiter.Record(a.now())
			executed++
		}
	}

	a.logger.Info("trading cycle complete",
		"signals", len(sigs),
		"executed", executed,
		"open_positions", a.deps.Store.OpenCount(a.userID))
	return nil
}

// calendarBlocked reports whether a HIGH-impact macro event gates this
// cycle. A failing calendar never blocks trading.
func (a *AutoTrader) calendarBlocked(ctx context.Context) bool {
	if a.deps.Calendar == nil {
		return false
	}
	ev, err := a.deps.Calendar.UpcomingHighImpactEvent(ctx)
	if err != nil {
		a.logger.Warn("calendar check failed, proceeding without gate", "error", err)
		return false
	}
	if ev == nil {
		return false
	}

	a.logger.Info("cycle skipped for high-impact event",
		"event", ev.Name, "event_time", ev.Time.Format(time.RFC3339))
	if a.deps.Bus != nil {
		a.deps.Bus.Publish(events.Event{
			Type:   events.EventCycleSkipped,
			UserID: a.userID,
			Data: map[string]interface{}{
				"event":      ev.Name,
				"event_time": ev.Time,
			},
		})
	}
	return true
}

// processSignal takes one deduplicated signal through the full entry
// pipeline. Returns true when an order was placed.
func (a *AutoTrader) processSignal(ctx context.Context, settings *database.TradingSettings,
	balance *broker.Balance, sig *database.Signal, consensusPeers int, halvedBudget bool) bool {

	side := database.SideLong
	orderSide := broker.SideBuy
	if sig.Action == database.ActionSell {
		side = database.SideShort
		orderSide = broker.SideSell
	}

	// Spot accounts only open longs; a SELL with no position to exit
	// is not actionable.
	if a.deps.Broker.Mode() == broker.ModeSpot && side == database.SideShort {
		a.logger.Debug("skipping short signal on spot account", "symbol", sig.Symbol)
		return false
	}
	if len(settings.AllowedSymbols) > 0 && !contains(settings.AllowedSymbols, sig.Symbol) {
		return false
	}
	if a.deps.Store.OpenCount(a.userID) >= settings.MaxOpenPositions {
		a.logger.Debug("max open positions reached", "max", settings.MaxOpenPositions)
		return false
	}
	if a.deps.Store.FindOpen(a.userID, sig.Symbol, side) != nil {
		a.logger.Debug("position already open in this direction", "symbol", sig.Symbol, "side", side)
		return false
	}
	if a.deps.Store.FindOpen(a.userID, sig.Symbol, opposite(side)) != nil && !settings.HedgingEnabled {
		a.logger.Debug("opposite position open and hedging disabled", "symbol", sig.Symbol)
		return false
	}

	klines, err := a.deps.Broker.GetKlines(ctx, sig.Symbol, "1h", klineLookback)
	if err != nil {
		a.logger.Warn("kline fetch failed, skipping signal", "symbol", sig.Symbol, "error", err)
		return false
	}
	regime := risk.DetectRegime(klines)
	vol24 := risk.RealizedVolatility(klines, 24)

	verdict := a.deps.Validator.Validate(ctx, a.userID, sig, signals.ValidationContext{
		Vol24h:         vol24,
		ConsensusPeers: consensusPeers,
		Regime:         regime,
	})
	if !verdict.Accept {
		if a.deps.Bus != nil {
			a.deps.Bus.Publish(events.Event{
				Type:   events.EventSignalRejected,
				UserID: a.userID,
				Data: map[string]interface{}{
					"signal_id": sig.ID,
					"symbol":    sig.Symbol,
					"score":     verdict.Score,
					"threshold": verdict.Threshold,
					"reasons":   verdict.Reasons,
				},
			})
		}
		return false
	}

	price, err := a.deps.Broker.GetMarketPrice(ctx, sig.Symbol)
	if err != nil || price <= 0 {
		a.logger.Warn("price fetch failed, skipping signal", "symbol", sig.Symbol, "error", err)
		return false
	}

	stopLoss, takeProfit := a.stopLevels(price, side, klines, regime, settings)
	stopLoss = tighterStop(side, price, stopLoss, sig.StopLoss)
	takeProfit = tighterTakeProfit(side, price, takeProfit, sig.TakeProfit)

	sizeUSD := a.sizePosition(ctx, settings, balance, sig, verdict.Score, price, stopLoss, klines)
	if halvedBudget {
		sizeUSD *= 0.5
	}

	decision := a.deps.Portfolio.Check(portfolio.CheckInput{
		Symbol:      sig.Symbol,
		ProposedUSD: sizeUSD,
		EquityUSD:   balance.TotalUSD,
		StableUSD:   balance.StableUSD,
		Open:        a.openExposures(),
	})
	if !decision.Execute {
		a.logger.Info("portfolio check rejected trade",
			"symbol", sig.Symbol, "reasons", decision.Reasons)
		return false
	}
	sizeUSD *= decision.SizeMultiplier

	if sizeUSD < a.cfg.MinNotionalUSD {
		a.logger.Debug("final size below market minimum",
			"symbol", sig.Symbol, "size_usd", sizeUSD)
		return false
	}

	qty := sizeUSD / price
	order, err := a.deps.Broker.PlaceOrder(ctx, broker.OrderParams{
		Symbol:     sig.Symbol,
		Side:       orderSide,
		Type:       broker.OrderTypeMarket,
		Quantity:   qty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Leverage:   settings.Leverage,
	})
	if err != nil {
		// No retry within the cycle; the next one re-fetches everything
		a.logger.Error("order placement failed",
			"symbol", sig.Symbol, "side", orderSide, "error", err)
		return false
	}

	entry := price
	if order.AvgPrice > 0 {
		entry = order.AvgPrice
	}
	a.trackPosition(ctx, settings, sig, side, entry, qty, stopLoss, takeProfit)
	return true
}

// stopLevels computes ATR-based SL/TP with a percentage fallback when
// candle history is too thin.
func (a *AutoTrader) stopLevels(price float64, side database.Side, klines []broker.Kline,
	regime risk.Regime, settings *database.TradingSettings) (float64, float64) {

	levels, err := risk.ComputeSLTP(price, side, klines, regime, settings.StopLossPct)
	if err == nil {
		return levels.StopLoss, levels.TakeProfit
	}

	a.logger.Debug("ATR unavailable, using percentage stops", "error", err)
	if side == database.SideShort {
		return price * (1 + settings.StopLossPct), price * (1 - settings.TakeProfitPct)
	}
	return price * (1 - settings.StopLossPct), price * (1 + settings.TakeProfitPct)
}

func (a *AutoTrader) sizePosition(ctx context.Context, settings *database.TradingSettings,
	balance *broker.Balance, sig *database.Signal, score, price, stopLoss float64,
	klines []broker.Kline) float64 {

	var stats *database.TradeStats
	if a.deps.Stats != nil {
		var err error
		stats, err = a.deps.Stats.GetStats(ctx, a.userID, sig.Symbol, 100)
		if err != nil {
			a.logger.Warn("trade stats lookup failed, sizing without Kelly", "error", err)
			stats = nil
		}
	}

	slPct := math.Abs(price-stopLoss) / price
	result := risk.PositionSize(risk.SizingInput{
		Balance:         balance.TotalUSD,
		RiskPerTradePct: settings.RiskPerTradePct,
		StopLossPct:     slPct,
		MaxPositionUSD:  settings.MaxPositionUSD,
		Confidence:      score,
		Volatility:      risk.RealizedVolatility(klines, 0),
		Stats:           stats,
	})
	return result.SizeUSD
}

// trackPosition inserts the new position into the hybrid store, which
// the monitor picks up on its next tick.
func (a *AutoTrader) trackPosition(ctx context.Context, settings *database.TradingSettings,
	sig *database.Signal, side database.Side, entry, qty, stopLoss, takeProfit float64) {

	leverage := settings.Leverage
	if a.deps.Broker.Mode() == broker.ModeSpot {
		leverage = 1.0
	}

	p := &database.Position{
		ID:               uuid.NewString(),
		UserID:           a.userID,
		Symbol:           sig.Symbol,
		Side:             side,
		EntryPrice:       entry,
		Quantity:         qty,
		OriginalQuantity: qty,
		StopLoss:         stopLoss,
		TakeProfit:       takeProfit,
		Leverage:         leverage,
		TradingMode:      string(a.deps.Broker.Mode()),
		Status:           database.StatusOpen,
		SignalID:         sig.ID,
		SignalSource:     sig.Source,
		OpenedAt:         a.now(),
		UpdatedAt:        a.now(),
	}

	if err := a.deps.Store.Add(ctx, p); err != nil {
		// The order is live on the venue but untracked; reconciliation
		// will adopt it, but this still warrants a loud alert.
		a.logger.Error("failed to track new position", "symbol", sig.Symbol, "error", err)
		if a.deps.Alerts != nil {
			a.deps.Alerts.Emit(notification.SeverityCritical,
				"order placed but position tracking failed",
				map[string]interface{}{"user_id": a.userID, "symbol": sig.Symbol})
		}
		return
	}

	if a.deps.Audit != nil {
		a.deps.Audit.PositionOpened(p, sig.Source)
	}
	if a.deps.Bus != nil {
		a.deps.Bus.PublishTradeOpened(a.userID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity)
	}
	a.logger.Info("position opened",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"side", p.Side,
		"entry_price", p.EntryPrice,
		"quantity", p.Quantity,
		"stop_loss", p.StopLoss,
		"take_profit", p.TakeProfit,
		"signal_id", sig.ID)
}

// openExposures snapshots the user's open book for the portfolio check
func (a *AutoTrader) openExposures() []portfolio.OpenExposure {
	var open []portfolio.OpenExposure
	for _, p := range a.deps.Store.Snapshot() {
		if p.UserID != a.userID {
			continue
		}
		open = append(open, portfolio.OpenExposure{
			Symbol:      p.Symbol,
			NotionalUSD: p.EntryPrice * p.Quantity,
		})
	}
	return open
}

func opposite(side database.Side) database.Side {
	if side == database.SideLong {
		return database.SideShort
	}
	return database.SideLong
}

func contains(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}

// tighterStop prefers the signal's stop when it is strictly closer to
// entry on the protective side.
func tighterStop(side database.Side, entry, computed, override float64) float64 {
	if override <= 0 {
		return computed
	}
	if side == database.SideShort {
		if override > entry && override < computed {
			return override
		}
		return computed
	}
	if override < entry && override > computed {
		return override
	}
	return computed
}

// tighterTakeProfit prefers the signal's target when it is strictly
// closer to entry.
func tighterTakeProfit(side database.Side, entry, computed, override float64) float64 {
	if override <= 0 {
		return computed
	}
	if side == database.SideShort {
		if override < entry && override > computed {
			return override
		}
		return computed
	}
	if override > entry && override < computed {
		return override
	}
	return computed
}
