package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal-trading-core/internal/broker"
	"signal-trading-core/internal/database"
	"signal-trading-core/internal/notification"
)

type stubSettings struct {
	settings database.TradingSettings
}

func (s *stubSettings) Get(ctx context.Context, userID string) (*database.TradingSettings, error) {
	cp := s.settings
	cp.UserID = userID
	return &cp, nil
}

type stubLedger struct {
	mu     sync.Mutex
	trades []database.Trade
}

func (l *stubLedger) Insert(ctx context.Context, t *database.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = append(l.trades, *t)
	return nil
}

func (l *stubLedger) all() []database.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]database.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

type stubReEvals struct {
	mu      sync.Mutex
	records []database.ReEvaluation
}

func (r *stubReEvals) Insert(ctx context.Context, re *database.ReEvaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *re)
	return nil
}

func (r *stubReEvals) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *stubReEvals) last() database.ReEvaluation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[len(r.records)-1]
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recordingNotifier) Send(a *notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *a)
	return nil
}

func (r *recordingNotifier) Name() string    { return "recording" }
func (r *recordingNotifier) IsEnabled() bool { return true }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type rig struct {
	monitor *Monitor
	client  *broker.MockClient
	ledger  *stubLedger
	reevals *stubReEvals
	alerts  *recordingNotifier
}

func newRig(t *testing.T, mode broker.TradingMode, settings database.TradingSettings) *rig {
	t.Helper()

	client := broker.NewMockClient()
	adapter := broker.NewAdapter(client, mode, nil, nil)

	ledger := &stubLedger{}
	reevals := &stubReEvals{}
	rec := &recordingNotifier{}
	alerts := notification.NewManager()
	alerts.AddNotifier(rec)

	settings.TradingMode = string(mode)
	mon := New(NewStore(nil, nil, nil), DefaultConfig(), &stubSettings{settings: settings},
		ledger, reevals, alerts, nil, nil, nil)
	mon.RegisterBroker("user-1", adapter)

	return &rig{monitor: mon, client: client, ledger: ledger, reevals: reevals, alerts: rec}
}

func baseSettings() database.TradingSettings {
	s := *database.DefaultTradingSettings("user-1")
	s.Enabled = true
	return s
}

func openPosition(t *testing.T, r *rig, p *database.Position) *database.Position {
	t.Helper()

	if p.ID == "" {
		p.ID = "pos-" + p.Symbol
	}
	if p.UserID == "" {
		p.UserID = "user-1"
	}
	if p.OriginalQuantity == 0 {
		p.OriginalQuantity = p.Quantity
	}
	if p.Status == "" {
		p.Status = database.StatusOpen
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	if err := r.monitor.Store().Add(context.Background(), p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	venueSide := broker.PositionLong
	if p.Side == database.SideShort {
		venueSide = broker.PositionShort
	}
	r.client.SetPosition(broker.ExchangePosition{
		Symbol:     p.Symbol,
		Side:       venueSide,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		Leverage:   p.Leverage,
	})
	return p
}

func lastTrade(t *testing.T, ledger *stubLedger) database.Trade {
	t.Helper()
	trades := ledger.all()
	if len(trades) == 0 {
		t.Fatal("expected at least one recorded trade")
	}
	return trades[len(trades)-1]
}

func TestTakeProfitCloses(t *testing.T) {
	r := newRig(t, broker.ModeSpot, baseSettings())
	p := openPosition(t, r, &database.Position{
		Symbol:     "BTC/USDT",
		Side:       database.SideLong,
		EntryPrice: 50000,
		Quantity:   0.1,
		StopLoss:   49250,
		TakeProfit: 51500,
	})

	r.client.SetPrice("BTC/USDT", 51500)
	r.monitor.Tick(context.Background())

	if got := r.monitor.Store().Get(p.ID); got != nil {
		t.Fatalf("position still in store after take profit: %+v", got)
	}
	trade := lastTrade(t, r.ledger)
	if trade.CloseReason != database.CloseTakeProfit {
		t.Errorf("close reason = %s, want take_profit", trade.CloseReason)
	}
	if trade.ExitPrice != 51500 {
		t.Errorf("exit price = %.2f, want 51500", trade.ExitPrice)
	}
	if trade.PnL != (51500-50000)*0.1 {
		t.Errorf("pnl = %.2f, want %.2f", trade.PnL, (51500-50000)*0.1)
	}
}

func TestStopLossBoundaryLong(t *testing.T) {
	r := newRig(t, broker.ModeSpot, baseSettings())
	p := openPosition(t, r, &database.Position{
		Symbol:     "BTC/USDT",
		Side:       database.SideLong,
		EntryPrice: 50000,
		Quantity:   0.1,
		StopLoss:   49250,
		TakeProfit: 51500,
	})

	// Exactly at the stop triggers, not just below it
	r.client.SetPrice("BTC/USDT", 49250)
	r.monitor.Tick(context.Background())

	if r.monitor.Store().Get(p.ID) != nil {
		t.Fatal("position should be closed at stop boundary")
	}
	if trade := lastTrade(t, r.ledger); trade.CloseReason != database.CloseStopLoss {
		t.Errorf("close reason = %s, want stop_loss", trade.CloseReason)
	}
}

func TestStopLossBoundaryShort(t *testing.T) {
	settings := baseSettings()
	settings.Leverage = 5
	r := newRig(t, broker.ModeFutures, settings)
	r.client.Balance.UsedMargin = 0 // margin level stays at the no-margin sentinel

	p := openPosition(t, r, &database.Position{
		Symbol:      "ETH/USDT",
		Side:        database.SideShort,
		EntryPrice:  3000,
		Quantity:    1,
		StopLoss:    3060,
		TakeProfit:  2900,
		Leverage:    5,
		TradingMode: "futures",
	})

	r.client.SetPrice("ETH/USDT", 3060)
	r.monitor.Tick(context.Background())

	if r.monitor.Store().Get(p.ID) != nil {
		t.Fatal("short position should be closed at stop boundary")
	}
	trade := lastTrade(t, r.ledger)
	if trade.CloseReason != database.CloseStopLoss {
		t.Errorf("close reason = %s, want stop_loss", trade.CloseReason)
	}
	if trade.PnL != (3000-3060)*1 {
		t.Errorf("short pnl = %.2f, want %.2f", trade.PnL, (3000-3060)*1.0)
	}
}

func TestTrailingStopSequence(t *testing.T) {
	settings := baseSettings()
	settings.PartialTPEnabled = false
	r := newRig(t, broker.ModeSpot, settings)
	p := openPosition(t, r, &database.Position{
		Symbol:     "BTC/USDT",
		Side:       database.SideLong,
		EntryPrice: 100000,
		Quantity:   0.1,
		StopLoss:   98000,
		TakeProfit: 110000,
	})
	ctx := context.Background()

	// Below activation threshold: nothing happens
	r.client.SetPrice("BTC/USDT", 100100)
	r.monitor.Tick(ctx)
	if got := r.monitor.Store().Get(p.ID); got.TrailingActive {
		t.Fatal("trailing should not activate at 0.1% profit")
	}

	// 0.5% profit activates trailing at 1% below price
	r.client.SetPrice("BTC/USDT", 100500)
	r.monitor.Tick(ctx)
	got := r.monitor.Store().Get(p.ID)
	if !got.TrailingActive {
		t.Fatal("trailing should activate at 0.5% profit")
	}
	if got.TrailingStop != 100500*0.99 {
		t.Errorf("trailing stop = %.2f, want %.2f", got.TrailingStop, 100500*0.99)
	}

	// New peak ratchets the trail up
	r.client.SetPrice("BTC/USDT", 102000)
	r.monitor.Tick(ctx)
	got = r.monitor.Store().Get(p.ID)
	if got.TrailingStop != 102000*0.99 {
		t.Errorf("trailing stop = %.2f, want %.2f", got.TrailingStop, 102000*0.99)
	}

	// Pullback to the trail closes the position
	r.client.SetPrice("BTC/USDT", 102000*0.99)
	r.monitor.Tick(ctx)
	if r.monitor.Store().Get(p.ID) != nil {
		t.Fatal("position should close when price touches the trailing stop")
	}
	trade := lastTrade(t, r.ledger)
	if trade.CloseReason != database.CloseTrailingStop {
		t.Errorf("close reason = %s, want trailing_stop", trade.CloseReason)
	}
}

func TestTrailingRatchetRecordsReEvaluation(t *testing.T) {
	settings := baseSettings()
	settings.PartialTPEnabled = false
	r := newRig(t, broker.ModeSpot, settings)
	p := openPosition(t, r, &database.Position{
		Symbol:     "BTC/USDT",
		Side:       database.SideLong,
		EntryPrice: 100000,
		Quantity:   0.1,
		StopLoss:   98000,
		TakeProfit: 110000,
	})
	ctx := context.Background()

	r.client.SetPrice("BTC/USDT", 100500)
	r.monitor.Tick(ctx)
	if got := r.reevals.count(); got != 1 {
		t.Fatalf("re-evaluations after activation = %d, want 1", got)
	}

	// The ratchet is an adjustment of the operative stop and must be
	// audited like one.
	r.client.SetPrice("BTC/USDT", 102000)
	r.monitor.Tick(ctx)
	if got := r.reevals.count(); got != 2 {
		t.Fatalf("re-evaluations after ratchet = %d, want 2", got)
	}
	re := r.reevals.last()
	if re.Decision != "trailing_advance" {
		t.Errorf("decision = %q, want trailing_advance", re.Decision)
	}
	if re.OldStopLoss != 100500*0.99 || re.NewStopLoss != 102000*0.99 {
		t.Errorf("trail move recorded as %.2f -> %.2f, want %.2f -> %.2f",
			re.OldStopLoss, re.NewStopLoss, 100500*0.99, 102000*0.99)
	}
	if got := r.monitor.Store().Get(p.ID); got.TrailingStop != 102000*0.99 {
		t.Errorf("trailing stop = %.2f, want %.2f", got.TrailingStop, 102000*0.99)
	}
}

func TestConcurrentSnapshotsDuringTicks(t *testing.T) {
	settings := baseSettings()
	settings.PartialTPEnabled = false
	r := newRig(t, broker.ModeSpot, settings)
	p := openPosition(t, r, &database.Position{
		Symbol:     "BTC/USDT",
		Side:       database.SideLong,
		EntryPrice: 100000,
		Quantity:   0.1,
		StopLoss:   90000,
		TakeProfit: 200000,
	})
	ctx := context.Background()

	// A trader goroutine reads the book while the monitor mutates it
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			for _, snap := range r.monitor.Store().Snapshot() {
				if snap.Quantity != 0.1 {
					t.Errorf("snapshot quantity = %.4f, want 0.1", snap.Quantity)
					return
				}
			}
			r.monitor.Store().OpenCount("user-1")
			r.monitor.Store().FindOpen("user-1", "BTC/USDT", database.SideLong)
		}
	}()

	price := 100000.0
	for i := 0; i < 50; i++ {
		price += 50
		r.client.SetPrice("BTC/USDT", price)
		r.monitor.Tick(ctx)
	}
	<-done

	got := r.monitor.Store().Get(p.ID)
	if got == nil || got.Status != database.StatusOpen {
		t.Fatal("position should survive the rising sequence")
	}
	if !got.TrailingActive || got.HighestPrice != 102500 {
		t.Errorf("trailing active = %v peak = %.2f, want active with peak 102500",
			got.TrailingActive, got.HighestPrice)
	}
	if got.TrailingStop != 102500*0.99 {
		t.Errorf("trailing stop = %.2f, want %.2f", got.TrailingStop, 102500*0.99)
	}
}

func TestPartialTPLadder(t *testing.T) {
	settings := baseSettings()
	settings.TrailingEnabled = false
	r := newRig(t, broker.ModeSpot, settings)
	p := openPosition(t, r, &database.Position{
		Symbol:     "SOL/USDT",
		Side:       database.SideLong,
		EntryPrice: 100,
		Quantity:   1.0,
		StopLoss:   95,
	})
	ctx := context.Background()

	// Level 0: 25% of remaining at +1%, stop moves to breakeven
	r.client.SetPrice("SOL/USDT", 101.2)
	r.monitor.Tick(ctx)
	got := r.monitor.Store().Get(p.ID)
	if got.Quantity != 0.75 {
		t.Fatalf("quantity after level 0 = %.4f, want 0.75", got.Quantity)
	}
	if got.PartialTPsTaken != 1 {
		t.Errorf("partial TPs taken = %d, want 1", got.PartialTPsTaken)
	}
	if got.StopLoss != 100*1.001 {
		t.Errorf("stop after partial = %.4f, want breakeven %.4f", got.StopLoss, 100*1.001)
	}
	trade := lastTrade(t, r.ledger)
	if trade.CloseReason != database.ClosePartialTP || trade.Quantity != 0.25 {
		t.Errorf("trade = %s qty %.4f, want partial_tp qty 0.25", trade.CloseReason, trade.Quantity)
	}

	// Level 1: 50% of remaining at +2%
	r.client.SetPrice("SOL/USDT", 102.5)
	r.monitor.Tick(ctx)
	got = r.monitor.Store().Get(p.ID)
	if got.Quantity != 0.375 {
		t.Fatalf("quantity after level 1 = %.4f, want 0.375", got.Quantity)
	}

	// Level 2 would leave 0.09375, under 10% of the original size, so
	// the whole remainder exits as a take profit.
	r.client.SetPrice("SOL/USDT", 103.5)
	r.monitor.Tick(ctx)
	if r.monitor.Store().Get(p.ID) != nil {
		t.Fatal("residual below 10% of original should escalate to a full close")
	}
	trade = lastTrade(t, r.ledger)
	if trade.CloseReason != database.CloseTakeProfit {
		t.Errorf("escalated close reason = %s, want take_profit", trade.CloseReason)
	}
	if trade.Quantity != 0.375 {
		t.Errorf("escalated close quantity = %.4f, want 0.375", trade.Quantity)
	}
}

func TestTimeExit(t *testing.T) {
	settings := baseSettings()
	settings.TrailingEnabled = false
	settings.PartialTPEnabled = false
	r := newRig(t, broker.ModeSpot, settings)

	opened := time.Now().Add(-time.Minute)
	p := openPosition(t, r, &database.Position{
		Symbol:     "BTC/USDT",
		Side:       database.SideLong,
		EntryPrice: 50000,
		Quantity:   0.1,
		StopLoss:   48000,
		TakeProfit: 60000,
		OpenedAt:   opened,
	})

	r.client.SetPrice("BTC/USDT", 50100)
	r.monitor.now = func() time.Time { return opened.Add(13 * time.Hour) }
	r.monitor.Tick(context.Background())

	if r.monitor.Store().Get(p.ID) != nil {
		t.Fatal("position should close after max hold time")
	}
	if trade := lastTrade(t, r.ledger); trade.CloseReason != database.CloseTimeExit {
		t.Errorf("close reason = %s, want time_exit", trade.CloseReason)
	}
}

func TestTickIdempotent(t *testing.T) {
	settings := baseSettings()
	settings.PartialTPEnabled = false
	r := newRig(t, broker.ModeSpot, settings)
	p := openPosition(t, r, &database.Position{
		Symbol:     "BTC/USDT",
		Side:       database.SideLong,
		EntryPrice: 100000,
		Quantity:   0.1,
		StopLoss:   98000,
		TakeProfit: 110000,
	})
	ctx := context.Background()

	r.client.SetPrice("BTC/USDT", 100500)
	r.monitor.Tick(ctx)
	r.monitor.Tick(ctx)

	// First tick activates trailing and records exactly one adjustment;
	// the second, on unchanged inputs, must be a no-op.
	if got := r.reevals.count(); got != 1 {
		t.Errorf("re-evaluations = %d, want 1", got)
	}
	if got := len(r.ledger.all()); got != 0 {
		t.Errorf("trades = %d, want 0", got)
	}
	if r.monitor.Store().Get(p.ID) == nil {
		t.Fatal("position should remain open")
	}
}

func TestLiquidationEmergencyClose(t *testing.T) {
	settings := baseSettings()
	r := newRig(t, broker.ModeFutures, settings)

	r.client.Balance.TotalUSD = 3
	r.client.Balance.UsedMargin = 100 // margin level 3%

	p1 := openPosition(t, r, &database.Position{
		Symbol:      "BTC/USDT",
		Side:        database.SideLong,
		EntryPrice:  50000,
		Quantity:    0.1,
		StopLoss:    48000,
		TakeProfit:  60000,
		TradingMode: "futures",
	})
	p2 := openPosition(t, r, &database.Position{
		Symbol:      "ETH/USDT",
		Side:        database.SideLong,
		EntryPrice:  3000,
		Quantity:    1,
		StopLoss:    2800,
		TakeProfit:  3500,
		TradingMode: "futures",
	})
	r.client.SetPrice("BTC/USDT", 49000)
	r.client.SetPrice("ETH/USDT", 2950)

	r.monitor.Tick(context.Background())

	if r.monitor.Store().Get(p1.ID) != nil || r.monitor.Store().Get(p2.ID) != nil {
		t.Fatal("all positions should be emergency-closed at critical margin level")
	}
	for _, trade := range r.ledger.all() {
		if trade.CloseReason != database.CloseLiquidation {
			t.Errorf("close reason = %s, want liquidation_close", trade.CloseReason)
		}
	}
	if got := len(r.ledger.all()); got != 2 {
		t.Errorf("trades = %d, want 2", got)
	}

	// Exactly one critical alert for the whole book
	deadline := time.Now().Add(time.Second)
	for r.alerts.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := r.alerts.count(); got != 1 {
		t.Errorf("alerts = %d, want 1", got)
	}
}

func TestLiquidationWarningHalvesBudget(t *testing.T) {
	settings := baseSettings()
	r := newRig(t, broker.ModeFutures, settings)

	r.client.Balance.TotalUSD = 10
	r.client.Balance.UsedMargin = 100 // margin level 10%

	p := openPosition(t, r, &database.Position{
		Symbol:      "BTC/USDT",
		Side:        database.SideLong,
		EntryPrice:  50000,
		Quantity:    0.1,
		StopLoss:    48000,
		TakeProfit:  60000,
		TradingMode: "futures",
	})
	r.client.SetPrice("BTC/USDT", 50100)

	r.monitor.Tick(context.Background())

	if r.monitor.Store().Get(p.ID) == nil {
		t.Fatal("warning level must not close positions")
	}
	if !r.monitor.ConsumeBudgetHalved("user-1") {
		t.Error("budget-halved flag should be set after a margin warning")
	}
	if r.monitor.ConsumeBudgetHalved("user-1") {
		t.Error("budget-halved flag should clear once consumed")
	}
}

func TestCloseFailureLeavesPositionOpen(t *testing.T) {
	r := newRig(t, broker.ModeSpot, baseSettings())
	p := openPosition(t, r, &database.Position{
		Symbol:     "BTC/USDT",
		Side:       database.SideLong,
		EntryPrice: 50000,
		Quantity:   0.1,
		StopLoss:   49250,
		TakeProfit: 51500,
	})

	r.client.InjectErr = errors.New("venue rejected order")
	r.client.FailCount = 10

	r.client.SetPrice("BTC/USDT", 51500)
	r.monitor.Tick(context.Background())

	got := r.monitor.Store().Get(p.ID)
	if got == nil || got.Status != database.StatusOpen {
		t.Fatal("position must stay open when every close attempt fails")
	}
	if len(r.ledger.all()) != 0 {
		t.Error("no trade should be recorded for a failed close")
	}
}

func TestPriceFetchErrorSkipsSymbol(t *testing.T) {
	r := newRig(t, broker.ModeSpot, baseSettings())
	p := openPosition(t, r, &database.Position{
		Symbol:     "XRP/USDT",
		Side:       database.SideLong,
		EntryPrice: 0.5,
		Quantity:   1000,
		StopLoss:   0.48,
		TakeProfit: 0.55,
	})

	// No price scripted: the fetch fails and the position is untouched
	r.monitor.Tick(context.Background())

	got := r.monitor.Store().Get(p.ID)
	if got == nil || got.Status != database.StatusOpen {
		t.Fatal("position should be left alone when its price is unavailable")
	}
}

func TestReconcileGhostCleanup(t *testing.T) {
	r := newRig(t, broker.ModeSpot, baseSettings())

	// Local position the venue knows nothing about, past the grace window
	p := &database.Position{
		ID:               "ghost-1",
		UserID:           "user-1",
		Symbol:           "BTC/USDT",
		Side:             database.SideLong,
		EntryPrice:       50000,
		Quantity:         0.1,
		OriginalQuantity: 0.1,
		Status:           database.StatusOpen,
		OpenedAt:         time.Now().Add(-10 * time.Minute),
	}
	if err := r.monitor.Store().Add(context.Background(), p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.client.SetPrice("BTC/USDT", 50500)

	r.monitor.Reconcile(context.Background())

	if r.monitor.Store().Get(p.ID) != nil {
		t.Fatal("ghost position should be removed")
	}
	trade := lastTrade(t, r.ledger)
	if trade.CloseReason != database.CloseGhost {
		t.Errorf("close reason = %s, want ghost_cleanup", trade.CloseReason)
	}
	if trade.ExitPrice != 50500 {
		t.Errorf("ghost exit price = %.2f, want last known 50500", trade.ExitPrice)
	}
}

func TestReconcileGraceProtectsFreshPositions(t *testing.T) {
	r := newRig(t, broker.ModeSpot, baseSettings())

	// Just created, not yet visible at the venue. Must survive.
	p := &database.Position{
		ID:               "fresh-1",
		UserID:           "user-1",
		Symbol:           "BTC/USDT",
		Side:             database.SideLong,
		EntryPrice:       50000,
		Quantity:         0.1,
		OriginalQuantity: 0.1,
		Status:           database.StatusOpen,
		OpenedAt:         time.Now().Add(-30 * time.Second),
	}
	if err := r.monitor.Store().Add(context.Background(), p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r.monitor.Reconcile(context.Background())

	if r.monitor.Store().Get(p.ID) == nil {
		t.Fatal("fresh position must not be treated as a ghost")
	}
}

func TestReconcileAdoptsVenuePosition(t *testing.T) {
	r := newRig(t, broker.ModeSpot, baseSettings())

	r.client.SetPosition(broker.ExchangePosition{
		Symbol:     "ETH/USDT",
		Side:       broker.PositionLong,
		Quantity:   2,
		EntryPrice: 3000,
	})
	r.client.SetPrice("ETH/USDT", 3010)

	r.monitor.Reconcile(context.Background())

	adopted := r.monitor.Store().FindOpen("user-1", "ETH/USDT", database.SideLong)
	if adopted == nil {
		t.Fatal("venue position should be adopted into monitoring")
	}
	if adopted.Quantity != 2 || adopted.EntryPrice != 3000 {
		t.Errorf("adopted qty/entry = %.2f/%.2f, want 2/3000", adopted.Quantity, adopted.EntryPrice)
	}
	if adopted.OriginalQuantity != 2 {
		t.Errorf("adopted original quantity = %.2f, want 2", adopted.OriginalQuantity)
	}
	if adopted.Leverage != 1.0 {
		t.Errorf("adopted spot leverage = %.2f, want 1.0", adopted.Leverage)
	}
}
