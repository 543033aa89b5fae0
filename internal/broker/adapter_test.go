package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestAdapter(mode TradingMode) (*Adapter, *MockClient) {
	client := NewMockClient()
	return NewAdapter(client, mode, nil, nil), client
}

func TestSpotOrderDropsReduceOnly(t *testing.T) {
	adapter, client := newTestAdapter(ModeSpot)
	client.SetPrice("BTC/USDT", 50000)

	_, err := adapter.PlaceOrder(context.Background(), OrderParams{
		Symbol:     "BTC/USDT",
		Side:       SideBuy,
		Type:       OrderTypeMarket,
		Quantity:   0.1,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	order := client.LastOrder()
	if order == nil {
		t.Fatal("expected an order to reach the venue")
	}
	if order.ReduceOnly {
		t.Error("reduceOnly should be dropped for spot orders")
	}
}

func TestSpotOrderForcesLeverageAndStripsConditionals(t *testing.T) {
	adapter, client := newTestAdapter(ModeSpot)
	client.SetPrice("ETH/USDT", 3000)

	result, err := adapter.PlaceOrder(context.Background(), OrderParams{
		Symbol:     "ETH/USDT",
		Side:       SideBuy,
		Type:       OrderTypeMarket,
		Quantity:   1.0,
		Leverage:   5.0,
		StopLoss:   2900,
		TakeProfit: 3200,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	order := client.LastOrder()
	if order.Leverage != 1.0 {
		t.Errorf("spot leverage = %.1f, want 1.0", order.Leverage)
	}
	if order.StopLoss != 0 || order.TakeProfit != 0 {
		t.Error("SL/TP must not be submitted exchange-side on spot")
	}
	if result.VenueSLTP {
		t.Error("spot orders can never carry venue-side SL/TP")
	}
}

func TestFuturesVenueSLTPFlag(t *testing.T) {
	client := NewMockClient()
	client.ConditionalOrders = true
	client.SetPrice("BTC/USDT", 50000)
	adapter := NewAdapter(client, ModeFutures, nil, nil)

	result, err := adapter.PlaceOrder(context.Background(), OrderParams{
		Symbol:   "BTC/USDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: 0.1,
		StopLoss: 48000,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if !result.VenueSLTP {
		t.Error("expected VenueSLTP=true when the venue supports conditional orders")
	}

	order := client.LastOrder()
	if order.StopLoss != 48000 {
		t.Errorf("stop loss = %.0f, want 48000", order.StopLoss)
	}
}

func TestFuturesWithoutConditionalsStripsSLTP(t *testing.T) {
	adapter, client := newTestAdapter(ModeFutures)
	client.SetPrice("BTC/USDT", 50000)

	result, err := adapter.PlaceOrder(context.Background(), OrderParams{
		Symbol:     "BTC/USDT",
		Side:       SideBuy,
		Type:       OrderTypeMarket,
		Quantity:   0.1,
		StopLoss:   48000,
		TakeProfit: 55000,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if result.VenueSLTP {
		t.Error("VenueSLTP must be false when the venue lacks conditional orders")
	}

	order := client.LastOrder()
	if order.StopLoss != 0 || order.TakeProfit != 0 {
		t.Error("SL/TP must fall back to monitor-side on venues without conditional orders")
	}
}

func TestClosePositionDerivesSide(t *testing.T) {
	adapter, client := newTestAdapter(ModeFutures)
	client.SetPrice("BTC/USDT", 50000)
	client.SetPosition(ExchangePosition{
		Symbol:     "BTC/USDT",
		Side:       PositionShort,
		Quantity:   0.5,
		EntryPrice: 52000,
	})

	_, err := adapter.ClosePosition(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	order := client.LastOrder()
	if order.Side != SideBuy {
		t.Errorf("closing a short must BUY, got %s", order.Side)
	}
	if order.Quantity != 0.5 {
		t.Errorf("close quantity = %.2f, want full 0.5", order.Quantity)
	}
	if !order.ReduceOnly {
		t.Error("futures close must be reduceOnly")
	}
}

func TestClosePositionNotFound(t *testing.T) {
	adapter, _ := newTestAdapter(ModeSpot)

	_, err := adapter.ClosePosition(context.Background(), "DOGE/USDT")
	if !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestPartialCloseDustEscalation(t *testing.T) {
	adapter, client := newTestAdapter(ModeSpot)
	client.SetPrice("BTC/USDT", 50000)
	client.SetPosition(ExchangePosition{
		Symbol:     "BTC/USDT",
		Side:       PositionLong,
		Quantity:   0.001,
		EntryPrice: 49000,
	})
	client.Markets["BTC/USDT"] = &Market{
		Symbol:        "BTC/USDT",
		DustThreshold: 0.0005,
	}

	// Closing 0.0008 would leave 0.0002, below the dust threshold
	_, err := adapter.PartialClose(context.Background(), "BTC/USDT", 0.0008)
	if err != nil {
		t.Fatalf("PartialClose failed: %v", err)
	}

	order := client.LastOrder()
	if order.Quantity != 0.001 {
		t.Errorf("dust residual must escalate to full close: quantity = %.4f, want 0.001", order.Quantity)
	}
}

func TestPartialCloseAboveDustStaysPartial(t *testing.T) {
	adapter, client := newTestAdapter(ModeSpot)
	client.SetPrice("BTC/USDT", 50000)
	client.SetPosition(ExchangePosition{
		Symbol:     "BTC/USDT",
		Side:       PositionLong,
		Quantity:   1.0,
		EntryPrice: 49000,
	})
	client.Markets["BTC/USDT"] = &Market{Symbol: "BTC/USDT", DustThreshold: 0.0005}

	_, err := adapter.PartialClose(context.Background(), "BTC/USDT", 0.25)
	if err != nil {
		t.Fatalf("PartialClose failed: %v", err)
	}

	order := client.LastOrder()
	if order.Quantity != 0.25 {
		t.Errorf("partial close quantity = %.2f, want 0.25", order.Quantity)
	}
}

func TestPartialCloseRejectsInvalidQuantity(t *testing.T) {
	adapter, client := newTestAdapter(ModeSpot)
	client.SetPosition(ExchangePosition{
		Symbol:   "BTC/USDT",
		Side:     PositionLong,
		Quantity: 1.0,
	})

	if _, err := adapter.PartialClose(context.Background(), "BTC/USDT", 2.0); err == nil {
		t.Error("expected error for quantity exceeding position size")
	}
	if _, err := adapter.PartialClose(context.Background(), "BTC/USDT", 0); err == nil {
		t.Error("expected error for zero quantity")
	}
}

func TestSetLeverageSpotRules(t *testing.T) {
	adapter, _ := newTestAdapter(ModeSpot)

	if err := adapter.SetLeverage(context.Background(), "BTC/USDT", 1.0); err != nil {
		t.Errorf("1x leverage on spot must be a no-op, got %v", err)
	}

	err := adapter.SetLeverage(context.Background(), "BTC/USDT", 3.0)
	var ue *UnsupportedError
	if !errors.As(err, &ue) {
		t.Errorf("expected UnsupportedError for 3x on spot, got %v", err)
	}
}

func TestRetryOnTransientError(t *testing.T) {
	client := NewMockClient()
	client.SetPrice("BTC/USDT", 50000)
	client.InjectErr = &TransientError{Op: "FetchTicker", Err: errors.New("gateway timeout")}
	client.FailCount = 2
	adapter := NewAdapter(client, ModeSpot, nil, nil)

	price, err := adapter.GetMarketPrice(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if price != 50000 {
		t.Errorf("price = %.0f, want 50000", price)
	}
}

func TestNoRetryOnPermanentError(t *testing.T) {
	client := NewMockClient()
	client.InjectErr = &InsufficientFundsError{Symbol: "BTC/USDT", Required: 100, Available: 50}
	client.FailCount = 10
	adapter := NewAdapter(client, ModeSpot, nil, nil)

	_, err := adapter.PlaceOrder(context.Background(), OrderParams{
		Symbol:   "BTC/USDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: 0.1,
	})
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if client.FailCount != 9 {
		t.Errorf("permanent errors must not be retried: %d failures left, want 9", client.FailCount)
	}
}

func TestPriceCacheTTL(t *testing.T) {
	cache := NewPriceCache(nil)
	cache.Set("mock", "BTC/USDT", 50000)

	price, ok := cache.Get("mock", "BTC/USDT")
	if !ok || price != 50000 {
		t.Fatalf("expected fresh cache hit at 50000, got %.0f ok=%v", price, ok)
	}

	// Expire the entry by backdating it
	cache.prices.Store(priceKey("mock", "BTC/USDT"), &cachedPrice{
		Price:     50000,
		UpdatedAt: time.Now().Add(-priceTTL - time.Second),
	})
	if _, ok := cache.Get("mock", "BTC/USDT"); ok {
		t.Error("expected stale entry to miss")
	}
}

func TestAdapterSharesPriceCache(t *testing.T) {
	client := NewMockClient()
	client.SetPrice("BTC/USDT", 50000)
	cache := NewPriceCache(nil)
	adapter := NewAdapter(client, ModeSpot, cache, nil)

	if _, err := adapter.GetMarketPrice(context.Background(), "BTC/USDT"); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}

	// Change the venue price; the cached value must still be served.
	client.SetPrice("BTC/USDT", 60000)
	price, err := adapter.GetMarketPrice(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if price != 50000 {
		t.Errorf("expected cached 50000 within TTL, got %.0f", price)
	}
}

func TestRateLimiterBudget(t *testing.T) {
	limiter := NewRateLimiter(10)
	ctx := context.Background()

	// 10 weight budget: two FetchBalance calls (5 each) fill it.
	if err := limiter.Acquire(ctx, "FetchBalance"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := limiter.Acquire(ctx, "FetchBalance"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(ctx, "CreateOrder"); err == nil {
		t.Error("expected acquire to block past an exhausted budget")
	}

	if usage := limiter.Usage(); usage != 100 {
		t.Errorf("usage = %.0f%%, want 100%%", usage)
	}
}

func TestRateLimiterBanWindow(t *testing.T) {
	limiter := NewRateLimiter(1200)
	limiter.RecordRateLimited(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(ctx, "FetchTicker"); err == nil {
		t.Error("expected acquire to block during a venue ban window")
	}
}
