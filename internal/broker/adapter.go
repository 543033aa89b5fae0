package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"signal-trading-core/internal/logging"
)

const (
	// requestTimeout bounds every single venue request
	requestTimeout = 30 * time.Second

	// maxRetries for transient venue errors (rate limits, timeouts, 5xx)
	maxRetries = 3

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// Adapter wraps a venue Client with trading-mode semantics.
//
// Spot rules are enforced here, not at the venue: reduceOnly is
// silently dropped, leverage is forced to 1.0 and SL/TP are never
// submitted exchange-side (they become monitor-side obligations).
type Adapter struct {
	client Client
	mode   TradingMode
	prices *PriceCache
	logger *logging.Logger
}

var _ Broker = (*Adapter)(nil)

// NewAdapter creates a mode-aware adapter over a venue client.
// prices may be nil; GetMarketPrice then always hits the venue.
func NewAdapter(client Client, mode TradingMode, prices *PriceCache, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Adapter{
		client: client,
		mode:   mode,
		prices: prices,
		logger: logger.WithComponent("broker"),
	}
}

// Mode returns the trading mode this adapter is bound to
func (a *Adapter) Mode() TradingMode { return a.mode }

// PlaceOrder submits an order with mode normalization applied.
func (a *Adapter) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	params = a.normalize(params)

	var order *Order
	err := a.withRetry(ctx, "PlaceOrder", func(ctx context.Context) error {
		var err error
		order, err = a.client.CreateOrder(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Mark whether SL/TP protection lives on the exchange or with us.
	if a.mode != ModeSpot && a.client.SupportsConditionalOrders() &&
		(params.StopLoss > 0 || params.TakeProfit > 0) {
		order.VenueSLTP = true
	}

	a.logger.Info("order placed",
		"symbol", params.Symbol,
		"side", params.Side,
		"type", params.Type,
		"quantity", params.Quantity,
		"mode", a.mode,
		"venue_sltp", order.VenueSLTP)
	return order, nil
}

// normalize applies the per-mode order rules.
func (a *Adapter) normalize(params OrderParams) OrderParams {
	switch a.mode {
	case ModeSpot:
		if params.ReduceOnly {
			// Silent-drop rule: spot venues reject reduceOnly, and the
			// caller must not have to care.
			log.Printf("[BROKER] %s: dropping reduceOnly flag for spot order", params.Symbol)
			params.ReduceOnly = false
		}
		params.Leverage = 1.0
		// SL/TP never go exchange-side on spot
		params.StopLoss = 0
		params.TakeProfit = 0
	case ModeMargin, ModeFutures:
		if params.Leverage <= 0 {
			params.Leverage = 1.0
		}
		if !a.client.SupportsConditionalOrders() {
			// Monitor-side fallback when the venue has no conditional orders
			params.StopLoss = 0
			params.TakeProfit = 0
		}
	}
	return params
}

// ClosePosition issues a market order for the full remaining quantity.
// The close side is derived from the current position side.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	pos, err := a.findPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return a.closeQuantity(ctx, pos, pos.Quantity)
}

// PartialClose closes qty of the position. If the residual would fall
// below the market's dust threshold the close escalates to a full one.
func (a *Adapter) PartialClose(ctx context.Context, symbol string, qty float64) (*Order, error) {
	pos, err := a.findPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if qty <= 0 || qty > pos.Quantity {
		return nil, fmt.Errorf("invalid partial close quantity %.8f (position %.8f)", qty, pos.Quantity)
	}

	residual := pos.Quantity - qty
	if residual > 0 {
		market, err := a.fetchMarket(ctx, symbol)
		if err == nil && residual < market.DustThreshold {
			a.logger.Warn("partial close residual below dust threshold - closing entirely",
				"symbol", symbol,
				"residual", residual,
				"dust_threshold", market.DustThreshold)
			qty = pos.Quantity
		}
	}

	return a.closeQuantity(ctx, pos, qty)
}

func (a *Adapter) closeQuantity(ctx context.Context, pos *ExchangePosition, qty float64) (*Order, error) {
	side := SideSell
	if pos.Side == PositionShort {
		side = SideBuy
	}

	params := OrderParams{
		Symbol:     pos.Symbol,
		Side:       side,
		Type:       OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: a.mode != ModeSpot,
	}

	var order *Order
	err := a.withRetry(ctx, "ClosePosition", func(ctx context.Context) error {
		var err error
		order, err = a.client.CreateOrder(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("close order placed",
		"symbol", pos.Symbol,
		"close_side", side,
		"quantity", qty,
		"position_side", pos.Side)
	return order, nil
}

func (a *Adapter) findPosition(ctx context.Context, symbol string) (*ExchangePosition, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Quantity > 0 {
			return &positions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
}

func (a *Adapter) fetchMarket(ctx context.Context, symbol string) (*Market, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return a.client.FetchMarket(ctx, symbol)
}

// GetPositions returns the venue's view of open positions
func (a *Adapter) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	var positions []ExchangePosition
	err := a.withRetry(ctx, "GetPositions", func(ctx context.Context) error {
		var err error
		positions, err = a.client.FetchPositions(ctx)
		return err
	})
	return positions, err
}

// GetBalance returns the account balance snapshot
func (a *Adapter) GetBalance(ctx context.Context) (*Balance, error) {
	var balance *Balance
	err := a.withRetry(ctx, "GetBalance", func(ctx context.Context) error {
		var err error
		balance, err = a.client.FetchBalance(ctx)
		return err
	})
	return balance, err
}

// GetMarketPrice returns the last traded price, via the shared TTL
// cache when one is configured.
func (a *Adapter) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	if a.prices != nil {
		if price, ok := a.prices.Get(a.client.Name(), symbol); ok {
			return price, nil
		}
	}

	var price float64
	err := a.withRetry(ctx, "GetMarketPrice", func(ctx context.Context) error {
		var err error
		price, err = a.client.FetchTicker(ctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}

	if a.prices != nil {
		a.prices.Set(a.client.Name(), symbol, price)
	}
	return price, nil
}

// GetKlines fetches OHLCV candles
func (a *Adapter) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	var klines []Kline
	err := a.withRetry(ctx, "GetKlines", func(ctx context.Context) error {
		var err error
		klines, err = a.client.FetchOHLCV(ctx, symbol, timeframe, limit)
		return err
	})
	return klines, err
}

// SetLeverage configures leverage for a symbol. Spot adapters refuse
// anything other than 1.0 without calling the venue.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if a.mode == ModeSpot {
		if leverage != 1.0 {
			return &UnsupportedError{Op: "SetLeverage", Reason: "spot accounts trade at 1x only"}
		}
		return nil
	}
	return a.withRetry(ctx, "SetLeverage", func(ctx context.Context) error {
		return a.client.SetLeverage(ctx, symbol, leverage)
	})
}

// CancelOrder cancels an open order
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.withRetry(ctx, "CancelOrder", func(ctx context.Context) error {
		return a.client.CancelOrder(ctx, symbol, orderID)
	})
}

// withRetry runs fn with a per-request timeout and jittered exponential
// backoff on transient errors, up to maxRetries attempts.
func (a *Adapter) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	attempt := 0
	call := func() error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		err := fn(reqCtx)
		if err == nil {
			return nil
		}
		if IsTransient(err) && attempt < maxRetries {
			log.Printf("[BROKER] %s attempt %d failed: %v - retrying", op, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(call, backoff.WithContext(bo, ctx))
}
