// Package broker presents a uniform, mode-aware order/position/balance
// interface over heterogeneous spot, margin and futures venues.
package broker

import "context"

// Client is the raw CCXT-shaped venue client. Implementations wrap a
// single exchange account; they know nothing about trading modes or
// the position store.
type Client interface {
	CreateOrder(ctx context.Context, params OrderParams) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchPositions(ctx context.Context) ([]ExchangePosition, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	FetchTicker(ctx context.Context, symbol string) (float64, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error)
	FetchMarket(ctx context.Context, symbol string) (*Market, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error

	// SupportsConditionalOrders reports whether the venue accepts
	// exchange-side SL/TP orders for this account type.
	SupportsConditionalOrders() bool
	Name() string
}

// Broker is the uniform surface the trading core works against.
// A Broker is bound to one user's venue account and one trading mode.
type Broker interface {
	PlaceOrder(ctx context.Context, params OrderParams) (*Order, error)
	ClosePosition(ctx context.Context, symbol string) (*Order, error)
	PartialClose(ctx context.Context, symbol string, qty float64) (*Order, error)
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	GetBalance(ctx context.Context) (*Balance, error)
	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Mode() TradingMode
}
