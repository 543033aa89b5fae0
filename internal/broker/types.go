package broker

import "time"

// TradingMode identifies which venue account type an adapter talks to.
type TradingMode string

const (
	ModeSpot    TradingMode = "spot"
	ModeMargin  TradingMode = "margin"
	ModeFutures TradingMode = "futures"
)

// OrderSide is the venue-level order direction
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the venue order type
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// PositionSide is the direction of an open position
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Kline represents a single OHLCV candle
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// OrderParams holds everything needed to place an order.
// StopLoss/TakeProfit of 0 mean "not requested". Leverage of 0 means
// "venue default" (the adapter normalizes it per trading mode).
type OrderParams struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	Price      float64 // limit orders only
	StopLoss   float64
	TakeProfit float64
	Leverage   float64
	ReduceOnly bool
}

// Order is the venue's acknowledgement of a placed order
type Order struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	AvgPrice   float64   `json:"avg_price"`
	ReduceOnly bool      `json:"reduce_only"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`

	// VenueSLTP is true when SL/TP were accepted as exchange-side
	// conditional orders. False means they are monitor-side obligations.
	VenueSLTP bool `json:"venue_sltp"`
}

// ExchangePosition is a position as reported by the venue
type ExchangePosition struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Quantity      float64      `json:"quantity"`
	EntryPrice    float64      `json:"entry_price"`
	MarkPrice     float64      `json:"mark_price"`
	Leverage      float64      `json:"leverage"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
}

// Balance is the venue account snapshot the core cares about
type Balance struct {
	TotalUSD     float64            `json:"total_usd"`
	AvailableUSD float64            `json:"available_usd"`
	StableUSD    float64            `json:"stable_usd"` // stablecoin portion of equity
	UsedMargin   float64            `json:"used_margin"`
	Assets       map[string]float64 `json:"assets"`
}

// MarginLevel returns equity / used margin as a percentage.
// Returns +Inf semantics via a large sentinel when no margin is in use.
func (b *Balance) MarginLevel() float64 {
	if b.UsedMargin <= 0 {
		return 10000
	}
	return b.TotalUSD / b.UsedMargin * 100
}

// Market holds per-symbol trading constraints
type Market struct {
	Symbol         string  `json:"symbol"`
	MinNotionalUSD float64 `json:"min_notional_usd"`
	MinQty         float64 `json:"min_qty"`
	QtyStep        float64 `json:"qty_step"`
	// DustThreshold is the smallest residual quantity the venue will
	// still let us close. Partial closes below this escalate to full.
	DustThreshold float64 `json:"dust_threshold"`
}
