package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory venue used by tests and dry-run mode.
// Prices, positions and balances are scripted; every order is recorded
// and applied to the simulated position book.
type MockClient struct {
	mu sync.Mutex

	ExchangeName      string
	ConditionalOrders bool

	Prices    map[string]float64
	Klines    map[string][]Kline
	Markets   map[string]*Market
	Positions []ExchangePosition
	Balance   Balance

	// Orders records every CreateOrder call in arrival order
	Orders []OrderParams

	// Error injection. FailCount makes the next N calls fail with
	// InjectErr before succeeding (retry-path testing).
	InjectErr error
	FailCount int

	orderSeq int
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock venue with sane defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ExchangeName: "mock",
		Prices:       make(map[string]float64),
		Klines:       make(map[string][]Kline),
		Markets:      make(map[string]*Market),
		Balance: Balance{
			TotalUSD:     10000,
			AvailableUSD: 10000,
			StableUSD:    10000,
			Assets:       map[string]float64{"USDT": 10000},
		},
	}
}

func (m *MockClient) Name() string {
	if m.ExchangeName == "" {
		return "mock"
	}
	return m.ExchangeName
}

func (m *MockClient) SupportsConditionalOrders() bool { return m.ConditionalOrders }

// failNext consumes one injected failure if configured.
func (m *MockClient) failNext() error {
	if m.FailCount > 0 && m.InjectErr != nil {
		m.FailCount--
		return m.InjectErr
	}
	return nil
}

func (m *MockClient) CreateOrder(ctx context.Context, params OrderParams) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return nil, err
	}

	m.Orders = append(m.Orders, params)
	m.orderSeq++

	fill := params.Price
	if params.Type == OrderTypeMarket {
		fill = m.Prices[params.Symbol]
	}

	m.applyFill(params, fill)

	return &Order{
		ID:        fmt.Sprintf("mock-%d", m.orderSeq),
		Symbol:    params.Symbol,
		Side:      params.Side,
		Type:      params.Type,
		Quantity:  params.Quantity,
		Price:     params.Price,
		AvgPrice:  fill,
		Status:    "FILLED",
		CreatedAt: time.Now(),
	}, nil
}

// applyFill updates the simulated position book. Buys open or grow a
// long, sells shrink or close it. Shorts are opened by sells when no
// long exists.
func (m *MockClient) applyFill(params OrderParams, fill float64) {
	for i := range m.Positions {
		pos := &m.Positions[i]
		if pos.Symbol != params.Symbol || pos.Quantity <= 0 {
			continue
		}

		closing := (pos.Side == PositionLong && params.Side == SideSell) ||
			(pos.Side == PositionShort && params.Side == SideBuy)
		if closing {
			pos.Quantity -= params.Quantity
			if pos.Quantity < 0 {
				pos.Quantity = 0
			}
			return
		}

		// Same-direction add: average the entry
		total := pos.Quantity + params.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + fill*params.Quantity) / total
		pos.Quantity = total
		return
	}

	side := PositionLong
	if params.Side == SideSell {
		side = PositionShort
	}
	leverage := params.Leverage
	if leverage <= 0 {
		leverage = 1.0
	}
	m.Positions = append(m.Positions, ExchangePosition{
		Symbol:     params.Symbol,
		Side:       side,
		Quantity:   params.Quantity,
		EntryPrice: fill,
		MarkPrice:  fill,
		Leverage:   leverage,
	})
}

func (m *MockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failNext()
}

func (m *MockClient) FetchPositions(ctx context.Context) ([]ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return nil, err
	}

	out := make([]ExchangePosition, 0, len(m.Positions))
	for _, pos := range m.Positions {
		if pos.Quantity <= 0 {
			continue
		}
		if price, ok := m.Prices[pos.Symbol]; ok {
			pos.MarkPrice = price
		}
		out = append(out, pos)
	}
	return out, nil
}

func (m *MockClient) FetchBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return nil, err
	}
	bal := m.Balance
	return &bal, nil
}

func (m *MockClient) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return 0, err
	}
	price, ok := m.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price scripted for %s", symbol)
	}
	return price, nil
}

func (m *MockClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return nil, err
	}
	klines := m.Klines[symbol]
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, nil
}

func (m *MockClient) FetchMarket(ctx context.Context, symbol string) (*Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext(); err != nil {
		return nil, err
	}
	if market, ok := m.Markets[symbol]; ok {
		cp := *market
		return &cp, nil
	}
	return &Market{Symbol: symbol, MinNotionalUSD: 10, MinQty: 0.0001, QtyStep: 0.0001}, nil
}

func (m *MockClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failNext()
}

// SetPrice scripts the ticker price for a symbol.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	m.Prices[symbol] = price
	m.mu.Unlock()
}

// SetPosition replaces any existing position on the symbol.
func (m *MockClient) SetPosition(pos ExchangePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Positions {
		if m.Positions[i].Symbol == pos.Symbol {
			m.Positions[i] = pos
			return
		}
	}
	m.Positions = append(m.Positions, pos)
}

// LastOrder returns the most recent order, or nil if none were placed.
func (m *MockClient) LastOrder() *OrderParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Orders) == 0 {
		return nil
	}
	last := m.Orders[len(m.Orders)-1]
	return &last
}
