package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RESTClient talks to a CCXT-shaped exchange gateway over HTTPS with
// HMAC-SHA256 request signing. One instance per user account; requests
// are serialized through the weight-based rate limiter so a single
// user cannot burn the account's venue budget.
type RESTClient struct {
	exchange    string
	apiKey      string
	secretKey   string
	baseURL     string
	conditional bool
	httpClient  *http.Client
	limiter     *RateLimiter
}

// RESTClientConfig holds venue connection settings
type RESTClientConfig struct {
	Exchange string
	APIKey   string
	Secret   string
	BaseURL  string
	// ConditionalOrders reports venue support for exchange-side SL/TP
	ConditionalOrders bool
	MaxWeightPerMin   int
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a venue gateway client.
func NewRESTClient(cfg RESTClientConfig) *RESTClient {
	return &RESTClient{
		exchange: cfg.Exchange,
		// Trim whitespace from keys - critical for signature generation
		apiKey:      strings.TrimSpace(cfg.APIKey),
		secretKey:   strings.TrimSpace(cfg.Secret),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		conditional: cfg.ConditionalOrders,
		httpClient:  &http.Client{Timeout: requestTimeout},
		limiter:     NewRateLimiter(cfg.MaxWeightPerMin),
	}
}

func (c *RESTClient) Name() string                    { return c.exchange }
func (c *RESTClient) SupportsConditionalOrders() bool { return c.conditional }

// CreateOrder places an order at the venue
func (c *RESTClient) CreateOrder(ctx context.Context, params OrderParams) (*Order, error) {
	values := url.Values{}
	values.Set("symbol", params.Symbol)
	values.Set("side", string(params.Side))
	values.Set("type", string(params.Type))
	values.Set("quantity", formatFloat(params.Quantity))
	if params.Type == OrderTypeLimit {
		values.Set("price", formatFloat(params.Price))
	}
	if params.StopLoss > 0 {
		values.Set("stopLoss", formatFloat(params.StopLoss))
	}
	if params.TakeProfit > 0 {
		values.Set("takeProfit", formatFloat(params.TakeProfit))
	}
	if params.Leverage > 0 {
		values.Set("leverage", formatFloat(params.Leverage))
	}
	if params.ReduceOnly {
		values.Set("reduceOnly", "true")
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v1/order", "CreateOrder", values)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &order, nil
}

// CancelOrder cancels an open order
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	values := url.Values{}
	values.Set("symbol", symbol)
	values.Set("orderId", orderID)

	_, err := c.signedRequest(ctx, http.MethodDelete, "/api/v1/order", "CancelOrder", values)
	return err
}

// FetchPositions retrieves all open positions
func (c *RESTClient) FetchPositions(ctx context.Context) ([]ExchangePosition, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v1/positions", "FetchPositions", url.Values{})
	if err != nil {
		return nil, err
	}

	var positions []ExchangePosition
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	return positions, nil
}

// FetchBalance retrieves the account balance
func (c *RESTClient) FetchBalance(ctx context.Context) (*Balance, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v1/balance", "FetchBalance", url.Values{})
	if err != nil {
		return nil, err
	}

	var balance Balance
	if err := json.Unmarshal(body, &balance); err != nil {
		return nil, fmt.Errorf("error parsing balance: %w", err)
	}
	return &balance, nil
}

// FetchTicker retrieves the last price for a symbol
func (c *RESTClient) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	values := url.Values{}
	values.Set("symbol", symbol)

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v1/ticker", "FetchTicker", values)
	if err != nil {
		return 0, err
	}

	var ticker struct {
		Symbol string  `json:"symbol"`
		Last   float64 `json:"last"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("error parsing ticker: %w", err)
	}
	return ticker.Last, nil
}

// FetchOHLCV retrieves candles for a symbol and timeframe
func (c *RESTClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	values := url.Values{}
	values.Set("symbol", symbol)
	values.Set("timeframe", timeframe)
	values.Set("limit", strconv.Itoa(limit))

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v1/ohlcv", "FetchOHLCV", values)
	if err != nil {
		return nil, err
	}

	var klines []Kline
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}
	return klines, nil
}

// FetchMarket retrieves per-symbol trading constraints
func (c *RESTClient) FetchMarket(ctx context.Context, symbol string) (*Market, error) {
	values := url.Values{}
	values.Set("symbol", symbol)

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v1/market", "FetchMarket", values)
	if err != nil {
		return nil, err
	}

	var market Market
	if err := json.Unmarshal(body, &market); err != nil {
		return nil, fmt.Errorf("error parsing market: %w", err)
	}
	return &market, nil
}

// SetLeverage configures leverage for a symbol
func (c *RESTClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	values := url.Values{}
	values.Set("symbol", symbol)
	values.Set("leverage", formatFloat(leverage))

	_, err := c.signedRequest(ctx, http.MethodPost, "/api/v1/leverage", "SetLeverage", values)
	return err
}

// signedRequest executes an HMAC-signed request and maps venue errors
// to the broker error taxonomy.
func (c *RESTClient) signedRequest(ctx context.Context, method, path, op string, values url.Values) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, op); err != nil {
		return nil, err
	}

	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("signature", c.sign(values.Encode()))

	var req *http.Request
	var err error
	if method == http.MethodGet || method == http.MethodDelete {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+values.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(values.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}
	return nil, c.mapError(op, resp, body)
}

// venueError is the gateway's error envelope
type venueError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *RESTClient) mapError(op string, resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		c.limiter.RecordRateLimited(retryAfter)
		return &RateLimitedError{RetryAfter: retryAfter}
	}
	if resp.StatusCode >= 500 {
		return &TransientError{Op: op, Err: fmt.Errorf("venue returned status %d", resp.StatusCode)}
	}

	var ve venueError
	if err := json.Unmarshal(body, &ve); err == nil {
		switch ve.Code {
		case "INSUFFICIENT_FUNDS":
			return &InsufficientFundsError{Symbol: ve.Message}
		case "MARGIN_TOO_LOW":
			return &MarginTooLowError{Symbol: ve.Message}
		case "UNSUPPORTED":
			return &UnsupportedError{Op: op, Reason: ve.Message}
		}
	}
	return fmt.Errorf("%s rejected with status %d: %s", op, resp.StatusCode, string(body))
}

func (c *RESTClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
