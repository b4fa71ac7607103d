package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"quorum-trader/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Wire types
// ————————————————————————————————————————————————————————————————————————

// envelope is the venue's uniform response wrapper. errno 0 is the only
// success signal.
type envelope[T any] struct {
	Errno  int    `json:"errno"`
	Errmsg string `json:"errmsg"`
	Data   T      `json:"data"`
}

// MarketSummary is one row of the paginated listing. Token IDs are NOT
// present here — only the detail endpoint carries them.
type MarketSummary struct {
	MarketID       string  `json:"market_id"`
	Title          string  `json:"title"`
	Category       string  `json:"category"`
	Status         string  `json:"status"` // enum-or-string, normalised downstream
	Volume         float64 `json:"volume"`
	Liquidity      float64 `json:"liquidity"`
	ResolutionTime string  `json:"resolution_time"`
}

// MarketDetail is the full market record, including both token IDs and
// top-of-book prices.
type MarketDetail struct {
	MarketSummary
	YesTokenID    string `json:"yes_token_id"`
	NoTokenID     string `json:"no_token_id"`
	AskPrice      string `json:"ask_price"`
	BidPrice      string `json:"bid_price"`
	WinnerTokenID string `json:"winner_token_id"` // set once RESOLVED
}

// Orderbook is the top-of-book view for one token. Prices arrive as
// decimal strings; absent levels are empty strings.
type Orderbook struct {
	TokenID string `json:"token_id"`
	Ask     string `json:"ask"`
	Bid     string `json:"bid"`
	Mid     string `json:"mid"`
	Spread  string `json:"spread"`
}

// Trade is one fill from the account's trade history.
type Trade struct {
	TradeID   string `json:"trade_id"`
	OrderID   string `json:"order_id"`
	MarketID  string `json:"market_id"`
	TokenID   string `json:"token_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	MatchedAt string `json:"matched_at"`
}

// Position is one outcome-token holding.
type Position struct {
	MarketID   string  `json:"market_id"`
	TokenID    string  `json:"token_id"`
	Size       float64 `json:"size"`
	Redeemable bool    `json:"redeemable"`
}

// Balances reports the account's quote-currency and gas balances.
type Balances struct {
	Quote     float64 `json:"quote"`
	GasToken  float64 `json:"gas_token"`
	Locked    float64 `json:"locked"`
	Available float64 `json:"available"`
}

type placeOrderData struct {
	OrderID string `json:"order_id"`
}

type redeemData struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

// ————————————————————————————————————————————————————————————————————————
// Client
// ————————————————————————————————————————————————————————————————————————

// Client is the venue REST client. It wraps resty with rate limiting,
// transport-level retry, and request signing. Business-level retries (the
// venue's transient errnos) are the caller's responsibility via the
// central retry policy.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool // mutating methods log and return fake success
	logger *slog.Logger
}

// NewClient creates a venue client.
func NewClient(baseURL string, timeout time.Duration, auth *Auth, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "venue"),
	}
}

// EnableTrading performs the one-shot trading-session activation. Must
// succeed at process start; a failure here is fatal.
func (c *Client) EnableTrading(ctx context.Context) error {
	var result envelope[struct{}]
	if err := c.post(ctx, "/trading/enable", nil, &result); err != nil {
		return err
	}
	return decodeErrno("enable trading", result.Errno, result.Errmsg)
}

// Markets fetches one page of the active-markets listing. All statuses
// are accepted at the API level; filtering happens locally.
func (c *Client) Markets(ctx context.Context, limit, offset int) ([]MarketSummary, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result envelope[[]MarketSummary]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, "/markets", "")).
		SetQueryParams(map[string]string{
			"limit":  fmt.Sprintf("%d", limit),
			"offset": fmt.Sprintf("%d", offset),
		}).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, &types.TransientError{Op: "get markets", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, httpError("get markets", resp)
	}
	if err := decodeErrno("get markets", result.Errno, result.Errmsg); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Market fetches the full market detail, including both token IDs.
// A 404 returns nil, nil: listed-but-vanished markets are skipped
// silently by the fetcher.
func (c *Client) Market(ctx context.Context, marketID string) (*MarketDetail, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/markets/" + marketID
	var result envelope[MarketDetail]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, path, "")).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, &types.TransientError{Op: "get market", Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, httpError("get market", resp)
	}
	if err := decodeErrno("get market", result.Errno, result.Errmsg); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// Orderbook fetches top-of-book for a token.
func (c *Client) Orderbook(ctx context.Context, tokenID string) (*Orderbook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result envelope[Orderbook]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, "/orderbook", "")).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/orderbook")
	if err != nil {
		return nil, &types.TransientError{Op: "get orderbook", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, httpError("get orderbook", resp)
	}
	if err := decodeErrno("get orderbook", result.Errno, result.Errmsg); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// PlaceOrder submits a signed BUY order. Price must already be formatted
// to ≤3 decimals in (0,1); amount is rounded to 2 decimals here. Returns
// the venue order ID on success.
func (c *Client) PlaceOrder(ctx context.Context, marketID, tokenID string, side types.Side, price string, amount float64) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"market", marketID, "token", tokenID, "price", price, "amount", amount)
		return "dry-run-order", nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	payload := map[string]any{
		"market_id":      marketID,
		"token_id":       tokenID,
		"side":           string(side),
		"price":          price,
		"amount":         FormatAmount(amount),
		"check_approval": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	var result envelope[placeOrderData]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodPost, "/orders", string(body))).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return "", &types.TransientError{Op: "place order", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", httpError("place order", resp)
	}
	if err := decodeErrno("place order", result.Errno, result.Errmsg); err != nil {
		return "", err
	}
	return result.Data.OrderID, nil
}

// CancelOrder cancels one order by venue order ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"order_id":%q}`, orderID)
	var result envelope[struct{}]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodPost, "/orders/cancel", body)).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/orders/cancel")
	if err != nil {
		return &types.TransientError{Op: "cancel order", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return httpError("cancel order", resp)
	}
	return decodeErrno("cancel order", result.Errno, result.Errmsg)
}

// Redeem claims winnings for a resolved market. This is the one call
// that spends gas from the custody wallet; a low-gas errno surfaces as
// ErrLowGas so the reconciler can defer and retry next cycle.
func (c *Client) Redeem(ctx context.Context, marketID string) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would redeem", "market", marketID)
		return "dry-run-tx", nil
	}
	if err := c.rl.Redeem.Wait(ctx); err != nil {
		return "", err
	}

	body := fmt.Sprintf(`{"market_id":%q}`, marketID)
	var result envelope[redeemData]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodPost, "/positions/redeem", body)).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/positions/redeem")
	if err != nil {
		return "", &types.TransientError{Op: "redeem", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", httpError("redeem", resp)
	}
	if err := decodeErrno("redeem", result.Errno, result.Errmsg); err != nil {
		return "", err
	}
	return result.Data.TxHash, nil
}

// MyTrades returns the account's fills since the given time.
func (c *Client) MyTrades(ctx context.Context, since time.Time) ([]Trade, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result envelope[[]Trade]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, "/account/trades", "")).
		SetQueryParam("since", since.UTC().Format(time.RFC3339)).
		SetResult(&result).
		Get("/account/trades")
	if err != nil {
		return nil, &types.TransientError{Op: "get trades", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, httpError("get trades", resp)
	}
	if err := decodeErrno("get trades", result.Errno, result.Errmsg); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// MyPositions returns the account's current outcome-token holdings.
func (c *Client) MyPositions(ctx context.Context) ([]Position, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result envelope[[]Position]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, "/account/positions", "")).
		SetResult(&result).
		Get("/account/positions")
	if err != nil {
		return nil, &types.TransientError{Op: "get positions", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, httpError("get positions", resp)
	}
	if err := decodeErrno("get positions", result.Errno, result.Errmsg); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// MyBalances returns quote and gas balances for the custody wallet.
func (c *Client) MyBalances(ctx context.Context) (*Balances, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result envelope[Balances]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, "/account/balances", "")).
		SetResult(&result).
		Get("/account/balances")
	if err != nil {
		return nil, &types.TransientError{Op: "get balances", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, httpError("get balances", resp)
	}
	if err := decodeErrno("get balances", result.Errno, result.Errmsg); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	raw := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodPost, path, raw)).
		SetResult(result)
	if raw != "" {
		req.SetBody(json.RawMessage(raw))
	}
	resp, err := req.Post(path)
	if err != nil {
		return &types.TransientError{Op: "post " + path, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return httpError("post "+path, resp)
	}
	return nil
}

// httpError maps a non-200 response. 5xx are transient (resty already
// retried them), 4xx are final.
func httpError(op string, resp *resty.Response) error {
	err := fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	if resp.StatusCode() >= 500 {
		return &types.TransientError{Op: op, Err: err}
	}
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Price & amount formatting
// ————————————————————————————————————————————————————————————————————————

// FormatPrice renders a price as the venue's decimal string: rounded to
// 3 decimals and clamped to [0.001, 0.999] so rounding never produces a
// boundary value the venue rejects.
func FormatPrice(price float64) string {
	d := decimal.NewFromFloat(price).Round(3)
	min := decimal.NewFromFloat(0.001)
	max := decimal.NewFromFloat(0.999)
	if d.LessThan(min) {
		d = min
	}
	if d.GreaterThan(max) {
		d = max
	}
	return d.StringFixed(3)
}

// FormatAmount rounds a quote amount to the venue's 2-decimal precision.
func FormatAmount(amount float64) float64 {
	f, _ := decimal.NewFromFloat(amount).Round(2).Float64()
	return f
}

// ParsePrice parses a venue decimal-string price. Empty strings return
// (0, false).
func ParsePrice(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}
