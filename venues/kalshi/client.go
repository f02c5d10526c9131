package kalshi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/window"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KALSHI CLIENT - Canonical venue
// ═══════════════════════════════════════════════════════════════════════════════
//
// Contract lookup, limit orders, order status and settlement queries for the
// short-window price markets. The engine consumes this through the small
// interfaces defined where it is injected; only the constructors live here.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Contract is the live short-window market for an asset
type Contract struct {
	Ticker      string
	Asset       string
	Strike      decimal.Decimal
	QuoteBidPct decimal.Decimal // best yes bid, 0-100
	QuoteAskPct decimal.Decimal
	WindowEnd   time.Time
}

// OrderStatus is the fill state of a placed order
type OrderStatus struct {
	OrderID   string
	FilledQty decimal.Decimal
	Ticker    string
}

// Settlement is the oracle result for a market
type Settlement struct {
	Final  bool
	Result types.Side // meaningful only when Final
}

type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	dryRun     bool
	httpClient *http.Client
}

// NewClient creates a Kalshi REST client
func NewClient(baseURL, apiKey, apiSecret string, dryRun bool) *Client {
	mode := "LIVE"
	if dryRun {
		mode = "DRY RUN"
	}
	log.Info().Str("mode", mode).Msg("🏛️ Kalshi client initialized")

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		dryRun:     dryRun,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA
// ═══════════════════════════════════════════════════════════════════════════════

// tickerFor builds the series ticker for an asset's window, e.g.
// KXBTCD-26MAR0112H15 for the BTC window closing 12:15.
func tickerFor(asset string, w window.Window) string {
	end := w.End.UTC()
	return fmt.Sprintf("KX%sD-%02d%s%02d%02dH%02d",
		strings.ToUpper(asset),
		end.Year()%100, strings.ToUpper(end.Month().String()[:3]), end.Day(),
		end.Hour(), end.Minute())
}

// GetCurrentContract returns the live contract for the asset's current window
func (c *Client) GetCurrentContract(ctx context.Context, asset string, now time.Time, class window.Class) (*Contract, error) {
	w := window.At(now, class)
	ticker := tickerFor(asset, w)

	body, err := c.get(ctx, "/markets/"+ticker)
	if err != nil {
		return nil, fmt.Errorf("contract lookup %s: %w", ticker, err)
	}

	var resp struct {
		Market struct {
			Ticker      string  `json:"ticker"`
			FloorStrike float64 `json:"floor_strike"`
			YesBid      int     `json:"yes_bid"`
			YesAsk      int     `json:"yes_ask"`
			CloseTime   string  `json:"close_time"`
			Status      string  `json:"status"`
		} `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("contract lookup %s: %w", ticker, err)
	}
	if resp.Market.Ticker == "" || resp.Market.Status != "active" {
		return nil, fmt.Errorf("no active contract for %s", ticker)
	}

	return &Contract{
		Ticker:      resp.Market.Ticker,
		Asset:       asset,
		Strike:      decimal.NewFromFloat(resp.Market.FloorStrike),
		QuoteBidPct: decimal.NewFromInt(int64(resp.Market.YesBid)),
		QuoteAskPct: decimal.NewFromInt(int64(resp.Market.YesAsk)),
		WindowEnd:   w.End,
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

// PlaceLimit places a limit order for count contracts at priceCents
func (c *Client) PlaceLimit(ctx context.Context, ticker string, side types.Side, count int, priceCents int) (string, error) {
	if c.dryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("ticker", ticker).
			Str("side", string(side)).
			Int("count", count).
			Int("price_cents", priceCents).
			Msg("📝 DRY RUN: Kalshi limit order")
		return orderID, nil
	}

	payload := map[string]any{
		"ticker":    ticker,
		"action":    "buy",
		"side":      string(side),
		"count":     count,
		"type":      "limit",
		"yes_price": priceCents,
	}
	if side == types.SideNo {
		delete(payload, "yes_price")
		payload["no_price"] = 100 - priceCents
	}

	body, err := c.post(ctx, "/portfolio/orders", payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		Order struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	if resp.Order.OrderID == "" {
		return "", fmt.Errorf("order rejected: %s", string(body))
	}

	log.Info().
		Str("order_id", resp.Order.OrderID).
		Str("ticker", ticker).
		Str("status", resp.Order.Status).
		Msg("✅ Kalshi order placed")

	return resp.Order.OrderID, nil
}

// GetOrder returns the fill state of an order
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	if c.dryRun && strings.HasPrefix(orderID, "DRY_") {
		return &OrderStatus{OrderID: orderID, FilledQty: decimal.NewFromInt(1)}, nil
	}

	body, err := c.get(ctx, "/portfolio/orders/"+orderID)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Order struct {
			OrderID     string `json:"order_id"`
			Ticker      string `json:"ticker"`
			FilledCount int    `json:"filled_count"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}

	return &OrderStatus{
		OrderID:   resp.Order.OrderID,
		Ticker:    resp.Order.Ticker,
		FilledQty: decimal.NewFromInt(int64(resp.Order.FilledCount)),
	}, nil
}

// GetSettlement returns the oracle result for a market once it is final
func (c *Client) GetSettlement(ctx context.Context, ticker string) (*Settlement, error) {
	body, err := c.get(ctx, "/markets/"+ticker)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Market struct {
			Status string `json:"status"`
			Result string `json:"result"`
		} `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse settlement: %w", err)
	}

	if resp.Market.Status != "finalized" && resp.Market.Status != "settled" {
		return &Settlement{Final: false}, nil
	}

	switch resp.Market.Result {
	case "yes":
		return &Settlement{Final: true, Result: types.SideYes}, nil
	case "no":
		return &Settlement{Final: true, Result: types.SideNo}, nil
	default:
		return nil, fmt.Errorf("finalized market %s has unknown result %q", ticker, resp.Market.Result)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP + SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.sign(req, nil)
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, body)
	return c.do(req)
}

// sign sets the timestamped HMAC headers over method + path + body
func (c *Client) sign(req *http.Request, body []byte) {
	if c.apiKey == "" {
		return
	}
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	message := timestamp + req.Method + req.URL.Path
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(message))
	mac.Write(body)

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKey)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
