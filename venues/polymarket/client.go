package polymarket

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET CLIENT - Mirror venue
// ═══════════════════════════════════════════════════════════════════════════════
//
// Market lookup via the Gamma API and FOK order placement via the CLOB.
// Each client owns its own http.Transport so a proxy configured for one
// client never leaks into another process's connections.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	gammaAPI = "https://gamma-api.polymarket.com"
	clobAPI  = "https://clob.polymarket.com"
)

// Market is a resolved mirror market for a slug
type Market struct {
	Slug            string
	ConditionID     string
	YesTokenID      string
	NoTokenID       string
	YesPrice        decimal.Decimal
	NoPrice         decimal.Decimal
	NegRisk         bool
	TickSize        decimal.Decimal
	AcceptingOrders bool
}

// TokenFor returns the token id backing a side
func (m *Market) TokenFor(yes bool) string {
	if yes {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// Winner returns the settled side once the outcome prices have collapsed to
// their terminal values. ok is false while the market is still live.
func (m *Market) Winner() (yesWon bool, ok bool) {
	one := decimal.NewFromFloat(0.99)
	zero := decimal.NewFromFloat(0.01)
	switch {
	case m.YesPrice.GreaterThanOrEqual(one) && m.NoPrice.LessThanOrEqual(zero):
		return true, true
	case m.NoPrice.GreaterThanOrEqual(one) && m.YesPrice.LessThanOrEqual(zero):
		return false, true
	}
	return false, false
}

type Client struct {
	gammaURL   string
	clobURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
	dryRun     bool
	httpClient *http.Client
}

// Credentials carries the keys a live client needs
type Credentials struct {
	PrivateKeyHex string
	APIKey        string
	APISecret     string
	Passphrase    string
}

// NewClient creates a Polymarket client. clobURL falls back to the public
// CLOB endpoint when empty; proxyURL, when non-empty, is bound to this
// client's transport only.
func NewClient(creds Credentials, clobURL, proxyURL string, dryRun bool) (*Client, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	if clobURL == "" {
		clobURL = clobAPI
	}

	client := &Client{
		gammaURL:   gammaAPI,
		clobURL:    strings.TrimRight(clobURL, "/"),
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		passphrase: creds.Passphrase,
		dryRun:     dryRun,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}

	if creds.PrivateKeyHex != "" {
		pk, err := crypto.HexToECDSA(creds.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	mode := "LIVE"
	if dryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Bool("proxied", proxyURL != "").
		Msg("🪞 Polymarket client initialized")

	return client, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET LOOKUP
// ═══════════════════════════════════════════════════════════════════════════════

// GetMarketBySlug resolves a market slug into token ids and prices
func (c *Client) GetMarketBySlug(ctx context.Context, slug string) (*Market, error) {
	body, err := c.get(ctx, c.gammaURL, "/markets?slug="+url.QueryEscape(slug))
	if err != nil {
		return nil, fmt.Errorf("market lookup %s: %w", slug, err)
	}

	var raw []struct {
		Slug                  string  `json:"slug"`
		ConditionID           string  `json:"conditionId"`
		ClobTokenIDs          string  `json:"clobTokenIds"`
		OutcomePrices         string  `json:"outcomePrices"`
		NegRisk               bool    `json:"negRisk"`
		OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
		AcceptingOrders       bool    `json:"acceptingOrders"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("market lookup %s: %w", slug, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no market for slug %s", slug)
	}
	m := raw[0]

	// Gamma double-encodes the token and price arrays as JSON strings
	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil || len(tokenIDs) < 2 {
		return nil, fmt.Errorf("market %s: bad token ids", slug)
	}
	var prices []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err != nil || len(prices) < 2 {
		return nil, fmt.Errorf("market %s: bad outcome prices", slug)
	}
	yesPrice, err := decimal.NewFromString(prices[0])
	if err != nil {
		return nil, fmt.Errorf("market %s: bad yes price %q", slug, prices[0])
	}
	noPrice, err := decimal.NewFromString(prices[1])
	if err != nil {
		return nil, fmt.Errorf("market %s: bad no price %q", slug, prices[1])
	}

	tick := decimal.NewFromFloat(m.OrderPriceMinTickSize)
	if tick.IsZero() {
		tick = decimal.NewFromFloat(0.01)
	}

	return &Market{
		Slug:            m.Slug,
		ConditionID:     m.ConditionID,
		YesTokenID:      tokenIDs[0],
		NoTokenID:       tokenIDs[1],
		YesPrice:        yesPrice,
		NoPrice:         noPrice,
		NegRisk:         m.NegRisk,
		TickSize:        tick,
		AcceptingOrders: m.AcceptingOrders,
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

// PlaceMarketFOK places a fill-or-kill market order for size shares of tokenID
func (c *Client) PlaceMarketFOK(ctx context.Context, tokenID string, size decimal.Decimal, buy bool, negRisk bool) (string, error) {
	side := "SELL"
	if buy {
		side = "BUY"
	}

	if c.dryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("token", shortToken(tokenID)).
			Str("side", side).
			Str("size", size.StringFixed(2)).
			Msg("📝 DRY RUN: FOK order")
		return orderID, nil
	}

	order := map[string]any{
		"tokenID":       tokenID,
		"size":          size.String(),
		"side":          side,
		"orderType":     "FOK",
		"negRisk":       negRisk,
		"nonce":         time.Now().UnixNano(),
		"feeRateBps":    "0",
		"signatureType": 2,
	}

	signature, err := c.signOrder(order)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = signature

	body, err := c.post(ctx, c.clobURL, "/order", order)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("API error: %s", result.Error)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Str("side", side).
		Msg("✅ FOK order placed")

	return result.OrderID, nil
}

// GetBalance returns the available USDC balance
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(100), nil
	}

	body, err := c.get(ctx, c.clobURL, "/balance-allowance?asset_type=COLLATERAL")
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad balance %q", result.Balance)
	}
	// Balance comes back in raw USDC units (6 decimals)
	return balance.Shift(-6), nil
}

// GetTokenBalance returns the share balance held for one outcome token.
// This is the authoritative filled quantity after a FOK order.
func (c *Client) GetTokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(10), nil
	}

	body, err := c.get(ctx, c.clobURL, "/balance-allowance?asset_type=CONDITIONAL&token_id="+url.QueryEscape(tokenID))
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad token balance %q", result.Balance)
	}
	return balance.Shift(-6), nil
}

func shortToken(tokenID string) string {
	if len(tokenID) <= 16 {
		return tokenID
	}
	return tokenID[:16] + "..."
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP + SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, base, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.do(req)
}

func (c *Client) post(ctx context.Context, base, path string, payload any) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.do(req)
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	message := timestamp + req.Method + req.URL.Path
	hash := crypto.Keccak256([]byte(message + c.apiSecret))
	req.Header.Set("POLY_SIGNATURE", hexutil.Encode(hash))
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

func (c *Client) signOrder(order map[string]any) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, err := json.Marshal(order)
	if err != nil {
		return "", err
	}
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}
