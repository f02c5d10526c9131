package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE REFERENCE FEED - Live spot prices over WebSocket, REST fallback
// ═══════════════════════════════════════════════════════════════════════════════
//
// The engines only ever read the latest cached price; a feed outage surfaces
// as a per-asset GetPrice error on the next tick, never as a crash.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	binanceWSURL   = "wss://stream.binance.com:9443/stream"
	binanceRESTURL = "https://api.binance.com/api/v3/ticker/price"

	priceStaleAfter = 15 * time.Second
)

// PriceSource is the reference price capability injected into the engines
type PriceSource interface {
	GetPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// BinanceFeed streams miniTicker prices for a set of assets
type BinanceFeed struct {
	mu      sync.RWMutex
	assets  []string
	prices  map[string]cachedPrice // "BTC" -> latest
	running bool
	stopCh  chan struct{}

	httpClient *http.Client
}

// NewBinanceFeed creates a feed for the given assets (e.g. BTC, ETH, SOL)
func NewBinanceFeed(assets []string) *BinanceFeed {
	return &BinanceFeed{
		assets:     assets,
		prices:     make(map[string]cachedPrice),
		stopCh:     make(chan struct{}),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start opens the WebSocket stream and keeps it alive
func (f *BinanceFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.runWebSocket()
	log.Info().Strs("assets", f.assets).Msg("📈 Binance feed started")
}

// Stop closes the stream
func (f *BinanceFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	log.Info().Msg("Binance feed stopped")
}

// GetPrice returns the latest price for an asset. A stale or missing cache
// entry falls back to one REST lookup so a brief WS outage does not blind a
// whole tick.
func (f *BinanceFeed) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.RLock()
	cached, ok := f.prices[asset]
	f.mu.RUnlock()

	if ok && time.Since(cached.at) < priceStaleAfter {
		return cached.price, nil
	}

	price, err := f.fetchREST(ctx, asset)
	if err != nil {
		if ok {
			return decimal.Zero, fmt.Errorf("stale price for %s (age %s): %w", asset, time.Since(cached.at).Round(time.Second), err)
		}
		return decimal.Zero, fmt.Errorf("no price for %s: %w", asset, err)
	}

	f.store(asset, price)
	return price, nil
}

func (f *BinanceFeed) store(asset string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[asset] = cachedPrice{price: price, at: time.Now()}
	f.mu.Unlock()
}

func (f *BinanceFeed) isRunning() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.running
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET
// ═══════════════════════════════════════════════════════════════════════════════

func (f *BinanceFeed) runWebSocket() {
	for f.isRunning() {
		if err := f.streamOnce(); err != nil {
			log.Warn().Err(err).Msg("Binance stream dropped, reconnecting")
		}
		select {
		case <-f.stopCh:
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *BinanceFeed) streamOnce() error {
	streams := make([]string, 0, len(f.assets))
	for _, a := range f.assets {
		streams = append(streams, strings.ToLower(a)+"usdt@miniTicker")
	}
	url := fmt.Sprintf("%s?streams=%s", binanceWSURL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	log.Info().Int("streams", len(streams)).Msg("🔌 Binance WebSocket connected")

	done := make(chan struct{})
	go func() {
		select {
		case <-f.stopCh:
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !f.isRunning() {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		f.handleMessage(message)
	}
}

func (f *BinanceFeed) handleMessage(data []byte) {
	var frame struct {
		Data struct {
			Symbol string `json:"s"`
			Close  string `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	symbol := frame.Data.Symbol
	if !strings.HasSuffix(symbol, "USDT") {
		return
	}
	price, err := decimal.NewFromString(frame.Data.Close)
	if err != nil || price.IsZero() {
		return
	}

	f.store(strings.TrimSuffix(symbol, "USDT"), price)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REST FALLBACK
// ═══════════════════════════════════════════════════════════════════════════════

func (f *BinanceFeed) fetchREST(ctx context.Context, asset string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s?symbol=%sUSDT", binanceRESTURL, strings.ToUpper(asset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}

	return decimal.NewFromString(result.Price)
}
