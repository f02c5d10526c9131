package kalshi

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/window"
)

func TestTickerFor(t *testing.T) {
	tests := []struct {
		asset string
		end   time.Time
		class window.Class
		want  string
	}{
		{"BTC", time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), window.Win15m, "KXBTCD-26MAR0112H15"},
		{"eth", time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), window.Win15m, "KXETHD-26MAR0112H15"},
		{"BTC", time.Date(2026, 12, 31, 23, 55, 0, 0, time.UTC), window.Win5m, "KXBTCD-26DEC3123H55"},
		{"SOL", time.Date(2026, 1, 5, 0, 5, 0, 0, time.UTC), window.Win5m, "KXSOLD-26JAN0500H05"},
	}
	for _, tt := range tests {
		w := window.Window{Start: tt.end.Add(-15 * time.Minute), End: tt.end, Class: tt.class}
		if got := tickerFor(tt.asset, w); got != tt.want {
			t.Fatalf("tickerFor(%s, %v) = %s, want %s", tt.asset, tt.end, got, tt.want)
		}
	}
}

func TestPlaceLimitDryRun(t *testing.T) {
	c := NewClient("https://example.invalid", "", "", true)

	id, err := c.PlaceLimit(context.Background(), "KXBTCD-26MAR0112H15", types.SideYes, 3, 62)
	if err != nil {
		t.Fatalf("dry run order failed: %v", err)
	}
	if !strings.HasPrefix(id, "DRY_") {
		t.Fatalf("dry run order id = %s, want DRY_ prefix", id)
	}

	st, err := c.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("dry run order status failed: %v", err)
	}
	if st.FilledQty.IsZero() {
		t.Fatalf("dry run order should report a fill")
	}
}

func TestSignSetsHeaders(t *testing.T) {
	c := NewClient("https://example.invalid", "key-1", "secret-1", false)

	req, err := http.NewRequest(http.MethodGet, "https://example.invalid/markets/KXBTCD-26MAR0112H15", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.sign(req, nil)

	for _, h := range []string{"KALSHI-ACCESS-KEY", "KALSHI-ACCESS-TIMESTAMP", "KALSHI-ACCESS-SIGNATURE"} {
		if req.Header.Get(h) == "" {
			t.Fatalf("header %s not set", h)
		}
	}
	if got := req.Header.Get("KALSHI-ACCESS-KEY"); got != "key-1" {
		t.Fatalf("access key header = %s", got)
	}
}

func TestSignSkippedWithoutCredentials(t *testing.T) {
	c := NewClient("https://example.invalid", "", "", true)

	req, err := http.NewRequest(http.MethodGet, "https://example.invalid/markets/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.sign(req, nil)

	if req.Header.Get("KALSHI-ACCESS-SIGNATURE") != "" {
		t.Fatalf("unauthenticated client should not sign")
	}
}
