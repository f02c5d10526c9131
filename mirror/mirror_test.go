package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/venues/polymarket"
)

type fakeCanonical struct {
	orderID string
	err     error
	calls   int
}

func (f *fakeCanonical) PlaceLimit(_ context.Context, _ string, _ types.Side, _ int, _ int) (string, error) {
	f.calls++
	return f.orderID, f.err
}

type fakeMirror struct {
	market    *polymarket.Market
	lookupErr error
	orderID   string
	orderErr  error

	placedToken string
	placedSize  decimal.Decimal
	placedCalls int
}

func (f *fakeMirror) GetMarketBySlug(_ context.Context, _ string) (*polymarket.Market, error) {
	return f.market, f.lookupErr
}

func (f *fakeMirror) PlaceMarketFOK(_ context.Context, tokenID string, size decimal.Decimal, _ bool, _ bool) (string, error) {
	f.placedCalls++
	f.placedToken = tokenID
	f.placedSize = size
	return f.orderID, f.orderErr
}

func activeMarket() *polymarket.Market {
	return &polymarket.Market{
		Slug:            "btc-updown-1215",
		YesTokenID:      "tok-yes",
		NoTokenID:       "tok-no",
		TickSize:        decimal.NewFromFloat(0.01),
		AcceptingOrders: true,
	}
}

func baseRequest() Request {
	return Request{
		Agent:      types.AgentWide,
		Asset:      "BTC",
		Side:       types.SideYes,
		Ticker:     "KXBTCD-26AUG3012H15",
		PriceCents: 60,
		Count:      2,
		MirrorSlug: "btc-updown-1215",
		MirrorSize: decimal.NewFromInt(5),
	}
}

func TestExecuteMirrorsBothLegs(t *testing.T) {
	canonical := &fakeCanonical{orderID: "K1"}
	echo := &fakeMirror{market: activeMarket(), orderID: "P1"}
	m := New(canonical, echo, true, decimal.NewFromInt(1))

	res, err := m.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OrderID != "K1" {
		t.Fatalf("canonical order id = %q, want K1", res.OrderID)
	}
	if !res.Mirrored() || res.MirrorOrderID != "P1" {
		t.Fatalf("mirror leg not placed: %+v", res)
	}
	if echo.placedToken != "tok-yes" {
		t.Fatalf("yes side should map to yes token, got %q", echo.placedToken)
	}
}

func TestExecuteNoSideUsesNoToken(t *testing.T) {
	echo := &fakeMirror{market: activeMarket(), orderID: "P1"}
	m := New(&fakeCanonical{orderID: "K1"}, echo, true, decimal.NewFromInt(1))

	req := baseRequest()
	req.Side = types.SideNo
	if _, err := m.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if echo.placedToken != "tok-no" {
		t.Fatalf("no side should map to no token, got %q", echo.placedToken)
	}
}

func TestCanonicalFailureSkipsMirror(t *testing.T) {
	echo := &fakeMirror{market: activeMarket(), orderID: "P1"}
	m := New(&fakeCanonical{err: errors.New("rejected")}, echo, true, decimal.NewFromInt(1))

	if _, err := m.Execute(context.Background(), baseRequest()); err == nil {
		t.Fatal("want error when canonical leg fails")
	}
	if echo.placedCalls != 0 {
		t.Fatal("mirror leg must not fire when canonical leg failed")
	}
}

func TestMirrorFailureDoesNotRollBackCanonical(t *testing.T) {
	tests := []struct {
		name string
		echo *fakeMirror
	}{
		{"lookup error", &fakeMirror{lookupErr: errors.New("timeout")}},
		{"order error", &fakeMirror{market: activeMarket(), orderErr: errors.New("FOK killed")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&fakeCanonical{orderID: "K1"}, tt.echo, true, decimal.NewFromInt(1))
			res, err := m.Execute(context.Background(), baseRequest())
			if err != nil {
				t.Fatalf("canonical leg must succeed: %v", err)
			}
			if res.OrderID != "K1" {
				t.Fatalf("canonical order id lost: %+v", res)
			}
			if res.Mirrored() {
				t.Fatal("mirror leg should not have been recorded")
			}
			if res.SkipErr == nil {
				t.Fatal("mirror failure should be recorded on the result")
			}
		})
	}
}

func TestSkipReasons(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Request)
		enabled  bool
		market   *polymarket.Market
		wantSkip string
	}{
		{"disabled", func(r *Request) {}, false, activeMarket(), SkipDisabled},
		{"no market ref", func(r *Request) { r.MirrorSlug = "" }, true, activeMarket(), SkipNoMarketRef},
		{"size too small", func(r *Request) { r.MirrorSize = decimal.NewFromFloat(0.5) }, true, activeMarket(), SkipSizeTooSmall},
		{"not accepting", func(r *Request) {}, true, func() *polymarket.Market {
			m := activeMarket()
			m.AcceptingOrders = false
			return m
		}(), SkipNotAccepting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			echo := &fakeMirror{market: tt.market, orderID: "P1"}
			m := New(&fakeCanonical{orderID: "K1"}, echo, tt.enabled, decimal.NewFromInt(1))

			req := baseRequest()
			tt.mutate(&req)
			res, err := m.Execute(context.Background(), req)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.SkipReason != tt.wantSkip {
				t.Fatalf("skip reason = %q, want %q", res.SkipReason, tt.wantSkip)
			}
			if res.OrderID != "K1" {
				t.Fatal("canonical leg must always stand")
			}
		})
	}
}

func TestNilMirrorVenueActsDisabled(t *testing.T) {
	m := New(&fakeCanonical{orderID: "K1"}, nil, true, decimal.NewFromInt(1))
	res, err := m.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.SkipReason != SkipDisabled {
		t.Fatalf("skip reason = %q, want %q", res.SkipReason, SkipDisabled)
	}
}
