package mirror

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/venues/polymarket"
	"github.com/0xfade/mirrorbot/window"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DUAL-VENUE MIRROR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Places the canonical order first, then echoes it on the mirror venue.
// The mirror leg is best effort: any mirror failure is recorded as a skip
// reason on the result and never unwinds the canonical fill.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CanonicalVenue places the primary order
type CanonicalVenue interface {
	PlaceLimit(ctx context.Context, ticker string, side types.Side, count int, priceCents int) (string, error)
}

// MirrorVenue resolves and places the echo order
type MirrorVenue interface {
	GetMarketBySlug(ctx context.Context, slug string) (*polymarket.Market, error)
	PlaceMarketFOK(ctx context.Context, tokenID string, size decimal.Decimal, buy bool, negRisk bool) (string, error)
}

// Skip reasons recorded when the mirror leg does not fire
const (
	SkipDisabled     = "mirror_disabled"
	SkipNoMarketRef  = "no_market_ref"
	SkipSizeTooSmall = "size_too_small"
	SkipNotAccepting = "market_not_accepting"
)

// SlugFor builds the mirror venue's timestamp-based slug for a window,
// e.g. btc-updown-15m-1767707100
func SlugFor(asset string, w window.Window) string {
	return fmt.Sprintf("%s-updown-%s-%d", strings.ToLower(asset), w.Class, w.Start.Unix())
}

// Request is one order to place on both venues
type Request struct {
	Agent      types.Agent
	Asset      string
	Side       types.Side
	Ticker     string // canonical market
	PriceCents int
	Count      int
	MirrorSlug string // mirror market, empty when none was found
	MirrorSize decimal.Decimal
}

// Result reports both legs
type Result struct {
	OrderID       string
	MirrorOrderID string
	SkipReason    string
	SkipErr       error
}

// Mirrored reports whether the echo leg was placed
func (r *Result) Mirrored() bool {
	return r.MirrorOrderID != ""
}

type Mirror struct {
	canonical CanonicalVenue
	mirror    MirrorVenue
	enabled   bool
	minSize   decimal.Decimal
}

// New creates a mirror executor. mirror may be nil when mirroring is disabled.
func New(canonical CanonicalVenue, mirrorVenue MirrorVenue, enabled bool, minSize decimal.Decimal) *Mirror {
	return &Mirror{
		canonical: canonical,
		mirror:    mirrorVenue,
		enabled:   enabled && mirrorVenue != nil,
		minSize:   minSize,
	}
}

// Execute places the canonical order, then the mirror leg
func (m *Mirror) Execute(ctx context.Context, req Request) (*Result, error) {
	orderID, err := m.canonical.PlaceLimit(ctx, req.Ticker, req.Side, req.Count, req.PriceCents)
	if err != nil {
		return nil, fmt.Errorf("canonical order: %w", err)
	}

	res := &Result{OrderID: orderID}
	m.echo(ctx, req, res)
	return res, nil
}

func (m *Mirror) echo(ctx context.Context, req Request, res *Result) {
	switch {
	case !m.enabled:
		res.SkipReason = SkipDisabled
		return
	case req.MirrorSlug == "":
		res.SkipReason = SkipNoMarketRef
		return
	case req.MirrorSize.LessThan(m.minSize):
		res.SkipReason = SkipSizeTooSmall
		return
	}

	market, err := m.mirror.GetMarketBySlug(ctx, req.MirrorSlug)
	if err != nil {
		res.SkipErr = err
		log.Warn().Err(err).
			Str("slug", req.MirrorSlug).
			Str("asset", req.Asset).
			Msg("⚠️ Mirror market lookup failed, canonical leg stands")
		return
	}
	if !market.AcceptingOrders {
		res.SkipReason = SkipNotAccepting
		return
	}

	tokenID := market.TokenFor(req.Side == types.SideYes)
	mirrorID, err := m.mirror.PlaceMarketFOK(ctx, tokenID, req.MirrorSize, true, market.NegRisk)
	if err != nil {
		res.SkipErr = err
		log.Warn().Err(err).
			Str("slug", req.MirrorSlug).
			Str("asset", req.Asset).
			Msg("⚠️ Mirror order failed, canonical leg stands")
		return
	}

	res.MirrorOrderID = mirrorID
	log.Info().
		Str("order_id", res.OrderID).
		Str("mirror_order_id", mirrorID).
		Str("asset", req.Asset).
		Str("side", string(req.Side)).
		Msg("🪞 Order mirrored")
}
