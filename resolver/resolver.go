package resolver

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0xfade/mirrorbot/storage"
	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/venues/kalshi"
	"github.com/0xfade/mirrorbot/venues/polymarket"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESOLVER - Out-of-band outcome resolution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Walks positions with a null outcome and writes the terminal result. Idempotent
// by construction: the store only updates rows whose outcome is still null, so
// overlapping or repeated passes cannot flip a resolved position.
//
// Anything ambiguous resolves to no_fill rather than a guess. Anything not
// final yet is deferred to the next pass.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PositionStore is the slice of storage the resolver needs
type PositionStore interface {
	UnresolvedPositions(limit int) ([]storage.Position, error)
	ResolvePosition(id string, outcome types.Outcome) error
	LogEvent(agent types.Agent, asset string, venue types.Venue, stage, level, message string)
}

// SettlementVenue answers order fill state and oracle results
type SettlementVenue interface {
	GetOrder(ctx context.Context, orderID string) (*kalshi.OrderStatus, error)
	GetSettlement(ctx context.Context, ticker string) (*kalshi.Settlement, error)
}

// MirrorSettlement settles mirror-leg positions off collapsed outcome prices
type MirrorSettlement interface {
	GetMarketBySlug(ctx context.Context, slug string) (*polymarket.Market, error)
}

type Resolver struct {
	store  PositionStore
	venue  SettlementVenue
	mirror MirrorSettlement // nil defers all mirror-leg positions
	grace  time.Duration
	batch  int
	now    func() time.Time
}

func New(store PositionStore, venue SettlementVenue, mirrorVenue MirrorSettlement, grace time.Duration) *Resolver {
	return &Resolver{
		store:  store,
		venue:  venue,
		mirror: mirrorVenue,
		grace:  grace,
		batch:  200,
		now:    time.Now,
	}
}

// Run performs one resolution pass
func (r *Resolver) Run(ctx context.Context) {
	positions, err := r.store.UnresolvedPositions(r.batch)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load unresolved positions")
		return
	}
	if len(positions) == 0 {
		return
	}

	log.Info().Int("count", len(positions)).Msg("🔍 Resolution pass starting")

	resolved := 0
	for i := range positions {
		if ctx.Err() != nil {
			return
		}
		if r.resolveOne(ctx, &positions[i]) {
			resolved++
		}
	}

	log.Info().
		Int("resolved", resolved).
		Int("deferred", len(positions)-resolved).
		Msg("✅ Resolution pass complete")
}

// resolveOne returns true when a terminal outcome was written
func (r *Resolver) resolveOne(ctx context.Context, p *storage.Position) bool {
	if p.OrderID == "" {
		return r.write(p, types.OutcomeNoFill, "no order reference recorded")
	}

	if types.Venue(p.Venue) == types.VenuePolymarket {
		return r.resolveMirrorLeg(ctx, p)
	}

	order, err := r.venue.GetOrder(ctx, p.OrderID)
	if err != nil {
		log.Warn().Err(err).Str("position", p.ID).Msg("⚠️ Order status unavailable, deferring")
		return false
	}
	if order.FilledQty.IsZero() {
		return r.write(p, types.OutcomeNoFill, "order never filled")
	}
	if order.Ticker != "" && p.MarketRef != "" && order.Ticker != p.MarketRef {
		return r.write(p, types.OutcomeNoFill, "order instrument does not match position market")
	}

	// Give the oracle time to finalize before asking
	windowEnd := time.UnixMilli(p.WindowEndMs)
	if r.now().Before(windowEnd.Add(r.grace)) {
		return false
	}

	settlement, err := r.venue.GetSettlement(ctx, p.MarketRef)
	if err != nil {
		log.Warn().Err(err).Str("position", p.ID).Msg("⚠️ Settlement query failed, deferring")
		return false
	}
	if !settlement.Final {
		return false
	}

	side := types.Side(p.Side)
	if side != types.SideYes && side != types.SideNo {
		return r.write(p, types.OutcomeNoFill, "recorded side is not determinable")
	}

	if side == settlement.Result {
		return r.write(p, types.OutcomeWin, "")
	}
	return r.write(p, types.OutcomeLoss, "")
}

// resolveMirrorLeg settles a mirror-venue position. The mirror order was
// fill-or-kill, so a recorded order id implies a full fill; the outcome reads
// off the market's collapsed prices instead of an order/settlement API.
func (r *Resolver) resolveMirrorLeg(ctx context.Context, p *storage.Position) bool {
	if r.mirror == nil {
		return false
	}

	windowEnd := time.UnixMilli(p.WindowEndMs)
	if r.now().Before(windowEnd.Add(r.grace)) {
		return false
	}
	if p.MarketRef == "" {
		return r.write(p, types.OutcomeNoFill, "mirror position has no market reference")
	}

	market, err := r.mirror.GetMarketBySlug(ctx, p.MarketRef)
	if err != nil {
		log.Warn().Err(err).Str("position", p.ID).Msg("⚠️ Mirror market lookup failed, deferring")
		return false
	}

	yesWon, final := market.Winner()
	if !final {
		return false
	}

	side := types.Side(p.Side)
	if side != types.SideYes && side != types.SideNo {
		return r.write(p, types.OutcomeNoFill, "recorded side is not determinable")
	}

	won := (side == types.SideYes) == yesWon
	if won {
		return r.write(p, types.OutcomeWin, "")
	}
	return r.write(p, types.OutcomeLoss, "")
}

func (r *Resolver) write(p *storage.Position, outcome types.Outcome, reason string) bool {
	if err := r.store.ResolvePosition(p.ID, outcome); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("❌ Failed to write outcome")
		return false
	}

	evt := log.Info().
		Str("position", p.ID).
		Str("agent", p.Agent).
		Str("asset", p.Asset).
		Str("outcome", string(outcome))
	if reason != "" {
		evt = evt.Str("reason", reason)
		r.store.LogEvent(types.Agent(p.Agent), p.Asset, types.Venue(p.Venue), "resolve", "info", reason)
	}
	evt.Msg("🏁 Position resolved")
	return true
}
