package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/bot"
	"github.com/0xfade/mirrorbot/config"
	"github.com/0xfade/mirrorbot/feeds"
	"github.com/0xfade/mirrorbot/mirror"
	"github.com/0xfade/mirrorbot/risk"
	"github.com/0xfade/mirrorbot/storage"
	"github.com/0xfade/mirrorbot/strategy"
	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/venues/kalshi"
	"github.com/0xfade/mirrorbot/window"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THRESHOLD ENGINE - b1/b2/b3 tick loop over 15-minute windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// One process runs all three threshold agents over the configured assets.
// Each tick walks assets sequentially; a market-data failure on one asset
// skips only that asset. All cross-process state (blocks, entries, flags)
// goes through the store, read fresh every tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ContractSource looks up the live canonical contract
type ContractSource interface {
	GetCurrentContract(ctx context.Context, asset string, now time.Time, class window.Class) (*kalshi.Contract, error)
}

// OrderExecutor places the dual-venue order pair
type OrderExecutor interface {
	Execute(ctx context.Context, req mirror.Request) (*mirror.Result, error)
}

// StateStore is the slice of the shared store the threshold engine touches
type StateStore interface {
	Flag(key string) bool
	LogEvent(agent types.Agent, asset string, venue types.Venue, stage, level, message string)
	CreatePosition(p *storage.Position) error
	HasEntry(agent types.Agent, asset string, windowEndMs int64) (bool, error)
	ExtendBlock(scope string, untilMs int64) error
	BlockedUntil(scope string) (int64, error)
}

type ThresholdEngine struct {
	cfg       *config.Config
	store     StateStore
	guard     *storage.EntryGuard
	blocks    *risk.Blocks
	prices    feeds.PriceSource
	contracts ContractSource
	executor  OrderExecutor
	notifier  *bot.Notifier
	now       func() time.Time
}

func NewThresholdEngine(cfg *config.Config, store StateStore, prices feeds.PriceSource, contracts ContractSource, executor OrderExecutor, notifier *bot.Notifier) *ThresholdEngine {
	return &ThresholdEngine{
		cfg:       cfg,
		store:     store,
		guard:     storage.NewEntryGuard(store),
		blocks:    risk.NewBlocks(store),
		prices:    prices,
		contracts: contracts,
		executor:  executor,
		notifier:  notifier,
		now:       time.Now,
	}
}

// Run ticks until the context is cancelled
func (e *ThresholdEngine) Run(ctx context.Context) {
	log.Info().
		Strs("assets", e.cfg.Assets).
		Dur("tick", e.cfg.ThresholdTick).
		Msg("🚀 Threshold engine started")

	ticker := time.NewTicker(e.cfg.ThresholdTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("👋 Threshold engine stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every agent on every asset once
func (e *ThresholdEngine) Tick(ctx context.Context) {
	now := e.now()

	if e.store.Flag(storage.ControlEmergencyOff) {
		log.Warn().Msg("🛑 Emergency off, skipping tick")
		return
	}
	if e.store.Flag(storage.ControlPause) {
		log.Debug().Msg("⏸️ Paused, no new entries")
		return
	}

	for _, asset := range e.cfg.Assets {
		e.evaluateAsset(ctx, asset, now)
	}

	e.guard.Prune(now)
}

// evaluateAsset runs all three agents against one asset. Failures here are
// confined to the asset.
func (e *ThresholdEngine) evaluateAsset(ctx context.Context, asset string, now time.Time) {
	w := window.At(now, window.Win15m)
	phase := e.cfg.Phases.PhaseAt(w, now)

	contract, err := e.contracts.GetCurrentContract(ctx, asset, now, window.Win15m)
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("⚠️ Contract lookup failed, skipping asset")
		e.store.LogEvent("", asset, types.VenueKalshi, "contract_lookup", "warn", err.Error())
		return
	}

	ref, err := e.prices.GetPrice(ctx, asset)
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("⚠️ Reference price unavailable, skipping asset")
		e.store.LogEvent("", asset, types.VenueKalshi, "price_feed", "warn", err.Error())
		return
	}

	snap, err := feeds.BuildSnapshot(asset, ref, contract.Strike, contract.QuoteBidPct, now)
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("⚠️ Bad snapshot, skipping asset")
		return
	}

	// The mid agent's observation arms the guard on the narrow agent even
	// when the mid agent itself never enters.
	if phase == window.PhaseMid &&
		strategy.HighSpreadGuardTriggered(snap, e.cfg.HighSpreadGuardPct, e.cfg.SanityCeilingPct) {
		scope := risk.GuardScope(types.AgentNarrow, asset)
		if !e.blocks.Blocked(scope, now) {
			e.blocks.Extend(scope, now, time.Duration(e.cfg.GuardBlockMin)*time.Minute)
			e.store.LogEvent(types.AgentMid, asset, types.VenueKalshi, "high_spread_guard", "info",
				"spread "+snap.SignedSpread.StringFixed(3)+"% armed the late-agent guard")
		}
	}

	for _, agent := range e.cfg.ThresholdAgents {
		e.evaluateAgent(ctx, agent, snap, contract, w, phase, now)
	}
}

func (e *ThresholdEngine) evaluateAgent(ctx context.Context, agent config.ThresholdAgent, snap feeds.Snapshot, contract *kalshi.Contract, w window.Window, phase window.Phase, now time.Time) {
	gates := strategy.Gates{
		AlreadyEntered: e.guard.HasEntered(agent.Agent, snap.Asset, w.EndMs()),
		Blackout:       e.cfg.Blackout.Contains(now),
	}
	// The asset block set by a wide fill silences the other two agents only;
	// the wide agent itself is held to one entry per window by idempotency.
	if agent.Agent != types.AgentWide {
		gates.AssetBlocked = e.blocks.Blocked(risk.AssetScope(snap.Asset), now)
	}
	if agent.Agent == types.AgentNarrow {
		gates.GuardBlocked = e.blocks.Blocked(risk.GuardScope(types.AgentNarrow, snap.Asset), now)
	}

	params := strategy.Params{
		SanityCeilingPct: e.cfg.SanityCeilingPct,
		QuoteFloorPct:    e.cfg.QuoteFloorPct,
		QuoteCeilingPct:  e.cfg.QuoteCeilingPct,
	}

	decision := strategy.DecideThreshold(snap, agent, phase, gates, params)
	if !decision.Enter {
		if notableSkip(decision.Reason) {
			log.Info().
				Str("agent", string(agent.Agent)).
				Str("asset", snap.Asset).
				Str("reason", decision.Reason).
				Msg("⏭️ Entry suppressed")
			e.store.LogEvent(agent.Agent, snap.Asset, types.VenueKalshi, "entry_gate", "info", decision.Reason)
		}
		return
	}

	e.enter(ctx, agent.Agent, decision.Side, snap, contract, w, now)
}

// notableSkip filters the per-tick noise out of the event log. Phase and
// threshold misses fire constantly; suppressions of an otherwise-live signal
// are what operators want to see.
func notableSkip(reason string) bool {
	switch reason {
	case "outside agent phase", "spread below threshold", "spread not sane", "no threshold configured":
		return false
	}
	return true
}

func (e *ThresholdEngine) enter(ctx context.Context, agent types.Agent, side types.Side, snap feeds.Snapshot, contract *kalshi.Contract, w window.Window, now time.Time) {
	priceCents := int(contract.QuoteAskPct.IntPart())
	if priceCents <= 0 || priceCents >= 100 {
		log.Warn().Int("price_cents", priceCents).Str("asset", snap.Asset).Msg("⚠️ Quote outside tradable range")
		return
	}
	count := e.contractCount(priceCents)

	req := mirror.Request{
		Agent:      agent,
		Asset:      snap.Asset,
		Side:       side,
		Ticker:     contract.Ticker,
		PriceCents: priceCents,
		Count:      count,
		MirrorSlug: mirror.SlugFor(snap.Asset, w),
		MirrorSize: e.cfg.PolymarketMinSize,
	}

	res, err := e.executor.Execute(ctx, req)
	if err != nil {
		log.Error().Err(err).
			Str("agent", string(agent)).
			Str("asset", snap.Asset).
			Msg("❌ Order failed")
		e.store.LogEvent(agent, snap.Asset, types.VenueKalshi, "order", "error", err.Error())
		e.notifier.NotifyError("order "+snap.Asset, err)
		return
	}

	// Local mark first so the very next tick sees it, then the store rows
	e.guard.MarkEntered(agent, snap.Asset, w.EndMs())

	entryPrice := decimal.NewFromInt(int64(priceCents)).Shift(-2)
	if err := e.store.CreatePosition(&storage.Position{
		Agent:         string(agent),
		Asset:         snap.Asset,
		Venue:         string(types.VenueKalshi),
		Side:          string(side),
		WindowEndMs:   w.EndMs(),
		SpreadAtEntry: snap.SignedSpread,
		Size:          decimal.NewFromInt(int64(count)),
		MarketRef:     contract.Ticker,
		OrderID:       res.OrderID,
		EntryPrice:    entryPrice,
		EnteredAt:     now,
	}); err != nil {
		log.Error().Err(err).Str("order", res.OrderID).Msg("❌ Failed to persist position")
	}

	if res.Mirrored() {
		if err := e.store.CreatePosition(&storage.Position{
			Agent:         string(agent),
			Asset:         snap.Asset,
			Venue:         string(types.VenuePolymarket),
			Side:          string(side),
			WindowEndMs:   w.EndMs(),
			SpreadAtEntry: snap.SignedSpread,
			Size:          e.cfg.PolymarketMinSize,
			MarketRef:     req.MirrorSlug,
			OrderID:       res.MirrorOrderID,
			EnteredAt:     now,
		}); err != nil {
			log.Error().Err(err).Str("order", res.MirrorOrderID).Msg("❌ Failed to persist mirror position")
		}
	} else if res.SkipErr != nil {
		e.store.LogEvent(agent, snap.Asset, types.VenuePolymarket, "mirror", "warn", res.SkipErr.Error())
	} else if res.SkipReason != "" && res.SkipReason != mirror.SkipDisabled {
		e.store.LogEvent(agent, snap.Asset, types.VenuePolymarket, "mirror", "info", res.SkipReason)
	}

	// A wide-phase fill silences the narrower agents on this asset
	if strategy.BlocksAssetOnFill(agent) {
		e.blocks.Extend(risk.AssetScope(snap.Asset), now, time.Duration(e.cfg.AssetBlockMin)*time.Minute)
	}

	log.Info().
		Str("agent", string(agent)).
		Str("asset", snap.Asset).
		Str("side", string(side)).
		Str("spread", snap.SignedSpread.StringFixed(3)+"%").
		Int("count", count).
		Str("order", res.OrderID).
		Bool("mirrored", res.Mirrored()).
		Msg("🎯 Entered")

	e.notifier.NotifyEntry(agent, snap.Asset, side, snap.SignedSpread, res.Mirrored())
}

// contractCount sizes the order so the notional fits the configured budget
func (e *ThresholdEngine) contractCount(priceCents int) int {
	cost := decimal.NewFromInt(int64(priceCents)).Shift(-2)
	count := int(e.cfg.PositionNotional.Div(cost).IntPart())
	if count < 1 {
		count = 1
	}
	return count
}
