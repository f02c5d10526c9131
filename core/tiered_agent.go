package core

import (
	"context"
	"encoding/json"
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
	"github.com/0xfade/mirrorbot/venues/polymarket"
	"github.com/0xfade/mirrorbot/window"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TIERED ENGINE - b4 momentum/spread-tier loop over 5-minute windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// At most one open position at a time. The position record is persisted every
// time it changes, so a restart resumes management of whatever was open.
// Pause suppresses new entries only; an open position keeps its TP/SL and
// forced-exit management until it is closed or its window ends.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MirrorMarketSource is the mirror venue surface the tiered engine trades on
type MirrorMarketSource interface {
	GetMarketBySlug(ctx context.Context, slug string) (*polymarket.Market, error)
	PlaceMarketFOK(ctx context.Context, tokenID string, size decimal.Decimal, buy bool, negRisk bool) (string, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetTokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// TieredStore extends the threshold engine's store surface with the rows the
// tiered agent owns
type TieredStore interface {
	StateStore
	CloseTieredPosition(id string, exitPrice, pnl, bankrollAfter decimal.Decimal) error
	SaveOpenPosition(botID, data string) error
	LoadOpenPosition(botID string) (string, error)
	ClearOpenPosition(botID string) error
	SaveBankroll(row *storage.BankrollRow) error
	LoadBankroll(botID string) (*storage.BankrollRow, error)
}

// assetTrack is the per-asset rolling state feeding entry evaluation
type assetTrack struct {
	momentum    *feeds.MomentumTracker
	windowEndMs int64
	openRef     decimal.Decimal // reference price at window open
	trades      int
}

type TieredEngine struct {
	cfg      *config.Config
	store    TieredStore
	blocks   *risk.Blocks
	bankroll *risk.Bankroll
	guard    *storage.EntryGuard
	prices   feeds.PriceSource
	venue    MirrorMarketSource
	notifier *bot.Notifier
	now      func() time.Time

	botID       types.Agent
	tracks      map[string]*assetTrack
	state       strategy.State
	pendingExit strategy.ExitReason // set while state is StateExiting
	open        *strategy.OpenPosition
}

func NewTieredEngine(cfg *config.Config, store TieredStore, prices feeds.PriceSource, venue MirrorMarketSource, notifier *bot.Notifier) (*TieredEngine, error) {
	now := time.Now()

	tierSnapshot, err := json.Marshal(cfg.TierTables)
	if err != nil {
		return nil, err
	}

	bankroll, err := risk.LoadBankroll(store, cfg.BotID,
		cfg.PositionNotional.Mul(decimal.NewFromInt(40)), string(tierSnapshot), now)
	if err != nil {
		return nil, err
	}

	e := &TieredEngine{
		cfg:      cfg,
		store:    store,
		blocks:   risk.NewBlocks(store),
		bankroll: bankroll,
		guard:    storage.NewEntryGuard(store),
		prices:   prices,
		venue:    venue,
		notifier: notifier,
		now:      time.Now,
		botID:    types.Agent(cfg.BotID),
		tracks:   make(map[string]*assetTrack),
		state:    strategy.StateIdle,
	}

	for _, asset := range cfg.Assets {
		e.tracks[asset] = &assetTrack{momentum: feeds.NewMomentumTracker(5 * time.Minute)}
	}

	e.recover()
	return e, nil
}

// recover reloads a persisted open position, discarding anything that fails
// validation rather than resuming on bad state
func (e *TieredEngine) recover() {
	data, err := e.store.LoadOpenPosition(e.cfg.BotID)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Open-position recovery read failed, starting idle")
		return
	}
	if data == "" {
		return
	}

	var pos strategy.OpenPosition
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		log.Warn().Err(err).Msg("⚠️ Discarding unreadable open-position record")
		e.discardOpen()
		return
	}
	if err := pos.Validate(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Discarding invalid open-position record")
		e.discardOpen()
		return
	}
	if time.UnixMilli(pos.WindowEndMs).Before(e.now()) {
		log.Info().Str("position", pos.PositionID).Msg("Open position's window already closed, leaving it to resolution")
		e.discardOpen()
		return
	}

	e.open = &pos
	e.state = strategy.StateOpen
	log.Info().
		Str("position", pos.PositionID).
		Str("asset", pos.Asset).
		Str("side", string(pos.Side)).
		Str("entry_ref", pos.EntryRef.StringFixed(3)).
		Msg("♻️ Resumed open position")
}

func (e *TieredEngine) discardOpen() {
	if err := e.store.ClearOpenPosition(e.cfg.BotID); err != nil {
		log.Warn().Err(err).Msg("Failed to clear open-position record")
	}
}

// Run ticks until the context is cancelled, then attempts one best-effort
// close of any open position
func (e *TieredEngine) Run(ctx context.Context) {
	log.Info().
		Str("bot", e.cfg.BotID).
		Strs("assets", e.cfg.Assets).
		Bool("hold_to_end", e.cfg.HoldToResolution).
		Msg("🚀 Tiered engine started")

	ticker := time.NewTicker(e.cfg.TieredTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick advances the state machine one step
func (e *TieredEngine) Tick(ctx context.Context) {
	now := e.now()
	e.bankroll.Rollover(now)

	e.observe(ctx, now)

	if e.open != nil {
		e.manageOpen(ctx, now)
		return
	}

	if e.store.Flag(storage.ControlEmergencyOff) || e.store.Flag(storage.ControlPause) {
		return
	}
	if e.cfg.Blackout.Contains(now) {
		return
	}

	e.scanForEntry(ctx, now)
	e.guard.Prune(now)
}

// observe feeds the momentum trackers and rolls per-asset window state
func (e *TieredEngine) observe(ctx context.Context, now time.Time) {
	w := window.At(now, window.Win5m)

	for _, asset := range e.cfg.Assets {
		track := e.tracks[asset]

		price, err := e.prices.GetPrice(ctx, asset)
		if err != nil {
			log.Debug().Err(err).Str("asset", asset).Msg("Price unavailable this tick")
			continue
		}
		track.momentum.Record(price, now)

		if track.windowEndMs != w.EndMs() {
			track.windowEndMs = w.EndMs()
			track.openRef = price
			track.trades = 0
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ═══════════════════════════════════════════════════════════════════════════════

func (e *TieredEngine) scanForEntry(ctx context.Context, now time.Time) {
	w := window.At(now, window.Win5m)

	for _, asset := range e.cfg.Assets {
		track := e.tracks[asset]
		if track.openRef.IsZero() {
			continue
		}
		tiers := e.cfg.TierTables[asset]
		if len(tiers) == 0 {
			continue
		}
		if e.guard.HasEntered(e.botID, asset, w.EndMs()) {
			continue
		}
		if e.blocks.Blocked(risk.GuardScope(e.botID, asset), now) {
			continue
		}

		price, err := e.prices.GetPrice(ctx, asset)
		if err != nil {
			continue
		}
		spreadFromOpen := price.Sub(track.openRef).Div(track.openRef).Mul(decimal.NewFromInt(100))

		// A spike before the widest tier's entry offset means the window is
		// already decided; cool the asset down instead of chasing it.
		if strategy.EarlyGuardTriggered(spreadFromOpen, w.Elapsed(now), tiers, e.cfg.EarlyGuardPct) {
			e.blocks.Extend(risk.GuardScope(e.botID, asset), now,
				time.Duration(e.cfg.EarlyGuardCooldownMin)*time.Minute)
			e.store.LogEvent(e.botID, asset, types.VenuePolymarket, "early_guard", "info",
				"spread "+spreadFromOpen.StringFixed(3)+"% before first tier offset")
			continue
		}

		momentum, momentumOK := track.momentum.ChangePct(time.Minute, now)

		signal := strategy.EvaluateEntry(strategy.EntryInputs{
			MomentumPct:    momentum,
			MomentumOK:     momentumOK,
			SpreadFromOpen: spreadFromOpen,
			Elapsed:        w.Elapsed(now),
			TierBlocked: func(idx int) bool {
				return e.blocks.Blocked(risk.TierScope(e.botID, idx), now)
			},
			TradesThisWindow: track.trades,
			Remaining:        w.Remaining(now),
			CanAfford:        e.bankroll.CanAfford(e.cfg.PositionNotional, now),
		}, strategy.EntryParams{
			Tiers:                tiers,
			MomentumThresholdPct: e.cfg.MomentumThresholdPct,
			MaxTradesPerWindow:   e.cfg.MaxTradesPerWindow,
			MinEntryLead:         e.cfg.MinEntryLead,
			SanityCeilingPct:     e.cfg.SanityCeilingPct,
		})
		if signal == nil {
			continue
		}

		if e.enter(ctx, asset, w, signal, spreadFromOpen, now) {
			return // one position at a time
		}
	}
}

// enter places the FOK order and opens the position. Returns true when a
// position was opened.
func (e *TieredEngine) enter(ctx context.Context, asset string, w window.Window, signal *strategy.EntrySignal, spread decimal.Decimal, now time.Time) bool {
	slug := mirror.SlugFor(asset, w)

	market, err := e.venue.GetMarketBySlug(ctx, slug)
	if err != nil {
		log.Warn().Err(err).Str("slug", slug).Msg("⚠️ Market lookup failed")
		e.store.LogEvent(e.botID, asset, types.VenuePolymarket, "market_lookup", "warn", err.Error())
		return false
	}
	if !market.AcceptingOrders {
		return false
	}

	// The P&L baseline is the side's mid at entry, not the fill price
	mid := market.YesPrice
	if signal.Side == types.SideNo {
		mid = market.NoPrice
	}
	if !mid.IsPositive() || mid.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		log.Debug().Str("mid", mid.String()).Str("slug", slug).Msg("Mid outside (0,1), skipping")
		return false
	}

	// The tier's limit price caps what an entry may pay for the side
	if signal.TierIdx >= 0 {
		if limit := e.cfg.TierTables[asset][signal.TierIdx].LimitPrice; limit.IsPositive() && mid.GreaterThan(limit) {
			log.Info().
				Str("asset", asset).
				Str("mid", mid.StringFixed(3)).
				Str("limit", limit.StringFixed(3)).
				Msg("⏭️ Mid above the tier's limit price")
			e.store.LogEvent(e.botID, asset, types.VenuePolymarket, "entry_gate", "info",
				"mid "+mid.StringFixed(3)+" above tier limit "+limit.StringFixed(3))
			return false
		}
	}

	// Bankroll is the risk ledger; the venue's collateral is what actually
	// funds the order. A read failure does not gate the entry.
	if collateral, err := e.venue.GetBalance(ctx); err == nil && collateral.LessThan(e.cfg.PositionNotional) {
		log.Warn().
			Str("collateral", collateral.StringFixed(2)).
			Str("notional", e.cfg.PositionNotional.StringFixed(2)).
			Msg("⚠️ Venue collateral below notional, skipping entry")
		e.store.LogEvent(e.botID, asset, types.VenuePolymarket, "entry_gate", "warn", "insufficient venue collateral")
		return false
	}

	tokenID := market.TokenFor(signal.Side == types.SideYes)

	orderID, err := e.venue.PlaceMarketFOK(ctx, tokenID, e.cfg.PositionNotional, true, market.NegRisk)
	if err != nil {
		log.Error().Err(err).Str("asset", asset).Msg("❌ Entry order failed")
		e.store.LogEvent(e.botID, asset, types.VenuePolymarket, "entry_order", "error", err.Error())
		e.notifier.NotifyError("entry "+asset, err)
		return false
	}

	// FOK either filled in full or errored; the venue balance is the
	// authoritative quantity either way
	qty, err := e.venue.GetTokenBalance(ctx, tokenID)
	if err != nil || !qty.IsPositive() {
		log.Warn().Err(err).Str("order", orderID).Msg("⚠️ Fill quantity unknown, estimating from notional")
		qty = e.cfg.PositionNotional.Div(mid)
	}

	positionID := storage.NewPositionID()
	pos := &strategy.OpenPosition{
		PositionID:  positionID,
		Asset:       asset,
		Side:        signal.Side,
		TierIdx:     signal.TierIdx,
		EntryRef:    mid,
		Qty:         qty,
		WindowEndMs: w.EndMs(),
		EnteredAt:   now,
		HoldToEnd:   e.cfg.HoldToResolution,
	}

	e.open = pos
	e.state = strategy.StateOpen
	e.guard.MarkEntered(e.botID, asset, w.EndMs())
	e.tracks[asset].trades++

	e.persistOpen()
	if err := e.store.CreatePosition(&storage.Position{
		ID:            positionID,
		Agent:         string(e.botID),
		Asset:         asset,
		Venue:         string(types.VenuePolymarket),
		Side:          string(signal.Side),
		WindowEndMs:   w.EndMs(),
		SpreadAtEntry: spread,
		Size:          qty,
		MarketRef:     slug,
		OrderID:       orderID,
		EntryPrice:    mid,
		EnteredAt:     now,
	}); err != nil {
		log.Error().Err(err).Str("order", orderID).Msg("❌ Failed to persist position")
	}

	// A tier fill cools down the narrower tiers per its own config
	if signal.TierIdx >= 0 {
		e.extendTierBlocks(e.cfg.TierTables[asset], signal.TierIdx, now)
	}

	log.Info().
		Str("asset", asset).
		Str("side", string(signal.Side)).
		Str("trigger", signal.Trigger).
		Int("tier", signal.TierIdx).
		Str("entry_ref", mid.StringFixed(3)).
		Str("qty", qty.StringFixed(2)).
		Msg("🎯 Tiered entry")

	e.notifier.NotifyEntry(e.botID, asset, signal.Side, spread, false)
	return true
}

// extendTierBlocks applies the filled tier's cooldowns: one for the adjacent
// narrower tier, one for the most conservative tier. Durations are
// independent; zero disables that cooldown.
func (e *TieredEngine) extendTierBlocks(tiers []config.Tier, filledIdx int, now time.Time) {
	tier := tiers[filledIdx]
	if adjacent := filledIdx + 1; adjacent < len(tiers) && tier.BlocksAdjacentMin > 0 {
		e.blocks.Extend(risk.TierScope(e.botID, adjacent), now,
			time.Duration(tier.BlocksAdjacentMin)*time.Minute)
	}
	if conservative := len(tiers) - 1; conservative > filledIdx && tier.BlocksConservativeMin > 0 {
		e.blocks.Extend(risk.TierScope(e.botID, conservative), now,
			time.Duration(tier.BlocksConservativeMin)*time.Minute)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPEN POSITION MANAGEMENT
// ═══════════════════════════════════════════════════════════════════════════════

func (e *TieredEngine) manageOpen(ctx context.Context, now time.Time) {
	pos := e.open
	remaining := time.UnixMilli(pos.WindowEndMs).Sub(now)

	// Hold-to-resolution positions are never sold; once the window closes
	// the resolver takes over.
	if pos.HoldToEnd {
		if remaining <= 0 {
			log.Info().Str("position", pos.PositionID).Msg("⏳ Window closed, holding to resolution")
			e.clearOpen()
		}
		return
	}

	if remaining <= -e.cfg.TieredTick {
		// Past the window with the position still tracked: the last exit
		// attempt failed at the deadline. Abandon and let resolution decide.
		log.Warn().Str("position", pos.PositionID).Msg("⚠️ Abandoning unexitable position to resolution")
		e.clearOpen()
		return
	}

	mid := e.currentMid(ctx, pos)

	// A decided exit is sticky: once in StateExiting the sell retries every
	// tick regardless of where the mid has moved since.
	reason := e.pendingExit
	if e.state != strategy.StateExiting {
		reason = strategy.EvaluateExit(pos, mid, remaining, strategy.ExitParams{
			TakeProfitPct:    e.cfg.TakeProfitPct,
			StopLossPct:      e.cfg.StopLossPct,
			ForcedExitMargin: e.cfg.ForcedExitMargin,
		})
		if reason == strategy.ExitNone {
			return
		}
		e.state = strategy.StateExiting
		e.pendingExit = reason
	}

	e.exit(ctx, pos, mid, reason, now)
}

// currentMid returns the live mid for the position's side, zero when no
// usable quote exists this tick
func (e *TieredEngine) currentMid(ctx context.Context, pos *strategy.OpenPosition) decimal.Decimal {
	w := window.Window{Start: time.UnixMilli(pos.WindowEndMs).Add(-window.Win5m.Duration()), End: time.UnixMilli(pos.WindowEndMs), Class: window.Win5m}
	market, err := e.venue.GetMarketBySlug(ctx, mirror.SlugFor(pos.Asset, w))
	if err != nil {
		log.Debug().Err(err).Str("asset", pos.Asset).Msg("Mid unavailable this tick")
		return decimal.Zero
	}
	if pos.Side == types.SideNo {
		return market.NoPrice
	}
	return market.YesPrice
}

// exit sells the position. A failed sell stays open for the next tick unless
// the forced-exit deadline has passed, in which case tracking is abandoned.
func (e *TieredEngine) exit(ctx context.Context, pos *strategy.OpenPosition, mid decimal.Decimal, reason strategy.ExitReason, now time.Time) {
	w := window.Window{Start: time.UnixMilli(pos.WindowEndMs).Add(-window.Win5m.Duration()), End: time.UnixMilli(pos.WindowEndMs), Class: window.Win5m}
	market, err := e.venue.GetMarketBySlug(ctx, mirror.SlugFor(pos.Asset, w))
	if err != nil {
		e.exitFailed(pos, err, now)
		return
	}
	tokenID := market.TokenFor(pos.Side == types.SideYes)

	// Partial fills and dust mean the tracked quantity can drift from what
	// the venue will actually let us sell
	qty, err := e.venue.GetTokenBalance(ctx, tokenID)
	if err != nil || !qty.IsPositive() {
		qty = pos.Qty
	}

	if _, err := e.venue.PlaceMarketFOK(ctx, tokenID, qty, false, market.NegRisk); err != nil {
		e.exitFailed(pos, err, now)
		return
	}

	exitRef := mid
	if !exitRef.IsPositive() {
		if pos.Side == types.SideNo {
			exitRef = market.NoPrice
		} else {
			exitRef = market.YesPrice
		}
	}

	pnl := e.bankroll.ApplyClose(pos.EntryRef, exitRef, qty, now,
		time.Duration(e.cfg.EarlyGuardCooldownMin)*time.Minute)

	if err := e.store.CloseTieredPosition(pos.PositionID, exitRef, pnl, e.bankroll.Amount()); err != nil {
		log.Error().Err(err).Str("position", pos.PositionID).Msg("❌ Failed to record close")
	}

	log.Info().
		Str("asset", pos.Asset).
		Str("reason", string(reason)).
		Str("exit_ref", exitRef.StringFixed(3)).
		Str("pnl", pnl.StringFixed(4)).
		Str("bankroll", e.bankroll.Amount().StringFixed(2)).
		Msg("🏁 Tiered exit")

	e.notifier.NotifyExit(pos.Asset, string(reason), pnl, e.bankroll.Amount())
	e.clearOpen()
}

func (e *TieredEngine) exitFailed(pos *strategy.OpenPosition, err error, now time.Time) {
	remaining := time.UnixMilli(pos.WindowEndMs).Sub(now)
	log.Warn().Err(err).
		Str("position", pos.PositionID).
		Dur("remaining", remaining).
		Msg("⚠️ Exit failed")
	e.store.LogEvent(e.botID, pos.Asset, types.VenuePolymarket, "exit_order", "warn", err.Error())

	if remaining > 0 {
		return // still StateExiting; the sell retries next tick
	}
	log.Warn().Str("position", pos.PositionID).Msg("⚠️ Abandoning position to resolution after failed forced exit")
	e.clearOpen()
}

func (e *TieredEngine) clearOpen() {
	e.open = nil
	e.state = strategy.StateIdle
	e.pendingExit = strategy.ExitNone
	e.discardOpen()
}

func (e *TieredEngine) persistOpen() {
	if e.open == nil {
		return
	}
	data, err := json.Marshal(e.open)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode open position")
		return
	}
	if err := e.store.SaveOpenPosition(e.cfg.BotID, string(data)); err != nil {
		log.Error().Err(err).Msg("Failed to persist open position")
	}
}

// shutdown makes one best-effort close; if it fails the persisted record is
// picked up on the next start
func (e *TieredEngine) shutdown() {
	if e.open == nil || e.open.HoldToEnd {
		log.Info().Msg("👋 Tiered engine stopped")
		return
	}

	log.Info().Str("position", e.open.PositionID).Msg("Closing open position before shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pos := e.open
	mid := e.currentMid(ctx, pos)
	e.exit(ctx, pos, mid, strategy.ExitForced, e.now())
	log.Info().Msg("👋 Tiered engine stopped")
}
