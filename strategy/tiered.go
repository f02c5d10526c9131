package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/config"
	"github.com/0xfade/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TIERED ENTRY/EXIT ENGINE - b4/b5 momentum and spread-tier agents
// ═══════════════════════════════════════════════════════════════════════════════
//
// One agent instance walks Idle -> Open -> Exiting -> Idle within a 5-minute
// window; Exiting is sticky, a decided exit keeps retrying until it fills or
// the window closes. The decision pieces here are pure; the core agent owns
// the venue calls and persistence around them.
//
// ═══════════════════════════════════════════════════════════════════════════════

// State of the tiered agent's position machine
type State int

const (
	StateIdle State = iota
	StateOpen
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateExiting:
		return "exiting"
	}
	return "idle"
}

// OpenPosition is the persisted open-position record. It survives restarts;
// Validate gates whether a reloaded record can be trusted.
type OpenPosition struct {
	PositionID  string          `json:"position_id"`
	Asset       string          `json:"asset"`
	Side        types.Side      `json:"side"`
	TierIdx     int             `json:"tier_idx"`  // -1 for momentum entries
	EntryRef    decimal.Decimal `json:"entry_ref"` // mid at entry, the P&L baseline
	Qty         decimal.Decimal `json:"qty"`       // actual filled quantity
	WindowEndMs int64           `json:"window_end_ms"`
	EnteredAt   time.Time       `json:"entered_at"`
	HoldToEnd   bool            `json:"hold_to_end"`
}

// Validate rejects records that cannot be safely resumed. The entry baseline
// is a contract mid-price and must sit strictly inside (0, 1).
func (p *OpenPosition) Validate() error {
	if p.PositionID == "" {
		return fmt.Errorf("open position missing id")
	}
	if p.Asset == "" {
		return fmt.Errorf("open position missing asset")
	}
	if p.Side != types.SideYes && p.Side != types.SideNo {
		return fmt.Errorf("open position has unknown side %q", p.Side)
	}
	if !p.EntryRef.IsPositive() || p.EntryRef.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("entry reference %s outside (0,1)", p.EntryRef)
	}
	if !p.Qty.IsPositive() {
		return fmt.Errorf("non-positive quantity %s", p.Qty)
	}
	if p.WindowEndMs <= 0 {
		return fmt.Errorf("open position missing window")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ═══════════════════════════════════════════════════════════════════════════════

// EntrySignal is a resolved entry decision for the tiered agent
type EntrySignal struct {
	Side    types.Side
	TierIdx int // -1 when triggered by momentum
	Trigger string
}

// EntryInputs gathers everything the entry evaluation needs
type EntryInputs struct {
	MomentumPct    decimal.Decimal // normalized 1-minute change; zero value fine when !MomentumOK
	MomentumOK     bool
	SpreadFromOpen decimal.Decimal // percent vs. the window-open reference
	Elapsed        time.Duration   // since window open
	TierBlocked    func(tierIdx int) bool

	TradesThisWindow int
	Remaining        time.Duration
	CanAfford        bool
}

// EntryParams are the configured entry constants
type EntryParams struct {
	Tiers                []config.Tier // widest first
	MomentumThresholdPct decimal.Decimal
	MaxTradesPerWindow   int
	MinEntryLead         time.Duration
	SanityCeilingPct     decimal.Decimal
}

// EvaluateEntry returns an entry signal or nil. Gating first, then the
// momentum trigger, then the highest currently-unblocked tier.
func EvaluateEntry(in EntryInputs, p EntryParams) *EntrySignal {
	if in.TradesThisWindow >= p.MaxTradesPerWindow {
		return nil
	}
	if in.Remaining < p.MinEntryLead {
		return nil
	}
	if !in.CanAfford {
		return nil
	}

	if in.MomentumOK && !in.MomentumPct.IsZero() &&
		in.MomentumPct.Abs().GreaterThanOrEqual(p.MomentumThresholdPct) {
		side := types.SideYes
		if in.MomentumPct.IsNegative() {
			side = types.SideNo
		}
		return &EntrySignal{Side: side, TierIdx: -1, Trigger: "momentum"}
	}

	// Spread-tier path: the zero/out-of-range fail-safe applies before any
	// tier threshold does.
	if in.SpreadFromOpen.IsZero() {
		return nil
	}
	if p.SanityCeilingPct.IsPositive() && in.SpreadFromOpen.Abs().GreaterThan(p.SanityCeilingPct) {
		return nil
	}

	if idx, ok := PickTier(p.Tiers, in.SpreadFromOpen, in.Elapsed, in.TierBlocked); ok {
		side := types.SideYes
		if in.SpreadFromOpen.IsNegative() {
			side = types.SideNo
		}
		return &EntrySignal{Side: side, TierIdx: idx, Trigger: "tier"}
	}
	return nil
}

// PickTier returns the widest eligible tier: threshold met, entry offset
// reached, and not blocked by an earlier wider fill.
func PickTier(tiers []config.Tier, spreadPct decimal.Decimal, elapsed time.Duration, blocked func(int) bool) (int, bool) {
	abs := spreadPct.Abs()
	for i, tier := range tiers {
		if elapsed < time.Duration(tier.EntryOffsetSec)*time.Second {
			continue
		}
		if abs.LessThan(tier.SpreadThresholdPct) {
			continue
		}
		if blocked != nil && blocked(i) {
			continue
		}
		return i, true
	}
	return 0, false
}

// EarlyGuardTriggered reports whether the window is already decided before
// any tier could normally fire: spread beyond the guard threshold earlier
// than the widest tier's entry offset.
func EarlyGuardTriggered(spreadPct decimal.Decimal, elapsed time.Duration, tiers []config.Tier, guardPct decimal.Decimal) bool {
	if len(tiers) == 0 || !guardPct.IsPositive() {
		return false
	}
	earliest := time.Duration(tiers[0].EntryOffsetSec) * time.Second
	for _, t := range tiers[1:] {
		if offset := time.Duration(t.EntryOffsetSec) * time.Second; offset < earliest {
			earliest = offset
		}
	}
	return elapsed < earliest && spreadPct.Abs().GreaterThanOrEqual(guardPct)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT
// ═══════════════════════════════════════════════════════════════════════════════

// ExitReason says why an open position should close
type ExitReason string

const (
	ExitNone       ExitReason = ""
	ExitTakeProfit ExitReason = "take_profit"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitForced     ExitReason = "window_close"
)

// ExitParams are the configured exit constants
type ExitParams struct {
	TakeProfitPct    decimal.Decimal
	StopLossPct      decimal.Decimal
	ForcedExitMargin time.Duration
}

// EvaluateExit checks an open position against the current mid. Priority is
// fixed: take-profit, then stop-loss, then the forced window-close exit. The
// hold-to-resolution variant never sells; the contract settles on its own.
func EvaluateExit(pos *OpenPosition, currentMid decimal.Decimal, remaining time.Duration, p ExitParams) ExitReason {
	if pos.HoldToEnd {
		return ExitNone
	}
	if !currentMid.IsPositive() || !pos.EntryRef.IsPositive() {
		// No usable quote this tick; forced exit still applies.
		if remaining <= p.ForcedExitMargin {
			return ExitForced
		}
		return ExitNone
	}

	changePct := currentMid.Sub(pos.EntryRef).Div(pos.EntryRef).Mul(decimal.NewFromInt(100))

	if changePct.GreaterThanOrEqual(p.TakeProfitPct) {
		return ExitTakeProfit
	}
	if changePct.LessThanOrEqual(p.StopLossPct.Neg()) {
		return ExitStopLoss
	}
	if remaining <= p.ForcedExitMargin {
		return ExitForced
	}
	return ExitNone
}
