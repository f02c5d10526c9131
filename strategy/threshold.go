package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/config"
	"github.com/0xfade/mirrorbot/feeds"
	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/window"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THRESHOLD ENTRY ENGINE - b1/b2/b3 cooperating agents
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three agents share one asset and window: b1 trades the early phase with the
// widest threshold, b2 the mid phase, b3 the last minutes behind a quote
// gate. Priority runs widest-blocks-narrowest: a b1 fill sets an asset block
// that silences b2 and b3 for the configured duration.
//
// Decide is pure; everything it needs arrives as arguments, side effects are
// returned as values for the caller to apply.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Gates are the live suppression inputs for one decision
type Gates struct {
	AlreadyEntered bool
	AssetBlocked   bool // b2/b3 only: the asset block a b1 fill arms
	GuardBlocked   bool // b3 only: the b2-observed high-spread guard
	Blackout       bool
}

// Params are the decision constants shared by the family
type Params struct {
	SanityCeilingPct decimal.Decimal
	QuoteFloorPct    decimal.Decimal // b3 band
	QuoteCeilingPct  decimal.Decimal
}

// Decision is the go/no-go output of one agent's evaluation
type Decision struct {
	Enter  bool
	Side   types.Side
	Reason string // skip reason when Enter is false
}

func skip(reason string) Decision {
	return Decision{Reason: reason}
}

// DecideThreshold evaluates one agent against one snapshot
func DecideThreshold(snap feeds.Snapshot, agent config.ThresholdAgent, phase window.Phase, gates Gates, p Params) Decision {
	// Fail-safe before anything configurable: zero or out-of-range spread is
	// never actionable.
	if !snap.Sane(p.SanityCeilingPct) {
		return skip("spread not sane")
	}

	if gates.Blackout {
		return skip("daily blackout")
	}
	if !phaseMatches(agent.Phase, phase) {
		return skip("outside agent phase")
	}
	if gates.AlreadyEntered {
		return skip("already entered this window")
	}
	if gates.AssetBlocked {
		return skip("asset blocked")
	}

	threshold, ok := agent.ThresholdPct[snap.Asset]
	if !ok {
		return skip("no threshold configured")
	}
	if snap.SignedSpread.Abs().LessThanOrEqual(threshold) {
		return skip("spread below threshold")
	}

	// The late agent chases resolved contracts unless the quote still leaves
	// room: the outer sub-window wants the bid at or above the floor, the
	// final sub-window wants it inside the band.
	if agent.Agent == types.AgentNarrow {
		if gates.GuardBlocked {
			return skip("high-spread guard active")
		}
		if snap.QuotedBidPct.LessThan(p.QuoteFloorPct) {
			return skip("quote below floor")
		}
		if phase == window.PhaseLateFinal && snap.QuotedBidPct.GreaterThan(p.QuoteCeilingPct) {
			return skip("quote above ceiling")
		}
	}

	return Decision{Enter: true, Side: snap.Side()}
}

// phaseMatches maps an agent's home phase onto the live phase. The narrow
// agent's phase covers both late sub-windows.
func phaseMatches(agentPhase, current window.Phase) bool {
	if agentPhase == current {
		return true
	}
	return agentPhase == window.PhaseLateOuter && current == window.PhaseLateFinal
}

// ═══════════════════════════════════════════════════════════════════════════════
// POST-DECISION EFFECTS
// ═══════════════════════════════════════════════════════════════════════════════

// BlocksAssetOnFill reports whether a fill by this agent suppresses the
// others on the asset
func BlocksAssetOnFill(agent types.Agent) bool {
	return agent == types.AgentWide
}

// HighSpreadGuardTriggered reports whether the mid agent's observed spread
// should arm the guard that blocks the narrow agent. Independent of whether
// the mid agent itself entered, but still subject to the sanity fail-safe.
func HighSpreadGuardTriggered(snap feeds.Snapshot, guardPct, sanityCeiling decimal.Decimal) bool {
	if !snap.Sane(sanityCeiling) {
		return false
	}
	return snap.SignedSpread.Abs().GreaterThan(guardPct)
}
