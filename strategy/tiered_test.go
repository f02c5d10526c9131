package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/config"
	"github.com/0xfade/mirrorbot/types"
)

func testTiers() []config.Tier {
	return []config.Tier{
		{SpreadThresholdPct: d("0.8"), EntryOffsetSec: 30, BlocksAdjacentMin: 15, BlocksConservativeMin: 30},
		{SpreadThresholdPct: d("0.5"), EntryOffsetSec: 60, BlocksAdjacentMin: 10},
		{SpreadThresholdPct: d("0.3"), EntryOffsetSec: 120},
	}
}

func entryParams() EntryParams {
	return EntryParams{
		Tiers:                testTiers(),
		MomentumThresholdPct: d("0.25"),
		MaxTradesPerWindow:   2,
		MinEntryLead:         75 * time.Second,
		SanityCeilingPct:     d("10"),
	}
}

func openInputs() EntryInputs {
	return EntryInputs{
		Remaining: 3 * time.Minute,
		CanAfford: true,
	}
}

func TestEvaluateEntryMomentum(t *testing.T) {
	in := openInputs()
	in.MomentumOK = true
	in.MomentumPct = d("0.3")

	sig := EvaluateEntry(in, entryParams())
	if sig == nil {
		t.Fatal("expected momentum entry")
	}
	if sig.Side != types.SideYes || sig.TierIdx != -1 || sig.Trigger != "momentum" {
		t.Fatalf("unexpected signal %+v", sig)
	}

	in.MomentumPct = d("-0.3")
	sig = EvaluateEntry(in, entryParams())
	if sig == nil || sig.Side != types.SideNo {
		t.Fatalf("negative momentum should enter no, got %+v", sig)
	}

	in.MomentumPct = d("0.2")
	if sig := EvaluateEntry(in, entryParams()); sig != nil {
		t.Fatalf("momentum below threshold should not enter, got %+v", sig)
	}
}

func TestEvaluateEntrySpreadTier(t *testing.T) {
	in := openInputs()
	in.SpreadFromOpen = d("0.9")
	in.Elapsed = 45 * time.Second

	sig := EvaluateEntry(in, entryParams())
	if sig == nil {
		t.Fatal("expected tier entry")
	}
	if sig.TierIdx != 0 || sig.Side != types.SideYes || sig.Trigger != "tier" {
		t.Fatalf("unexpected signal %+v", sig)
	}

	// Wider tier blocked: the next unblocked tier wins once its offset passed
	in.TierBlocked = func(i int) bool { return i == 0 }
	in.Elapsed = 90 * time.Second
	sig = EvaluateEntry(in, entryParams())
	if sig == nil || sig.TierIdx != 1 {
		t.Fatalf("expected tier 1 with tier 0 blocked, got %+v", sig)
	}

	// Negative spread picks the no side
	in.TierBlocked = nil
	in.SpreadFromOpen = d("-0.9")
	sig = EvaluateEntry(in, entryParams())
	if sig == nil || sig.Side != types.SideNo {
		t.Fatalf("negative spread should enter no, got %+v", sig)
	}
}

func TestEvaluateEntryGating(t *testing.T) {
	base := openInputs()
	base.SpreadFromOpen = d("0.9")
	base.Elapsed = 45 * time.Second

	tests := []struct {
		name   string
		mutate func(*EntryInputs)
	}{
		{"trade cap reached", func(in *EntryInputs) { in.TradesThisWindow = 2 }},
		{"too little time left", func(in *EntryInputs) { in.Remaining = 60 * time.Second }},
		{"bankroll exhausted", func(in *EntryInputs) { in.CanAfford = false }},
		{"zero spread", func(in *EntryInputs) { in.SpreadFromOpen = decimal.Zero }},
		{"insane spread", func(in *EntryInputs) { in.SpreadFromOpen = d("15") }},
		{"before any tier offset", func(in *EntryInputs) { in.Elapsed = 10 * time.Second }},
	}

	for _, tt := range tests {
		in := base
		tt.mutate(&in)
		if sig := EvaluateEntry(in, entryParams()); sig != nil {
			t.Fatalf("%s: expected no entry, got %+v", tt.name, sig)
		}
	}
}

func TestPickTierHonorsOffsets(t *testing.T) {
	tiers := testTiers()
	big := d("1.5") // clears every tier threshold

	// At 45s only tier 0 is open
	idx, ok := PickTier(tiers, big, 45*time.Second, nil)
	if !ok || idx != 0 {
		t.Fatalf("at 45s want tier 0, got %d ok=%v", idx, ok)
	}

	// A small spread only clears the narrowest tier, which opens at 120s
	if _, ok := PickTier(tiers, d("0.4"), 90*time.Second, nil); ok {
		t.Fatal("0.4% at 90s should not match any open tier")
	}
	idx, ok = PickTier(tiers, d("0.4"), 130*time.Second, nil)
	if !ok || idx != 2 {
		t.Fatalf("0.4%% at 130s want tier 2, got %d ok=%v", idx, ok)
	}
}

func TestEarlyGuardTriggered(t *testing.T) {
	tiers := testTiers()
	guard := d("1")

	if !EarlyGuardTriggered(d("1.2"), 10*time.Second, tiers, guard) {
		t.Fatal("big spread before any tier offset should trigger the guard")
	}
	if EarlyGuardTriggered(d("1.2"), 45*time.Second, tiers, guard) {
		t.Fatal("after the first tier opens the guard no longer applies")
	}
	if EarlyGuardTriggered(d("0.5"), 10*time.Second, tiers, guard) {
		t.Fatal("small early spread should not trigger the guard")
	}
}

func TestEvaluateExitPriority(t *testing.T) {
	pos := &OpenPosition{
		PositionID: "p1", Asset: "BTC", Side: types.SideYes,
		EntryRef: d("0.50"), Qty: d("100"), WindowEndMs: 1,
	}
	p := ExitParams{
		TakeProfitPct:    d("8"),
		StopLossPct:      d("5"),
		ForcedExitMargin: 25 * time.Second,
	}

	// entry mid 0.50, current 0.545 = +9% with TP at +8% -> take profit
	if got := EvaluateExit(pos, d("0.545"), 2*time.Minute, p); got != ExitTakeProfit {
		t.Fatalf("exit = %s, want take_profit", got)
	}
	// current 0.475 = -5% with SL at -5% -> stop loss
	if got := EvaluateExit(pos, d("0.475"), 2*time.Minute, p); got != ExitStopLoss {
		t.Fatalf("exit = %s, want stop_loss", got)
	}
	// flat price but the window is almost over -> forced exit
	if got := EvaluateExit(pos, d("0.50"), 20*time.Second, p); got != ExitForced {
		t.Fatalf("exit = %s, want window_close", got)
	}
	// flat price, plenty of time -> hold
	if got := EvaluateExit(pos, d("0.51"), 2*time.Minute, p); got != ExitNone {
		t.Fatalf("exit = %s, want none", got)
	}
	// TP wins over the forced exit when both apply
	if got := EvaluateExit(pos, d("0.545"), 20*time.Second, p); got != ExitTakeProfit {
		t.Fatalf("exit = %s, want take_profit over forced", got)
	}
}

func TestEvaluateExitHoldToResolution(t *testing.T) {
	pos := &OpenPosition{
		PositionID: "p1", Asset: "BTC", Side: types.SideYes,
		EntryRef: d("0.50"), Qty: d("100"), WindowEndMs: 1,
		HoldToEnd: true,
	}
	p := ExitParams{TakeProfitPct: d("8"), StopLossPct: d("5"), ForcedExitMargin: 25 * time.Second}

	// The spread-tier variant never sells; resolution settles it.
	for _, mid := range []string{"0.545", "0.475", "0.50"} {
		if got := EvaluateExit(pos, d(mid), 10*time.Second, p); got != ExitNone {
			t.Fatalf("hold-to-resolution sold at mid %s: %s", mid, got)
		}
	}
}

func TestOpenPositionValidate(t *testing.T) {
	valid := OpenPosition{
		PositionID: "p1", Asset: "BTC", Side: types.SideYes,
		EntryRef: d("0.5"), Qty: d("10"), WindowEndMs: 1,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid position rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*OpenPosition)
	}{
		{"missing id", func(p *OpenPosition) { p.PositionID = "" }},
		{"missing asset", func(p *OpenPosition) { p.Asset = "" }},
		{"bad side", func(p *OpenPosition) { p.Side = "maybe" }},
		{"zero entry ref", func(p *OpenPosition) { p.EntryRef = decimal.Zero }},
		{"entry ref at 1", func(p *OpenPosition) { p.EntryRef = d("1") }},
		{"entry ref above 1", func(p *OpenPosition) { p.EntryRef = d("1.2") }},
		{"zero qty", func(p *OpenPosition) { p.Qty = decimal.Zero }},
		{"missing window", func(p *OpenPosition) { p.WindowEndMs = 0 }},
	}

	for _, tt := range tests {
		p := valid
		tt.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tt.name)
		}
	}
}
