package feeds

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestBuildSnapshotSpreadAndSide(t *testing.T) {
	now := time.Now()

	tests := []struct {
		ref, strike string
		wantSpread  string
		wantSide    types.Side
	}{
		{"100.6", "100", "0.6", types.SideYes},
		{"99.4", "100", "-0.6", types.SideNo},
		{"100", "100", "0", types.SideYes}, // zero spread still resolves to yes by sign rule
		{"101.8", "100", "1.8", types.SideYes},
	}

	for _, tt := range tests {
		snap, err := BuildSnapshot("BTC", d(tt.ref), d(tt.strike), decimal.Zero, now)
		if err != nil {
			t.Fatalf("BuildSnapshot(%s/%s): %v", tt.ref, tt.strike, err)
		}
		if !snap.SignedSpread.Equal(d(tt.wantSpread)) {
			t.Fatalf("spread(%s/%s) = %s, want %s", tt.ref, tt.strike, snap.SignedSpread, tt.wantSpread)
		}
		if snap.Side() != tt.wantSide {
			t.Fatalf("side(%s/%s) = %s, want %s", tt.ref, tt.strike, snap.Side(), tt.wantSide)
		}
	}
}

func TestBuildSnapshotRejectsZeroStrike(t *testing.T) {
	if _, err := BuildSnapshot("BTC", d("100"), decimal.Zero, decimal.Zero, time.Now()); err == nil {
		t.Fatal("zero strike should error")
	}
}

func TestSnapshotSane(t *testing.T) {
	now := time.Now()
	ceiling := d("5")

	tests := []struct {
		name string
		ref  string
		want bool
	}{
		{"normal", "100.6", true},
		{"zero spread", "100", false},
		{"above ceiling", "106", false},
		{"below negative ceiling", "94", false},
		{"at ceiling", "105", true},
	}

	for _, tt := range tests {
		snap, err := BuildSnapshot("BTC", d(tt.ref), d("100"), decimal.Zero, now)
		if err != nil {
			t.Fatal(err)
		}
		if got := snap.Sane(ceiling); got != tt.want {
			t.Fatalf("%s: Sane() = %v, want %v (spread %s)", tt.name, got, tt.want, snap.SignedSpread)
		}
	}
}

func TestMomentumTracker(t *testing.T) {
	m := NewMomentumTracker(2 * time.Minute)
	base := time.Now()

	m.Record(d("100"), base)
	m.Record(d("100.2"), base.Add(30*time.Second))
	m.Record(d("100.5"), base.Add(60*time.Second))

	change, ok := m.ChangePct(60*time.Second, base.Add(60*time.Second))
	if !ok {
		t.Fatal("expected momentum measurement")
	}
	if !change.Equal(d("0.5")) {
		t.Fatalf("ChangePct = %s, want 0.5", change)
	}
}

func TestMomentumTrackerInsufficientHistory(t *testing.T) {
	m := NewMomentumTracker(2 * time.Minute)
	base := time.Now()

	if _, ok := m.ChangePct(60*time.Second, base); ok {
		t.Fatal("empty tracker should not measure")
	}

	m.Record(d("100"), base)
	if _, ok := m.ChangePct(60*time.Second, base); ok {
		t.Fatal("single point should not measure")
	}

	// Two points but none old enough for the lookback
	m.Record(d("100.1"), base.Add(5*time.Second))
	if _, ok := m.ChangePct(60*time.Second, base.Add(5*time.Second)); ok {
		t.Fatal("no point older than lookback should not measure")
	}
}

func TestMomentumTrackerPrunes(t *testing.T) {
	m := NewMomentumTracker(90 * time.Second)
	base := time.Now()

	m.Record(d("50"), base) // will fall out of the retention span
	m.Record(d("100"), base.Add(80*time.Second))
	m.Record(d("101"), base.Add(150*time.Second))

	change, ok := m.ChangePct(60*time.Second, base.Add(150*time.Second))
	if !ok {
		t.Fatal("expected momentum measurement")
	}
	// Baseline must be the 100 print, not the pruned 50 one
	if !change.Equal(d("1")) {
		t.Fatalf("ChangePct = %s, want 1", change)
	}
}
