package feeds

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET SNAPSHOT - Reference price vs. venue strike, signed spread
// ═══════════════════════════════════════════════════════════════════════════════
//
// A snapshot is ephemeral: rebuilt every tick, never persisted. Only the
// spread value at entry time is copied into a position row.
//
// ═══════════════════════════════════════════════════════════════════════════════

var oneHundred = decimal.NewFromInt(100)

// Snapshot combines a reference spot price with a venue strike into a signed
// spread. The sign of the spread is the side to buy.
type Snapshot struct {
	Asset          string
	ReferencePrice decimal.Decimal
	StrikePrice    decimal.Decimal
	SignedSpread   decimal.Decimal // percent, (ref - strike) / strike * 100
	QuotedBidPct   decimal.Decimal // venue quote for the side, 0-100; zero if unknown
	CapturedAt     time.Time
}

// BuildSnapshot computes the signed spread for an asset
func BuildSnapshot(asset string, ref, strike, quotedBid decimal.Decimal, now time.Time) (Snapshot, error) {
	if strike.IsZero() {
		return Snapshot{}, fmt.Errorf("zero strike for %s", asset)
	}
	if ref.IsNegative() || strike.IsNegative() {
		return Snapshot{}, fmt.Errorf("negative price for %s", asset)
	}
	spread := ref.Sub(strike).Div(strike).Mul(oneHundred)
	return Snapshot{
		Asset:          asset,
		ReferencePrice: ref,
		StrikePrice:    strike,
		SignedSpread:   spread,
		QuotedBidPct:   quotedBid,
		CapturedAt:     now,
	}, nil
}

// Side returns the side implied by the spread sign: yes iff spread >= 0
func (s Snapshot) Side() types.Side {
	if s.SignedSpread.IsNegative() {
		return types.SideNo
	}
	return types.SideYes
}

// Sane reports whether the spread can be acted on at all. A spread of exactly
// zero carries no signal, and a magnitude above the ceiling means a bad or
// stale feed. This gate is independent of any configured entry threshold.
func (s Snapshot) Sane(ceiling decimal.Decimal) bool {
	if s.SignedSpread.IsZero() {
		return false
	}
	if ceiling.IsPositive() && s.SignedSpread.Abs().GreaterThan(ceiling) {
		return false
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// MOMENTUM TRACKER
// ═══════════════════════════════════════════════════════════════════════════════

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// MomentumTracker keeps a short price history and measures the normalized
// change over a lookback interval. Used by the tiered agent's 1-minute
// momentum trigger.
type MomentumTracker struct {
	mu     sync.Mutex
	points []pricePoint
	maxAge time.Duration
}

// NewMomentumTracker creates a tracker that retains maxAge of history
func NewMomentumTracker(maxAge time.Duration) *MomentumTracker {
	return &MomentumTracker{maxAge: maxAge}
}

// Record appends a price observation and prunes expired ones
func (m *MomentumTracker) Record(price decimal.Decimal, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.points = append(m.points, pricePoint{price: price, at: at})
	cutoff := at.Add(-m.maxAge)
	i := 0
	for i < len(m.points) && m.points[i].at.Before(cutoff) {
		i++
	}
	m.points = m.points[i:]
}

// ChangePct returns the percent change between now's latest price and the
// oldest observation at least lookback old. ok is false when history is too
// short to measure.
func (m *MomentumTracker) ChangePct(lookback time.Duration, now time.Time) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.points) < 2 {
		return decimal.Zero, false
	}

	latest := m.points[len(m.points)-1]
	want := now.Add(-lookback)

	// Newest point that is at least lookback old
	var base *pricePoint
	for i := range m.points {
		if m.points[i].at.After(want) {
			break
		}
		base = &m.points[i]
	}
	if base == nil || base.price.IsZero() {
		return decimal.Zero, false
	}

	return latest.price.Sub(base.price).Div(base.price).Mul(oneHundred), true
}

// Reset drops all history
func (m *MomentumTracker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = nil
}
