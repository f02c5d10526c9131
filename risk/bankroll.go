package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BANKROLL - Risk capital for the tiered agent
// ═══════════════════════════════════════════════════════════════════════════════
//
// One writer per bot id: the owning process. Updated only on position close
// or explicit reset, persisted through the shared store so a restart resumes
// where the last close left off.
//
// ═══════════════════════════════════════════════════════════════════════════════

const dateLayout = "2006-01-02"

// BankrollStore persists bankroll rows
type BankrollStore interface {
	SaveBankroll(row *storage.BankrollRow) error
	LoadBankroll(botID string) (*storage.BankrollRow, error)
}

// Bankroll tracks the tiered agent's running capital
type Bankroll struct {
	botID string
	store BankrollStore

	bankroll           decimal.Decimal
	peakBankroll       decimal.Decimal
	dailyStartBankroll decimal.Decimal
	dailyStartDate     string
	consecutiveLosses  int
	cooldownUntilMs    int64
	tierSnapshot       string
}

// LoadBankroll restores state for a bot, seeding a fresh row when none
// exists. tierSnapshot is the serialized tier table in force; it is written
// alongside every persisted row so a bankroll figure can always be read
// against the config that produced it.
func LoadBankroll(store BankrollStore, botID string, initial decimal.Decimal, tierSnapshot string, now time.Time) (*Bankroll, error) {
	b := &Bankroll{botID: botID, store: store, tierSnapshot: tierSnapshot}

	row, err := store.LoadBankroll(botID)
	if err != nil {
		return nil, fmt.Errorf("load bankroll: %w", err)
	}
	if row == nil {
		b.bankroll = initial
		b.peakBankroll = initial
		b.dailyStartBankroll = initial
		b.dailyStartDate = now.UTC().Format(dateLayout)
		if err := b.persist(); err != nil {
			return nil, err
		}
		log.Info().Str("bot", botID).Str("bankroll", initial.StringFixed(2)).Msg("💰 Bankroll seeded")
		return b, nil
	}

	b.bankroll = row.Bankroll
	b.peakBankroll = row.PeakBankroll
	b.dailyStartBankroll = row.DailyStartBankroll
	b.dailyStartDate = row.DailyStartDate
	b.consecutiveLosses = row.ConsecutiveLosses
	b.cooldownUntilMs = row.CooldownUntilMs

	log.Info().Str("bot", botID).
		Str("bankroll", b.bankroll.StringFixed(2)).
		Str("peak", b.peakBankroll.StringFixed(2)).
		Int("consec_losses", b.consecutiveLosses).
		Msg("💰 Bankroll restored")

	return b, nil
}

// Rollover starts a fresh daily baseline when the UTC date has changed
func (b *Bankroll) Rollover(now time.Time) {
	today := now.UTC().Format(dateLayout)
	if b.dailyStartDate == today {
		return
	}
	b.dailyStartDate = today
	b.dailyStartBankroll = b.bankroll
	b.consecutiveLosses = 0
	if err := b.persist(); err != nil {
		log.Error().Err(err).Msg("Failed to persist daily rollover")
	}
	log.Info().Str("bankroll", b.bankroll.StringFixed(2)).Msg("📅 Daily bankroll rollover")
}

// CanAfford reports whether the configured notional fits the bankroll and the
// loss cooldown has lapsed
func (b *Bankroll) CanAfford(notional decimal.Decimal, now time.Time) bool {
	if now.UnixMilli() < b.cooldownUntilMs {
		return false
	}
	return b.bankroll.GreaterThanOrEqual(notional)
}

// ApplyClose settles a closed position into the bankroll:
//
//	bankroll += (exitRef - entryRef) * qty
//	peak      = max(peak, bankroll)
//
// and returns the realized pnl. Three consecutive losses start a cooldown.
func (b *Bankroll) ApplyClose(entryRef, exitRef, qty decimal.Decimal, now time.Time, lossCooldown time.Duration) decimal.Decimal {
	pnl := exitRef.Sub(entryRef).Mul(qty)
	b.bankroll = b.bankroll.Add(pnl)
	if b.bankroll.GreaterThan(b.peakBankroll) {
		b.peakBankroll = b.bankroll
	}

	if pnl.IsNegative() {
		b.consecutiveLosses++
		if b.consecutiveLosses >= 3 && lossCooldown > 0 {
			b.cooldownUntilMs = now.Add(lossCooldown).UnixMilli()
			log.Warn().Int("consec_losses", b.consecutiveLosses).
				Dur("cooldown", lossCooldown).
				Msg("🚨 Loss streak cooldown engaged")
		}
	} else if pnl.IsPositive() {
		b.consecutiveLosses = 0
	}

	if err := b.persist(); err != nil {
		log.Error().Err(err).Msg("Failed to persist bankroll after close")
	}

	return pnl
}

// Amount returns the current bankroll
func (b *Bankroll) Amount() decimal.Decimal {
	return b.bankroll
}

// Peak returns the high-water mark
func (b *Bankroll) Peak() decimal.Decimal {
	return b.peakBankroll
}

// ConsecutiveLosses returns the current loss streak
func (b *Bankroll) ConsecutiveLosses() int {
	return b.consecutiveLosses
}

func (b *Bankroll) persist() error {
	return b.store.SaveBankroll(&storage.BankrollRow{
		BotID:              b.botID,
		Bankroll:           b.bankroll,
		PeakBankroll:       b.peakBankroll,
		DailyStartBankroll: b.dailyStartBankroll,
		DailyStartDate:     b.dailyStartDate,
		ConsecutiveLosses:  b.consecutiveLosses,
		CooldownUntilMs:    b.cooldownUntilMs,
		TierSnapshot:       b.tierSnapshot,
	})
}
