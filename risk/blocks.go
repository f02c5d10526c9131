package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0xfade/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BLOCKING STATE MACHINE - Cross-agent and cross-tier cooldowns
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three scopes:
//   asset: a wide-window fill suppresses the other agents on that asset
//   tier:  a wider tier's fill suppresses named narrower tiers
//   guard: abnormal early-window spread suppresses one agent entirely
//
// Deadlines only ever extend forward (the store enforces it); a check always
// compares against live time, never a cached boolean.
//
// ═══════════════════════════════════════════════════════════════════════════════

// BlockStore is the persistence behind the block scopes
type BlockStore interface {
	ExtendBlock(scope string, untilMs int64) error
	BlockedUntil(scope string) (int64, error)
}

// Scope constructors. Shared scopes must hash identically across processes,
// so all naming goes through these.

func AssetScope(asset string) string {
	return "asset|" + asset
}

func TierScope(bot types.Agent, tierIdx int) string {
	return fmt.Sprintf("tier|%s|%d", bot, tierIdx)
}

func GuardScope(bot types.Agent, asset string) string {
	return fmt.Sprintf("guard|%s|%s", bot, asset)
}

// Blocks checks and extends cooldown scopes against the shared store
type Blocks struct {
	store BlockStore
}

func NewBlocks(store BlockStore) *Blocks {
	return &Blocks{store: store}
}

// Blocked reports whether a scope is live at now. A store read failure is
// treated as blocked: when in doubt, do not enter.
func (b *Blocks) Blocked(scope string, now time.Time) bool {
	untilMs, err := b.store.BlockedUntil(scope)
	if err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("Block check failed, treating as blocked")
		return true
	}
	return now.UnixMilli() < untilMs
}

// Extend moves a scope's deadline to now+d if that is further out than the
// current deadline
func (b *Blocks) Extend(scope string, now time.Time, d time.Duration) {
	if d <= 0 {
		return
	}
	untilMs := now.Add(d).UnixMilli()
	if err := b.store.ExtendBlock(scope, untilMs); err != nil {
		log.Error().Err(err).Str("scope", scope).Msg("Failed to extend block")
		return
	}
	log.Info().Str("scope", scope).Time("until", now.Add(d)).Msg("⛔ Block extended")
}
