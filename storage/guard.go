package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0xfade/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY GUARD - Two-tier window idempotency
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tier one is an in-process key set, cleared once a key's window is in the
// past. Tier two is a store query, consulted on a local miss so an agent that
// restarted mid-window does not double-enter. Callers only see HasEntered;
// which tier answered is an implementation detail.
//
// Coordination across processes is eventually consistent: two processes
// racing inside the store's propagation delay can both enter. That cost is
// bounded and accepted; there is no distributed lock here.
//
// ═══════════════════════════════════════════════════════════════════════════════

// EntryChecker is the store-side corroboration for cold starts
type EntryChecker interface {
	HasEntry(agent types.Agent, asset string, windowEndMs int64) (bool, error)
}

type EntryGuard struct {
	mu      sync.Mutex
	entered map[string]int64 // key -> windowEndMs
	store   EntryChecker     // may be nil for purely local guarding
}

// NewEntryGuard creates a guard backed by an optional store checker
func NewEntryGuard(store EntryChecker) *EntryGuard {
	return &EntryGuard{
		entered: make(map[string]int64),
		store:   store,
	}
}

func guardKey(agent types.Agent, asset string, windowEndMs int64) string {
	return fmt.Sprintf("%s|%s|%d", agent, asset, windowEndMs)
}

// HasEntered reports whether this (agent, asset, window) key already has an
// entry. On a local miss it falls through to the store; a store error is
// treated as "not entered" and logged, since blocking all trading on a read
// failure is worse than the bounded double-entry risk.
func (g *EntryGuard) HasEntered(agent types.Agent, asset string, windowEndMs int64) bool {
	key := guardKey(agent, asset, windowEndMs)

	g.mu.Lock()
	_, ok := g.entered[key]
	g.mu.Unlock()
	if ok {
		return true
	}

	if g.store == nil {
		return false
	}

	entered, err := g.store.HasEntry(agent, asset, windowEndMs)
	if err != nil {
		log.Warn().Err(err).Str("agent", string(agent)).Str("asset", asset).
			Msg("Entry guard store check failed")
		return false
	}
	if entered {
		// Warm the local set so later ticks stay on the fast path
		g.mu.Lock()
		g.entered[key] = windowEndMs
		g.mu.Unlock()
	}
	return entered
}

// MarkEntered records the key locally
func (g *EntryGuard) MarkEntered(agent types.Agent, asset string, windowEndMs int64) {
	g.mu.Lock()
	g.entered[guardKey(agent, asset, windowEndMs)] = windowEndMs
	g.mu.Unlock()
}

// Prune drops keys whose window has passed
func (g *EntryGuard) Prune(now time.Time) {
	nowMs := now.UnixMilli()
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, endMs := range g.entered {
		if endMs < nowMs {
			delete(g.entered, key)
		}
	}
}
