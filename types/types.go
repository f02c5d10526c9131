package types

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a binary-market entry
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Outcome is the terminal result of a position, set exactly once by the resolver
type Outcome string

const (
	OutcomeWin    Outcome = "win"
	OutcomeLoss   Outcome = "loss"
	OutcomeNoFill Outcome = "no_fill"
)

// Venue identifies an execution venue
type Venue string

const (
	VenueKalshi     Venue = "kalshi"     // canonical
	VenuePolymarket Venue = "polymarket" // mirror
)

// Agent names the cooperating bots sharing a window
type Agent string

const (
	AgentWide   Agent = "b1" // earliest phase, widest threshold, blocks the others on fill
	AgentMid    Agent = "b2" // mid-window
	AgentNarrow Agent = "b3" // last minutes, quote-gated
	AgentTiered Agent = "b4" // single-asset tiered momentum/spread agent
)
