package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/window"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION - One versioned struct, defaults applied once at load
// ═══════════════════════════════════════════════════════════════════════════════

// Tier is one nested spread threshold within the tiered agent. Wider tiers
// have higher priority; a wider fill blocks the narrower tiers for the
// configured durations (independently for the adjacent tier and the most
// conservative one).
type Tier struct {
	SpreadThresholdPct    decimal.Decimal `yaml:"spread_threshold_pct"`
	EntryOffsetSec        int             `yaml:"entry_offset_sec"` // earliest entry, seconds after window open
	LimitPrice            decimal.Decimal `yaml:"limit_price"`
	BlocksAdjacentMin     int             `yaml:"blocks_adjacent_min"`
	BlocksConservativeMin int             `yaml:"blocks_conservative_min"`
}

// ThresholdAgent is the per-agent entry configuration for the b1/b2/b3 family
type ThresholdAgent struct {
	Agent        types.Agent
	Phase        window.Phase               // PhaseLateOuter also covers PhaseLateFinal for b3
	ThresholdPct map[string]decimal.Decimal // per asset
}

// Config is the full runtime configuration. Every default lives in Load();
// no read site applies its own fallback.
type Config struct {
	// Identity
	BotID string

	// Assets
	Assets []string

	// Mode
	DryRun bool
	Debug  bool

	// Kalshi (canonical venue)
	KalshiBaseURL   string
	KalshiAPIKey    string
	KalshiAPISecret string

	// Polymarket (mirror venue)
	PolymarketEnabled  bool
	PolymarketCLOBURL  string
	PolymarketAPIKey   string
	PolymarketSecret   string
	PolymarketProxyURL string // mirror traffic only; bound to that client's transport
	PolymarketMinSize  decimal.Decimal

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Database
	DatabaseURL string

	// Window model
	Phases   window.PhaseSpec
	Blackout window.Blackout

	// Threshold family
	ThresholdAgents    []ThresholdAgent
	HighSpreadGuardPct decimal.Decimal // b2-observed guard that blocks b3
	GuardBlockMin      int
	AssetBlockMin      int             // set when b1 fills
	QuoteFloorPct      decimal.Decimal // b3 quote gate band
	QuoteCeilingPct    decimal.Decimal
	SanityCeilingPct   decimal.Decimal // fail-safe, independent of thresholds

	// Tiered agent
	TierTables            map[string][]Tier // per asset, widest first
	MomentumThresholdPct  decimal.Decimal
	TakeProfitPct         decimal.Decimal
	StopLossPct           decimal.Decimal
	ForcedExitMargin      time.Duration // exit when less than this remains
	MinEntryLead          time.Duration // skip entry when less than this remains
	MaxTradesPerWindow    int
	PositionNotional      decimal.Decimal
	EarlyGuardPct         decimal.Decimal
	EarlyGuardCooldownMin int
	HoldToResolution      bool // spread-tier variant: no TP/SL, resolve at window close

	// Loop cadence
	ThresholdTick time.Duration
	TieredTick    time.Duration

	// Resolver
	ResolverSchedule string // cron spec
	SettlementGrace  time.Duration
}

// Load reads configuration from the environment, applying all defaults here
func Load() (*Config, error) {
	cfg := &Config{
		BotID: getEnv("BOT_ID", "b4"),

		Assets: splitList(getEnv("TRADING_ASSETS", "BTC,ETH,SOL")),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		KalshiBaseURL:   getEnv("KALSHI_API_URL", "https://api.elections.kalshi.com/trade-api/v2"),
		KalshiAPIKey:    os.Getenv("KALSHI_API_KEY"),
		KalshiAPISecret: os.Getenv("KALSHI_API_SECRET"),

		PolymarketEnabled:  getEnvBool("POLYMARKET_ENABLED", true),
		PolymarketCLOBURL:  getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		PolymarketAPIKey:   os.Getenv("POLY_API_KEY"),
		PolymarketSecret:   os.Getenv("POLY_API_SECRET"),
		PolymarketProxyURL: os.Getenv("POLY_PROXY_URL"),
		PolymarketMinSize:  getEnvDecimal("POLY_MIN_SIZE", decimal.NewFromInt(1)),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabaseURL: getEnv("DATABASE_URL", "data/mirrorbot.db"),

		Phases: window.DefaultPhases(),

		HighSpreadGuardPct: getEnvDecimal("HIGH_SPREAD_GUARD_PCT", decimal.NewFromFloat(1.5)),
		GuardBlockMin:      getEnvInt("GUARD_BLOCK_MIN", 10),
		AssetBlockMin:      getEnvInt("ASSET_BLOCK_MIN", 30),
		QuoteFloorPct:      getEnvDecimal("QUOTE_FLOOR_PCT", decimal.NewFromInt(55)),
		QuoteCeilingPct:    getEnvDecimal("QUOTE_CEILING_PCT", decimal.NewFromInt(90)),
		SanityCeilingPct:   getEnvDecimal("SANITY_CEILING_PCT", decimal.NewFromInt(10)),

		MomentumThresholdPct:  getEnvDecimal("MOMENTUM_THRESHOLD_PCT", decimal.NewFromFloat(0.25)),
		TakeProfitPct:         getEnvDecimal("TAKE_PROFIT_PCT", decimal.NewFromInt(8)),
		StopLossPct:           getEnvDecimal("STOP_LOSS_PCT", decimal.NewFromInt(5)),
		ForcedExitMargin:      getEnvDuration("FORCED_EXIT_MARGIN", 25*time.Second),
		MinEntryLead:          getEnvDuration("MIN_ENTRY_LEAD", 75*time.Second),
		MaxTradesPerWindow:    getEnvInt("MAX_TRADES_PER_WINDOW", 2),
		PositionNotional:      getEnvDecimal("POSITION_NOTIONAL", decimal.NewFromInt(25)),
		EarlyGuardPct:         getEnvDecimal("EARLY_GUARD_PCT", decimal.NewFromInt(1)),
		EarlyGuardCooldownMin: getEnvInt("EARLY_GUARD_COOLDOWN_MIN", 20),
		HoldToResolution:      getEnvBool("HOLD_TO_RESOLUTION", false),

		ThresholdTick: getEnvDuration("THRESHOLD_TICK", 5*time.Second),
		TieredTick:    getEnvDuration("TIERED_TICK", 2*time.Second),

		ResolverSchedule: getEnv("RESOLVER_SCHEDULE", "*/2 * * * *"),
		SettlementGrace:  getEnvDuration("SETTLEMENT_GRACE", 3*time.Minute),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	blackout, err := window.ParseBlackout(getEnv("DAILY_BLACKOUT_UTC", ""))
	if err != nil {
		return nil, err
	}
	cfg.Blackout = blackout

	cfg.ThresholdAgents = defaultThresholdAgents(cfg.Assets)
	cfg.TierTables = defaultTierTables(cfg.Assets)

	if path := os.Getenv("TIER_TABLE_FILE"); path != "" {
		if err := cfg.loadTierFile(path); err != nil {
			return nil, err
		}
	}

	if !cfg.DryRun && (cfg.KalshiAPIKey == "" || cfg.KalshiAPISecret == "") {
		return nil, fmt.Errorf("KALSHI_API_KEY and KALSHI_API_SECRET are required outside dry run")
	}

	return cfg, nil
}

// defaultThresholdAgents builds the b1/b2/b3 family with uniform per-asset
// thresholds; per-asset overrides come from env THRESHOLD_<AGENT>_<ASSET>.
func defaultThresholdAgents(assets []string) []ThresholdAgent {
	defaults := map[types.Agent]struct {
		phase window.Phase
		pct   decimal.Decimal
	}{
		types.AgentWide:   {window.PhaseEarly, decimal.NewFromFloat(1.0)},
		types.AgentMid:    {window.PhaseMid, decimal.NewFromFloat(0.5)},
		types.AgentNarrow: {window.PhaseLateOuter, decimal.NewFromFloat(0.3)},
	}

	agents := make([]ThresholdAgent, 0, len(defaults))
	for _, agent := range []types.Agent{types.AgentWide, types.AgentMid, types.AgentNarrow} {
		d := defaults[agent]
		thresholds := make(map[string]decimal.Decimal, len(assets))
		for _, asset := range assets {
			key := fmt.Sprintf("THRESHOLD_%s_%s", strings.ToUpper(string(agent)), strings.ToUpper(asset))
			thresholds[asset] = getEnvDecimal(key, d.pct)
		}
		agents = append(agents, ThresholdAgent{Agent: agent, Phase: d.phase, ThresholdPct: thresholds})
	}
	return agents
}

func defaultTierTables(assets []string) map[string][]Tier {
	tables := make(map[string][]Tier, len(assets))
	for _, asset := range assets {
		tables[asset] = []Tier{
			{
				SpreadThresholdPct:    decimal.NewFromFloat(0.8),
				EntryOffsetSec:        30,
				LimitPrice:            decimal.NewFromFloat(0.85),
				BlocksAdjacentMin:     15,
				BlocksConservativeMin: 30,
			},
			{
				SpreadThresholdPct:    decimal.NewFromFloat(0.5),
				EntryOffsetSec:        60,
				LimitPrice:            decimal.NewFromFloat(0.80),
				BlocksAdjacentMin:     10,
				BlocksConservativeMin: 0,
			},
			{
				SpreadThresholdPct:    decimal.NewFromFloat(0.3),
				EntryOffsetSec:        120,
				LimitPrice:            decimal.NewFromFloat(0.75),
				BlocksAdjacentMin:     0,
				BlocksConservativeMin: 0,
			},
		}
	}
	return tables
}

// loadTierFile replaces tier tables from a YAML file keyed by asset
func (c *Config) loadTierFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tier table file: %w", err)
	}
	var tables map[string][]Tier
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return fmt.Errorf("tier table file %s: %w", path, err)
	}
	for asset, tiers := range tables {
		if len(tiers) == 0 {
			return fmt.Errorf("tier table file %s: empty table for %s", path, asset)
		}
		c.TierTables[strings.ToUpper(asset)] = tiers
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.ToUpper(strings.TrimSpace(p)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
