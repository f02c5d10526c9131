package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/0xfade/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORE - The only channel between agent processes
// ═══════════════════════════════════════════════════════════════════════════════
//
// Positions are append-only plus a write-once outcome. Blocks, bankroll and
// flags are the small mutable control rows. Trading-path writes are
// fire-and-forget: a store error is logged, never re-raised to abort a
// decision already made.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Models

// Position is one placed order on one venue. entered_at, agent, asset and
// venue never change after creation; outcome goes null -> exactly one
// terminal value, written by the resolver only.
type Position struct {
	ID            string `gorm:"primaryKey"`
	Agent         string `gorm:"index"`
	Asset         string `gorm:"index"`
	Venue         string `gorm:"index"`
	Side          string
	WindowEndMs   int64           `gorm:"index"`
	SpreadAtEntry decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size          decimal.Decimal `gorm:"type:decimal(20,6)"`
	MarketRef     string
	OrderID       string
	Raw           string          // venue response, JSON
	EntryPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExitPrice     decimal.Decimal `gorm:"type:decimal(10,6)"`
	PnL           decimal.Decimal `gorm:"column:pnl;type:decimal(20,6)"`
	BankrollAfter decimal.Decimal `gorm:"type:decimal(20,6)"`
	Outcome       *string         `gorm:"index"`
	EnteredAt     time.Time
	ResolvedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Block is a cooldown scope. blocked_until_ms only ever moves forward.
type Block struct {
	Scope          string `gorm:"primaryKey"`
	BlockedUntilMs int64
	UpdatedAt      time.Time
}

// BankrollRow has exactly one writer: the process owning bot_id.
type BankrollRow struct {
	BotID              string          `gorm:"primaryKey"`
	Bankroll           decimal.Decimal `gorm:"type:decimal(20,6)"`
	PeakBankroll       decimal.Decimal `gorm:"type:decimal(20,6)"`
	DailyStartBankroll decimal.Decimal `gorm:"type:decimal(20,6)"`
	DailyStartDate     string
	ConsecutiveLosses  int
	CooldownUntilMs    int64
	TierSnapshot       string // JSON copy of the tier table in force
	UpdatedAt          time.Time
}

// OpenPositionRow persists a tiered agent's open position across restarts
type OpenPositionRow struct {
	BotID     string `gorm:"primaryKey"`
	Data      string // JSON
	UpdatedAt time.Time
}

// ControlRow carries global flags (pause, emergency_off) read fresh each tick
type ControlRow struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// EventLog records skips and errors with structured context for operators
type EventLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Agent     string `gorm:"index"`
	Asset     string
	Venue     string
	Stage     string
	Level     string
	Message   string
	CreatedAt time.Time
}

const (
	ControlPause        = "pause"
	ControlEmergencyOff = "emergency_off"
)

type Store struct {
	db *gorm.DB
}

// New opens Postgres when given a postgres:// URL, otherwise a SQLite file
func New(databaseURL string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Store connected (PostgreSQL)")
	} else {
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", databaseURL).Msg("💾 Store initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Position{}, &Block{}, &BankrollRow{}, &OpenPositionRow{}, &ControlRow{}, &EventLog{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NewPositionID mints a position id
func NewPositionID() string {
	return uuid.NewString()
}

// CreatePosition appends a position row
func (s *Store) CreatePosition(p *Position) error {
	if p.ID == "" {
		p.ID = NewPositionID()
	}
	return s.db.Create(p).Error
}

// UnresolvedPositions returns all rows with a null outcome, oldest first
func (s *Store) UnresolvedPositions(limit int) ([]Position, error) {
	var positions []Position
	err := s.db.Where("outcome IS NULL").Order("entered_at ASC").Limit(limit).Find(&positions).Error
	return positions, err
}

// ResolvePosition writes the terminal outcome. The outcome IS NULL predicate
// makes a re-run on an already-resolved row a no-op.
func (s *Store) ResolvePosition(id string, outcome types.Outcome) error {
	now := time.Now()
	res := s.db.Model(&Position{}).
		Where("id = ? AND outcome IS NULL", id).
		Updates(map[string]any{"outcome": string(outcome), "resolved_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil // already resolved by a previous pass
	}
	return nil
}

// CloseTieredPosition records exit detail on the originating row
func (s *Store) CloseTieredPosition(id string, exitPrice, pnl, bankrollAfter decimal.Decimal) error {
	return s.db.Model(&Position{}).Where("id = ?", id).
		Updates(map[string]any{
			"exit_price":     exitPrice,
			"pnl":            pnl,
			"bankroll_after": bankrollAfter,
		}).Error
}

// HasEntry reports whether a position exists for the idempotency key on any
// venue. The tiered agent re-checks this on restart before re-entering.
func (s *Store) HasEntry(agent types.Agent, asset string, windowEndMs int64) (bool, error) {
	var count int64
	err := s.db.Model(&Position{}).
		Where("agent = ? AND asset = ? AND window_end_ms = ?", string(agent), asset, windowEndMs).
		Count(&count).Error
	return count > 0, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// BLOCKS
// ═══════════════════════════════════════════════════════════════════════════════

// ExtendBlock moves a scope's deadline forward. A shorter deadline never
// overwrites a longer one; the guard lives in the UPDATE's WHERE clause so
// concurrent writers on one scope cannot regress each other.
func (s *Store) ExtendBlock(scope string, untilMs int64) error {
	extend := func() (int64, error) {
		res := s.db.Model(&Block{}).
			Where("scope = ? AND blocked_until_ms < ?", scope, untilMs).
			Update("blocked_until_ms", untilMs)
		return res.RowsAffected, res.Error
	}

	n, err := extend()
	if err != nil || n > 0 {
		return err
	}

	// Zero rows: the scope is absent or already further out. Insert-if-absent
	// covers the first case; a conflict means another writer created the row
	// between the two statements, so the guarded update runs once more.
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Block{Scope: scope, BlockedUntilMs: untilMs})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	_, err = extend()
	return err
}

// BlockedUntil returns a scope's deadline in epoch ms, zero when unset
func (s *Store) BlockedUntil(scope string) (int64, error) {
	var block Block
	err := s.db.Where("scope = ?", scope).First(&block).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return block.BlockedUntilMs, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BANKROLL + OPEN POSITION
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Store) SaveBankroll(row *BankrollRow) error {
	return s.db.Save(row).Error
}

func (s *Store) LoadBankroll(botID string) (*BankrollRow, error) {
	var row BankrollRow
	err := s.db.Where("bot_id = ?", botID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) SaveOpenPosition(botID, data string) error {
	return s.db.Save(&OpenPositionRow{BotID: botID, Data: data}).Error
}

func (s *Store) LoadOpenPosition(botID string) (string, error) {
	var row OpenPositionRow
	err := s.db.Where("bot_id = ?", botID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Data, nil
}

func (s *Store) ClearOpenPosition(botID string) error {
	return s.db.Delete(&OpenPositionRow{}, "bot_id = ?", botID).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTROL FLAGS + EVENT LOG
// ═══════════════════════════════════════════════════════════════════════════════

// Flag reads a control row; missing or unreadable rows mean "off" so a store
// outage cannot wedge every agent into a phantom pause.
func (s *Store) Flag(key string) bool {
	var row ControlRow
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		return false
	}
	return row.Value == "true" || row.Value == "1"
}

func (s *Store) SetFlag(key string, on bool) error {
	value := "false"
	if on {
		value = "true"
	}
	return s.db.Save(&ControlRow{Key: key, Value: value}).Error
}

// LogEvent is fire-and-forget; failures are logged locally and swallowed
func (s *Store) LogEvent(agent types.Agent, asset string, venue types.Venue, stage, level, message string) {
	row := &EventLog{
		Agent:   string(agent),
		Asset:   asset,
		Venue:   string(venue),
		Stage:   stage,
		Level:   level,
		Message: message,
	}
	if err := s.db.Create(row).Error; err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("Failed to persist event log")
	}
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return sqlDB.Close()
}
