package core

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/mirror"
	"github.com/0xfade/mirrorbot/storage"
	"github.com/0xfade/mirrorbot/types"
	"github.com/0xfade/mirrorbot/venues/kalshi"
	"github.com/0xfade/mirrorbot/venues/polymarket"
	"github.com/0xfade/mirrorbot/window"
)

// memState is an in-memory TieredStore (and therefore StateStore)
type memState struct {
	flags     map[string]bool
	positions []storage.Position
	blocks    map[string]int64
	events    []string
	openPos   map[string]string
	bankrolls map[string]*storage.BankrollRow
	closes    map[string][]decimal.Decimal
}

func newMemState() *memState {
	return &memState{
		flags:     map[string]bool{},
		blocks:    map[string]int64{},
		openPos:   map[string]string{},
		bankrolls: map[string]*storage.BankrollRow{},
		closes:    map[string][]decimal.Decimal{},
	}
}

func (m *memState) Flag(key string) bool { return m.flags[key] }

func (m *memState) LogEvent(_ types.Agent, _ string, _ types.Venue, stage, _, _ string) {
	m.events = append(m.events, stage)
}

func (m *memState) CreatePosition(p *storage.Position) error {
	if p.ID == "" {
		p.ID = storage.NewPositionID()
	}
	m.positions = append(m.positions, *p)
	return nil
}

func (m *memState) HasEntry(agent types.Agent, asset string, windowEndMs int64) (bool, error) {
	for _, p := range m.positions {
		if p.Agent == string(agent) && p.Asset == asset && p.WindowEndMs == windowEndMs {
			return true, nil
		}
	}
	return false, nil
}

func (m *memState) ExtendBlock(scope string, untilMs int64) error {
	if untilMs > m.blocks[scope] {
		m.blocks[scope] = untilMs
	}
	return nil
}

func (m *memState) BlockedUntil(scope string) (int64, error) {
	return m.blocks[scope], nil
}

func (m *memState) CloseTieredPosition(id string, exitPrice, pnl, bankrollAfter decimal.Decimal) error {
	m.closes[id] = []decimal.Decimal{exitPrice, pnl, bankrollAfter}
	return nil
}

func (m *memState) SaveOpenPosition(botID, data string) error {
	m.openPos[botID] = data
	return nil
}

func (m *memState) LoadOpenPosition(botID string) (string, error) {
	return m.openPos[botID], nil
}

func (m *memState) ClearOpenPosition(botID string) error {
	delete(m.openPos, botID)
	return nil
}

func (m *memState) SaveBankroll(row *storage.BankrollRow) error {
	m.bankrolls[row.BotID] = row
	return nil
}

func (m *memState) LoadBankroll(botID string) (*storage.BankrollRow, error) {
	return m.bankrolls[botID], nil
}

func (m *memState) positionsFor(agent types.Agent) []storage.Position {
	var out []storage.Position
	for _, p := range m.positions {
		if p.Agent == string(agent) {
			out = append(out, p)
		}
	}
	return out
}

// fakePrices serves fixed per-asset prices
type fakePrices struct {
	prices map[string]decimal.Decimal
	errs   map[string]error
}

func (f *fakePrices) GetPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	if err := f.errs[asset]; err != nil {
		return decimal.Zero, err
	}
	p, ok := f.prices[asset]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return p, nil
}

// fakeContracts serves one contract per asset
type fakeContracts struct {
	contracts map[string]*kalshi.Contract
}

func (f *fakeContracts) GetCurrentContract(_ context.Context, asset string, now time.Time, class window.Class) (*kalshi.Contract, error) {
	c, ok := f.contracts[asset]
	if !ok {
		return nil, errors.New("no contract")
	}
	return c, nil
}

// fakeExecutor records requests and answers with canned results
type fakeExecutor struct {
	requests []mirror.Request
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, req mirror.Request) (*mirror.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &mirror.Result{OrderID: "K1", MirrorOrderID: "P1"}, nil
}

// fakeMirrorVenue is the tiered engine's trading surface
type fakeMirrorVenue struct {
	market        *polymarket.Market
	lookupErr     error
	orderErr      error
	balance       decimal.Decimal
	collateral    decimal.Decimal
	collateralErr error
	orders        []string // "buy:<token>" / "sell:<token>"
}

func (f *fakeMirrorVenue) GetMarketBySlug(_ context.Context, _ string) (*polymarket.Market, error) {
	return f.market, f.lookupErr
}

func (f *fakeMirrorVenue) PlaceMarketFOK(_ context.Context, tokenID string, size decimal.Decimal, buy bool, _ bool) (string, error) {
	if f.orderErr != nil {
		return "", f.orderErr
	}
	action := "sell"
	if buy {
		action = "buy"
	}
	f.orders = append(f.orders, action+":"+tokenID)
	return "FOK1", nil
}

func (f *fakeMirrorVenue) GetBalance(_ context.Context) (decimal.Decimal, error) {
	return f.collateral, f.collateralErr
}

func (f *fakeMirrorVenue) GetTokenBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	return f.balance, nil
}
