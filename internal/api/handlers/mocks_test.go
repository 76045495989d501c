package handlers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"pumptrader/internal/bot"
	"pumptrader/internal/models"
	"pumptrader/internal/service"
)

var ErrMockDatabase = errors.New("mock database error")

// ============ Mock TradingControl ============

type MockEngine struct {
	mu         sync.Mutex
	trades     map[models.TradeKey]models.TradeRecord
	symbols    []string
	closeErr   error
	closed     []models.TradeKey
	halted     bool
	haltReason string
	active     int
}

func NewMockEngine(trades ...models.TradeRecord) *MockEngine {
	m := &MockEngine{trades: make(map[models.TradeKey]models.TradeRecord)}
	for _, t := range trades {
		m.trades[t.Key()] = t
	}
	return m
}

func (m *MockEngine) Trades() []models.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TradeRecord
	for _, t := range m.trades {
		out = append(out, t)
	}
	return out
}

func (m *MockEngine) CloseTrade(ctx context.Context, key models.TradeKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[key]; !ok {
		return bot.ErrTradeNotFound
	}
	if m.closeErr != nil {
		return m.closeErr
	}
	delete(m.trades, key)
	m.closed = append(m.closed, key)
	return nil
}

func (m *MockEngine) Symbols() []string { return m.symbols }

func (m *MockEngine) Halted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltReason
}

func (m *MockEngine) Resume() {
	m.mu.Lock()
	m.halted, m.haltReason = false, ""
	m.mu.Unlock()
}

func (m *MockEngine) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ============ Mock StreamStatus ============

type MockStream struct {
	last       time.Time
	subscribed []string
}

func (m *MockStream) LastMessageAt() time.Time { return m.last }
func (m *MockStream) Subscribed() []string     { return m.subscribed }

// ============ Mock RiskControl ============

type MockRisk struct {
	state   models.RiskState
	resumed int
}

func (m *MockRisk) State() models.RiskState { return m.state }

func (m *MockRisk) Resume() models.RiskState {
	m.resumed++
	m.state.CircuitBreakerActive = false
	if m.state.DrawdownLevel == models.DrawdownHalted {
		m.state.DrawdownLevel = models.DrawdownReduced
		m.state.PositionSizeMultiplier = 0.5
	}
	m.state.Halted = false
	return m.state
}

// ============ Mock BlacklistService ============

type MockBlacklistService struct {
	entries map[string]models.BlacklistEntry
	errs    map[string]error
	nextID  int64
}

func NewMockBlacklistService() *MockBlacklistService {
	return &MockBlacklistService{
		entries: make(map[string]models.BlacklistEntry),
		errs:    make(map[string]error),
		nextID:  1,
	}
}

func (m *MockBlacklistService) SetError(op string, err error) { m.errs[op] = err }

func (m *MockBlacklistService) AddEntry(symbol, reason string) {
	_, _ = m.Add(context.Background(), symbol, reason)
}

func (m *MockBlacklistService) Add(ctx context.Context, symbol, reason string) (*models.BlacklistEntry, error) {
	if err := m.errs["add"]; err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, service.ErrBlacklistSymbolEmpty
	}
	if _, ok := m.entries[symbol]; ok {
		return nil, service.ErrBlacklistSymbolExists
	}
	e := models.BlacklistEntry{ID: m.nextID, Symbol: symbol, Reason: reason, CreatedAt: time.Now()}
	m.nextID++
	m.entries[symbol] = e
	return &e, nil
}

func (m *MockBlacklistService) List(ctx context.Context) ([]models.BlacklistEntry, error) {
	if err := m.errs["get"]; err != nil {
		return nil, err
	}
	out := []models.BlacklistEntry{}
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MockBlacklistService) Remove(ctx context.Context, symbol string) error {
	if err := m.errs["remove"]; err != nil {
		return err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return service.ErrBlacklistSymbolEmpty
	}
	if _, ok := m.entries[symbol]; !ok {
		return service.ErrBlacklistEntryNotFound
	}
	delete(m.entries, symbol)
	return nil
}

// ============ Mock NotificationReader ============

type MockNotifications struct {
	list      []*models.Notification
	lastTypes []string
	lastLimit int
}

func (m *MockNotifications) GetNotifications(types []string, limit int) []*models.Notification {
	m.lastTypes, m.lastLimit = types, limit
	if len(m.list) > limit {
		return m.list[:limit]
	}
	return m.list
}

// ============ Mock StatsService ============

type MockStats struct {
	report     models.PerformanceReport
	events     []models.TradeEvent
	snaps      []models.EquitySnapshot
	err        error
	lastFrom   time.Time
	lastTo     time.Time
	lastEquity float64
	weekCalled bool
	lastLimit  int
	lastPeriod string
}

func (m *MockStats) Report(ctx context.Context, from, to time.Time, eq float64) (models.PerformanceReport, error) {
	m.lastFrom, m.lastTo, m.lastEquity = from, to, eq
	return m.report, m.err
}

func (m *MockStats) CurrentWeek(ctx context.Context, eq float64) (models.PerformanceReport, error) {
	m.weekCalled, m.lastEquity = true, eq
	return m.report, m.err
}

func (m *MockStats) RecentEvents(ctx context.Context, limit int) ([]models.TradeEvent, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.events, nil
}

func (m *MockStats) EquityHistory(ctx context.Context, period string, from, to time.Time) ([]models.EquitySnapshot, error) {
	m.lastPeriod, m.lastFrom, m.lastTo = period, from, to
	if m.err != nil {
		return nil, m.err
	}
	return m.snaps, nil
}
