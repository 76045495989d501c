package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"pumptrader/internal/models"
	"pumptrader/internal/repository"
)

// ============ Mock BlacklistStore ============

type MockBlacklistStore struct {
	entries   map[string]models.BlacklistEntry
	addErr    error
	listErr   error
	removeErr error
	nextID    int64
}

func NewMockBlacklistStore() *MockBlacklistStore {
	return &MockBlacklistStore{
		entries: make(map[string]models.BlacklistEntry),
		nextID:  1,
	}
}

func (m *MockBlacklistStore) Add(ctx context.Context, entry *models.BlacklistEntry) error {
	if m.addErr != nil {
		return m.addErr
	}
	if _, exists := m.entries[entry.Symbol]; exists {
		return repository.ErrBlacklistEntryExists
	}
	entry.ID = m.nextID
	m.nextID++
	entry.CreatedAt = time.Now()
	m.entries[entry.Symbol] = *entry
	return nil
}

func (m *MockBlacklistStore) List(ctx context.Context) ([]models.BlacklistEntry, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []models.BlacklistEntry
	for _, e := range m.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (m *MockBlacklistStore) Remove(ctx context.Context, symbol string) error {
	if m.removeErr != nil {
		return m.removeErr
	}
	if _, exists := m.entries[symbol]; !exists {
		return repository.ErrBlacklistEntryNotFound
	}
	delete(m.entries, symbol)
	return nil
}

func (m *MockBlacklistStore) Exists(ctx context.Context, symbol string) (bool, error) {
	_, exists := m.entries[symbol]
	return exists, nil
}

// ============ Mock JournalReader ============

type MockJournal struct {
	events  []models.TradeEvent
	readErr error
}

func (m *MockJournal) ReadSince(ctx context.Context, since time.Time) ([]models.TradeEvent, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	var out []models.TradeEvent
	for _, e := range m.events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockJournal) Recent(ctx context.Context, limit int) ([]models.TradeEvent, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	var out []models.TradeEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// ============ Mock EquityReader ============

type MockEquity struct {
	snaps []models.EquitySnapshot
}

func (m *MockEquity) Latest(ctx context.Context, period string) (*models.EquitySnapshot, error) {
	for i := len(m.snaps) - 1; i >= 0; i-- {
		if m.snaps[i].Period == period {
			s := m.snaps[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (m *MockEquity) Range(ctx context.Context, period string, from, to time.Time) ([]models.EquitySnapshot, error) {
	var out []models.EquitySnapshot
	for _, s := range m.snaps {
		if s.Period == period && !s.TakenAt.Before(from) && s.TakenAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ============ Mock WebSocketBroadcaster ============

type MockBroadcaster struct {
	mu   sync.Mutex
	sent []*models.Notification
}

func (m *MockBroadcaster) BroadcastNotification(notif *models.Notification) {
	m.mu.Lock()
	m.sent = append(m.sent, notif)
	m.mu.Unlock()
}

func (m *MockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
