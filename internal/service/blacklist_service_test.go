package service

import (
	"context"
	"errors"
	"testing"

	"pumptrader/internal/models"
)

func TestBlacklistServiceAdd(t *testing.T) {
	tests := []struct {
		name        string
		symbol      string
		reason      string
		setup       func(m *MockBlacklistStore)
		expectError error
		expectSym   string
	}{
		{name: "success", symbol: " btcusdt ", reason: " thin book ", expectSym: "BTCUSDT"},
		{name: "normalized", symbol: "eth/usdt", reason: "thin book", expectSym: "ETHUSDT"},
		{name: "empty symbol", symbol: "   ", expectError: ErrBlacklistSymbolEmpty},
		{name: "not usdt", symbol: "BTCUSD", expectError: ErrBlacklistSymbolInvalid},
		{name: "bad characters", symbol: "BTC$USDT", expectError: ErrBlacklistSymbolInvalid},
		{
			name:   "duplicate",
			symbol: "ETHUSDT",
			setup: func(m *MockBlacklistStore) {
				_ = m.Add(context.Background(), &models.BlacklistEntry{Symbol: "ETHUSDT"})
			},
			expectError: ErrBlacklistSymbolExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMockBlacklistStore()
			if tt.setup != nil {
				tt.setup(store)
			}
			var refreshed int
			svc := NewBlacklistService(store, func(ctx context.Context) error {
				refreshed++
				return nil
			}, nil)

			entry, err := svc.Add(context.Background(), tt.symbol, tt.reason)
			if !errors.Is(err, tt.expectError) {
				t.Fatalf("expected %v, got %v", tt.expectError, err)
			}
			if tt.expectError != nil {
				if refreshed != 0 {
					t.Error("refresh must not run on failure")
				}
				return
			}
			if entry.Symbol != tt.expectSym {
				t.Errorf("expected symbol %s, got %s", tt.expectSym, entry.Symbol)
			}
			if entry.Reason != "thin book" {
				t.Errorf("reason not trimmed: %q", entry.Reason)
			}
			if refreshed != 1 {
				t.Errorf("expected 1 refresh, got %d", refreshed)
			}
		})
	}
}

func TestBlacklistServiceRemove(t *testing.T) {
	store := NewMockBlacklistStore()
	svc := NewBlacklistService(store, nil, nil)
	ctx := context.Background()

	if _, err := svc.Add(ctx, "SOLUSDT", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Remove(ctx, "SOLUSDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Remove(ctx, "SOLUSDT"); !errors.Is(err, ErrBlacklistEntryNotFound) {
		t.Errorf("expected ErrBlacklistEntryNotFound, got %v", err)
	}
	if err := svc.Remove(ctx, ""); !errors.Is(err, ErrBlacklistSymbolEmpty) {
		t.Errorf("expected ErrBlacklistSymbolEmpty, got %v", err)
	}
}

func TestBlacklistServiceRefreshErrorIgnored(t *testing.T) {
	svc := NewBlacklistService(NewMockBlacklistStore(), func(ctx context.Context) error {
		return errors.New("stream down")
	}, nil)

	if _, err := svc.Add(context.Background(), "XRPUSDT", ""); err != nil {
		t.Fatalf("refresh error must not fail Add: %v", err)
	}
}

func TestBlacklistServiceList(t *testing.T) {
	store := NewMockBlacklistStore()
	svc := NewBlacklistService(store, nil, nil)

	entries, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", entries)
	}

	store.listErr = errors.New("db down")
	if _, err := svc.List(context.Background()); err == nil {
		t.Error("expected error, got nil")
	}
}
