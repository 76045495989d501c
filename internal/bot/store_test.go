package bot

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pumptrader/internal/models"
)

func testTrade(symbol, rule string, entry time.Time, expiry time.Duration) models.TradeRecord {
	return models.TradeRecord{
		Symbol:         symbol,
		RuleID:         rule,
		EntryTimestamp: entry,
		EntryPrice:     100,
		PositionSize:   2,
		TakeProfit:     130,
		StopLoss:       92,
		ExpiryTime:     entry.Add(expiry),
		State:          models.TradeStateActive,
	}
}

func TestTradeStore_ReserveUniqueness(t *testing.T) {
	s := NewTradeStore(5, nil)
	key := models.TradeKey{Symbol: "BTCUSDT", RuleID: "Rule 8"}

	require.NoError(t, s.Reserve(key))
	require.ErrorIs(t, s.Reserve(key), ErrTradeExists)

	// другое правило на том же символе - другой ключ
	require.NoError(t, s.Reserve(models.TradeKey{Symbol: "BTCUSDT", RuleID: "Rule 6"}))
	require.True(t, s.PendingSymbol("BTCUSDT"))

	require.NoError(t, s.Add(testTrade("BTCUSDT", "Rule 8", time.Now(), time.Hour)))
	require.ErrorIs(t, s.Reserve(key), ErrTradeExists)
	require.ErrorIs(t, s.Add(testTrade("BTCUSDT", "Rule 8", time.Now(), time.Hour)), ErrTradeExists)
}

func TestTradeStore_CapacityCountsPendingAndSkipsBreakeven(t *testing.T) {
	s := NewTradeStore(2, nil)
	now := time.Now()

	require.NoError(t, s.Add(testTrade("AAAUSDT", "Rule 8", now, time.Hour)))
	require.NoError(t, s.Reserve(models.TradeKey{Symbol: "BBBUSDT", RuleID: "Rule 8"}))
	require.Equal(t, 2, s.ActiveCount())

	// лимит исчерпан: 1 сделка + 1 резерв
	err := s.Reserve(models.TradeKey{Symbol: "CCCUSDT", RuleID: "Rule 8"})
	require.ErrorIs(t, err, ErrCapacityReached)

	// сделка в безубытке освобождает слот
	_, err = s.MarkBreakeven(models.TradeKey{Symbol: "AAAUSDT", RuleID: "Rule 8"}, 100.1)
	require.NoError(t, err)
	require.NoError(t, s.Reserve(models.TradeKey{Symbol: "CCCUSDT", RuleID: "Rule 8"}))

	// снятие резерва
	s.Release(models.TradeKey{Symbol: "BBBUSDT", RuleID: "Rule 8"})
	require.False(t, s.PendingSymbol("BBBUSDT"))
}

func TestTradeStore_BreakevenMonotonic(t *testing.T) {
	s := NewTradeStore(5, nil)
	rec := testTrade("ETHUSDT", "Rule 6", time.Now(), time.Hour)
	require.NoError(t, s.Add(rec))

	got, err := s.MarkBreakeven(rec.Key(), 100.1)
	require.NoError(t, err)
	require.True(t, got.BreakevenTriggered)
	require.Equal(t, models.TradeStateBreakeven, got.State)
	require.Equal(t, 100.1, got.StopLoss)

	_, err = s.MarkBreakeven(rec.Key(), 105)
	require.True(t, errors.Is(err, ErrInvalidTransition))

	stored, _ := s.Get(rec.Key())
	require.True(t, stored.BreakevenTriggered)
	require.Equal(t, 100.1, stored.StopLoss)

	_, err = s.MarkBreakeven(models.TradeKey{Symbol: "NOPE", RuleID: "x"}, 1)
	require.ErrorIs(t, err, ErrTradeNotFound)
}

func TestTradeStore_ReturnsCopies(t *testing.T) {
	s := NewTradeStore(5, nil)
	rec := testTrade("SOLUSDT", "Rule 8", time.Now(), time.Hour)
	require.NoError(t, s.Add(rec))

	list := s.List()
	list[0].StopLoss = 1
	got, _ := s.Get(rec.Key())
	require.Equal(t, 92.0, got.StopLoss)
}

func TestTradeStore_ExpiryTimerFires(t *testing.T) {
	fired := make(chan models.TradeKey, 1)
	s := NewTradeStore(5, func(k models.TradeKey) { fired <- k })

	rec := testTrade("XRPUSDT", "Rule 8", time.Now(), 20*time.Millisecond)
	require.NoError(t, s.Add(rec))

	select {
	case k := <-fired:
		require.Equal(t, rec.Key(), k)
	case <-time.After(time.Second):
		t.Fatal("expiry timer did not fire")
	}
}

func TestTradeStore_RemoveStopsTimer(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	s := NewTradeStore(5, func(models.TradeKey) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	rec := testTrade("DOGEUSDT", "Rule 6", time.Now(), 30*time.Millisecond)
	require.NoError(t, s.Add(rec))

	closed, ok := s.Remove(rec.Key(), models.CloseReasonExternal)
	require.True(t, ok)
	require.Equal(t, models.TradeStateClosed, closed.State)
	require.Equal(t, models.CloseReasonExternal, closed.ClosureReason)

	// повторное закрытие безопасно
	_, ok = s.Remove(rec.Key(), models.CloseReasonExternal)
	require.False(t, ok)

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, fired, "timer must be stopped on close")
}

func TestTradeStore_ListSortedByEntry(t *testing.T) {
	s := NewTradeStore(5, nil)
	now := time.Now()
	require.NoError(t, s.Add(testTrade("ETHUSDT", "Rule 6", now.Add(time.Second), time.Hour)))
	require.NoError(t, s.Add(testTrade("BTCUSDT", "Rule 8", now, time.Hour)))

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "BTCUSDT", list[0].Symbol)
	require.Equal(t, 2, s.Len())
}

func TestTradeStore_RetryExpiryRearmsTimer(t *testing.T) {
	fired := make(chan models.TradeKey, 2)
	s := NewTradeStore(5, func(k models.TradeKey) { fired <- k })

	// срок уже истек: таймер срабатывает сразу
	rec := testTrade("SOLUSDT", "Rule 8", time.Now(), -time.Minute)
	require.NoError(t, s.Add(rec))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expiry timer did not fire")
	}

	require.True(t, s.RetryExpiry(rec.Key(), 10*time.Millisecond))
	select {
	case k := <-fired:
		require.Equal(t, rec.Key(), k)
	case <-time.After(time.Second):
		t.Fatal("retry timer did not fire")
	}

	_, _ = s.Remove(rec.Key(), models.CloseReasonExpired)
	require.False(t, s.RetryExpiry(rec.Key(), time.Millisecond))
}

func TestTradeStore_StopTimersKeepsTrades(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	s := NewTradeStore(5, func(models.TradeKey) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	require.NoError(t, s.Add(testTrade("BTCUSDT", "Rule 8", time.Now(), 30*time.Millisecond)))
	s.StopTimers()

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	require.Zero(t, fired)
	mu.Unlock()
	require.Equal(t, 1, s.Len())

	// повтор после остановки таймеров снова работает
	require.True(t, s.RetryExpiry(models.TradeKey{Symbol: "BTCUSDT", RuleID: "Rule 8"}, time.Millisecond))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, time.Second, time.Millisecond)
}

func TestTradeStore_AddRejectsClosed(t *testing.T) {
	s := NewTradeStore(5, nil)
	rec := testTrade("BTCUSDT", "Rule 8", time.Now(), time.Hour)
	rec.State = models.TradeStateClosed
	require.ErrorIs(t, s.Add(rec), ErrInvalidTransition)
}
