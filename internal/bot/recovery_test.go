package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pumptrader/internal/models"
	"pumptrader/internal/signal"
)

func newRecoveryFixture(t *testing.T) (*RecoveryManager, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t, 5, staticRisk(1))
	m := NewRecoveryManager(RecoveryConfig{
		ReplayWindow: 7 * 24 * time.Hour,
		TradeExpiry:  72 * time.Hour,
		AdoptedHold:  48 * time.Hour,
		StaleAge:     72 * time.Hour,
	}, f.journal, f.trader, f.engine, f.notifier, nil)
	return m, f
}

func TestRecovery_Recover(t *testing.T) {
	m, f := newRecoveryFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// живая сделка с позицией
	live := testTrade("BTCUSDT", signal.RuleScore, now.Add(-2*time.Hour), 72*time.Hour)
	require.NoError(t, f.journal.Append(ctx, mustOpened(t, live)))
	f.trader.setPosition(models.Position{Symbol: "BTCUSDT", Size: 2, EntryPrice: 100})

	// сделка, закрытая биржей во время простоя
	gone := testTrade("ETHUSDT", signal.RuleMomentum, now.Add(-3*time.Hour), 72*time.Hour)
	require.NoError(t, f.journal.Append(ctx, mustOpened(t, gone)))

	// сделка уже закрыта в журнале
	done := testTrade("SOLUSDT", signal.RuleScore, now.Add(-5*time.Hour), 72*time.Hour)
	require.NoError(t, f.journal.Append(ctx, mustOpened(t, done)))
	require.NoError(t, f.journal.Append(ctx, closedEvent(done, models.CloseReasonExpired, now.Add(-time.Hour))))

	// неизвестная свежая позиция и неизвестная старая
	f.trader.setPosition(models.Position{Symbol: "ADAUSDT", Size: 10, EntryPrice: 0.5, CreatedAt: now.Add(-time.Hour)})
	f.trader.setPosition(models.Position{Symbol: "XRPUSDT", Size: 10, EntryPrice: 0.6, CreatedAt: now.Add(-100 * time.Hour)})

	sum, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, RecoverySummary{Restored: 1, ClosedDowntime: 1, StaleClosed: 1, Adopted: 1}, sum)

	keys := make(map[models.TradeKey]bool)
	for _, rec := range f.engine.Trades() {
		keys[rec.Key()] = true
	}
	require.True(t, keys[live.Key()])
	require.True(t, keys[models.TradeKey{Symbol: "ADAUSDT", RuleID: models.RecoveredRuleID}])
	require.Len(t, keys, 2)

	require.Equal(t, []string{"XRPUSDT"}, f.trader.closedSymbols())

	var downtime int
	for _, e := range f.journal.byEvent(models.EventClosed) {
		if e.Reason == models.CloseReasonExternalDowntime {
			require.Equal(t, "ETHUSDT", e.Symbol)
			downtime++
		}
	}
	require.Equal(t, 1, downtime)
	require.Equal(t, 1, f.notifier.count(models.NotificationTypeStartup))
}

func TestRecovery_ExpiredTradeClosedImmediately(t *testing.T) {
	m, f := newRecoveryFixture(t)
	ctx := context.Background()

	old := testTrade("BTCUSDT", signal.RuleScore, time.Now().UTC().Add(-80*time.Hour), 72*time.Hour)
	require.NoError(t, f.journal.Append(ctx, mustOpened(t, old)))
	f.trader.setPosition(models.Position{Symbol: "BTCUSDT", Size: 2, EntryPrice: 100})

	sum, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Expired)

	require.Eventually(t, func() bool { return f.engine.store.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"BTCUSDT"}, f.trader.closedSymbols())
}

func TestRecovery_StaleCloseFailureAdopts(t *testing.T) {
	m, f := newRecoveryFixture(t)

	f.trader.setPosition(models.Position{Symbol: "XRPUSDT", Size: 10, EntryPrice: 0.6, CreatedAt: time.Now().Add(-100 * time.Hour)})
	f.trader.closeErr["XRPUSDT"] = errBoom

	sum, err := m.Recover(context.Background())
	require.NoError(t, err)
	require.Zero(t, sum.StaleClosed)
	require.Equal(t, 1, sum.Adopted)
	require.Equal(t, 1, f.engine.store.Len())
}

func TestRecovery_MalformedEventsSkipped(t *testing.T) {
	m, f := newRecoveryFixture(t)
	ctx := context.Background()

	require.NoError(t, f.journal.Append(ctx, &models.TradeEvent{
		Timestamp: time.Now().UTC(), Event: models.EventOpened, Symbol: "BTCUSDT", RuleID: signal.RuleScore,
		Payload: []byte("{broken"),
	}))

	sum, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Invalid)
	require.Zero(t, f.engine.store.Len())
}
