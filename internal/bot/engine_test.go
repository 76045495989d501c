package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pumptrader/internal/exchange"
	"pumptrader/internal/models"
	"pumptrader/internal/signal"
)

var barStart = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

// flatHistory - n плоских свечей на 100
func flatHistory(n int) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Timestamp: barStart.Add(time.Duration(i) * 5 * time.Minute),
			Open:      100, High: 100, Low: 100, Close: 100, Volume: 1000,
		}
	}
	return bars
}

// pumpBar - свеча, на которой срабатывает "Rule 8" после flatHistory(149)
func pumpBar(symbol string, idx int) exchange.KlineUpdate {
	return exchange.KlineUpdate{
		Symbol: symbol,
		Bar: models.Bar{
			Timestamp: barStart.Add(time.Duration(idx) * 5 * time.Minute),
			Open:      100, High: 110, Low: 107.275, Close: 109, Volume: 1000,
		},
		Confirmed: true,
	}
}

type engineFixture struct {
	engine   *Engine
	market   *fakeMarket
	stream   *fakeSubscriber
	trader   *fakeTrader
	journal  *memJournal
	notifier *recNotifier
}

func newEngineFixture(t *testing.T, maxActive int, risk RiskGate, symbols ...string) *engineFixture {
	t.Helper()
	f := &engineFixture{
		market:   newFakeMarket(),
		stream:   &fakeSubscriber{},
		trader:   newFakeTrader(),
		journal:  &memJournal{},
		notifier: &recNotifier{},
	}
	f.market.universe = symbols
	for _, s := range symbols {
		f.market.seed[s] = flatHistory(149)
	}

	f.engine = NewEngine(EngineConfig{
		MinDataBars:      150,
		MaxActiveTrades:  maxActive,
		TradeExpiry:      72 * time.Hour,
		AdoptedHold:      48 * time.Hour,
		CooldownInterval: 4 * time.Hour,
		DedupCapacity:    100,
		DedupWindow:      time.Hour,
		OrderTimeout:     time.Second,
		NegativePnlAge:   8 * time.Hour,
		WatchdogTimeout:  60 * time.Second,
		JournalRetention: 30 * 24 * time.Hour,
	}, EngineDeps{
		Market:    f.market,
		Stream:    f.stream,
		Evaluator: signal.NewEvaluator(signal.DefaultConfig()),
		Trader:    f.trader,
		Journal:   f.journal,
		Notifier:  f.notifier,
		Risk:      risk,
	})
	require.NoError(t, f.engine.RefreshSymbols(context.Background()))
	t.Cleanup(f.engine.store.StopTimers)
	return f
}

// feed обрабатывает свечу синхронно и ждет горутину входа
func (f *engineFixture) feed(u exchange.KlineUpdate) {
	f.engine.processBar(u)
	f.engine.entries.Wait()
}

func TestEngine_SignalOpensTrade(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")

	f.feed(pumpBar("BTCUSDT", 149))

	require.Equal(t, []string{"BTCUSDT/" + signal.RuleScore}, f.trader.openedKeys())
	trades := f.engine.Trades()
	require.Len(t, trades, 1)
	require.Equal(t, models.TradeStateActive, trades[0].State)
	require.Less(t, trades[0].StopLoss, trades[0].EntryPrice)
	require.Less(t, trades[0].EntryPrice, trades[0].TakeProfit)

	opened := f.journal.byEvent(models.EventOpened)
	require.Len(t, opened, 1)
	require.NotEmpty(t, opened[0].Payload)
	require.Equal(t, 1, f.notifier.count(models.NotificationTypeOpen))
	require.False(t, f.engine.EntryInFlight("BTCUSDT"))
}

func TestEngine_DuplicateBarProcessedOnce(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")

	bar := pumpBar("BTCUSDT", 149)
	f.feed(bar)
	f.feed(bar)

	require.Len(t, f.trader.openedKeys(), 1)
}

func TestEngine_UnconfirmedBarIgnored(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")

	u := pumpBar("BTCUSDT", 149)
	u.Confirmed = false
	f.engine.HandleKline(u)

	for _, ch := range f.engine.shards {
		require.Zero(t, len(ch))
	}
	require.False(t, f.engine.LastMessageAt().IsZero(), "any message feeds the watchdog")
}

func TestEngine_UnknownSymbolIgnored(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")
	f.feed(pumpBar("DOGEUSDT", 149))
	require.Empty(t, f.trader.openedKeys())
}

func TestEngine_EntryGates(t *testing.T) {
	t.Run("risk halt", func(t *testing.T) {
		f := newEngineFixture(t, 5, staticRisk(0), "BTCUSDT")
		f.feed(pumpBar("BTCUSDT", 149))
		require.Empty(t, f.trader.openedKeys())
	})

	t.Run("capacity", func(t *testing.T) {
		f := newEngineFixture(t, 0, staticRisk(1), "BTCUSDT")
		f.feed(pumpBar("BTCUSDT", 149))
		require.Empty(t, f.trader.openedKeys())
	})

	t.Run("existing exchange position", func(t *testing.T) {
		f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")
		f.trader.setPosition(models.Position{Symbol: "BTCUSDT", Size: 1, EntryPrice: 100})
		f.feed(pumpBar("BTCUSDT", 149))

		require.Empty(t, f.trader.openedKeys())
		require.False(t, f.engine.EntryInFlight("BTCUSDT"), "reservation must be released")
		require.Zero(t, f.engine.store.ActiveCount())
	})

	t.Run("cooldown", func(t *testing.T) {
		f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")
		f.feed(pumpBar("BTCUSDT", 149))
		require.Len(t, f.trader.openedKeys(), 1)

		// сделка закрыта, но интервал cooldown тот же
		key := models.TradeKey{Symbol: "BTCUSDT", RuleID: signal.RuleScore}
		require.NoError(t, f.engine.CloseTrade(context.Background(), key, models.CloseReasonManual))
		f.engine.tryEnter(models.Signal{Symbol: "BTCUSDT", RuleID: signal.RuleMomentum, Price: 109, Timestamp: time.Now()})
		f.engine.entries.Wait()
		require.Len(t, f.trader.openedKeys(), 1)
	})

	t.Run("watchdog halt", func(t *testing.T) {
		f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")
		f.engine.Halt("test")
		f.feed(pumpBar("BTCUSDT", 149))
		require.Empty(t, f.trader.openedKeys())
	})
}

func TestEngine_Admit(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(0.5), "BTCUSDT")

	mult, err := f.engine.admit("BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 0.5, mult)

	// резерв ключа блокирует второй вход по символу
	require.NoError(t, f.engine.store.Reserve(models.TradeKey{Symbol: "BTCUSDT", RuleID: signal.RuleScore}))
	_, err = f.engine.admit("BTCUSDT")
	require.ErrorIs(t, err, ErrEntryInFlight)

	f.engine.Halt("test")
	_, err = f.engine.admit("ETHUSDT")
	require.ErrorIs(t, err, ErrTradingHalted)

	blocked := newEngineFixture(t, 5, staticRisk(0), "BTCUSDT")
	_, err = blocked.engine.admit("BTCUSDT")
	require.ErrorIs(t, err, ErrRiskBlocked)
}

func TestEngine_EntryFailureReleasesReservation(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")
	f.trader.openErr = errBoom

	f.feed(pumpBar("BTCUSDT", 149))

	require.Zero(t, f.engine.store.Len())
	require.False(t, f.engine.EntryInFlight("BTCUSDT"))
	require.Equal(t, 1, f.notifier.count(models.NotificationTypeError))
	require.Empty(t, f.journal.byEvent(models.EventOpened))
}

func TestEngine_CloseAndRemoveTrade(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "BTCUSDT")
	f.feed(pumpBar("BTCUSDT", 149))
	key := models.TradeKey{Symbol: "BTCUSDT", RuleID: signal.RuleScore}

	require.NoError(t, f.engine.CloseTrade(context.Background(), key, models.CloseReasonManual))
	require.Equal(t, []string{"BTCUSDT"}, f.trader.closedSymbols())
	require.ErrorIs(t, f.engine.CloseTrade(context.Background(), key, models.CloseReasonManual), ErrTradeNotFound)

	closed := f.journal.byEvent(models.EventClosed)
	require.Len(t, closed, 1)
	require.Equal(t, models.CloseReasonManual, closed[0].Reason)
}

func TestEngine_CloseTradeWithoutPositionStillRemoves(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1))
	rec := testTrade("ETHUSDT", signal.RuleMomentum, time.Now(), time.Hour)
	require.NoError(t, f.engine.Restore(rec))

	require.NoError(t, f.engine.CloseTrade(context.Background(), rec.Key(), models.CloseReasonExternal))
	require.Zero(t, f.engine.store.Len())
}

func TestEngine_ExpiryClosesTrade(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1))
	rec := testTrade("ETHUSDT", signal.RuleMomentum, time.Now().Add(-73*time.Hour), 72*time.Hour)
	f.trader.setPosition(models.Position{Symbol: "ETHUSDT", Size: 1, EntryPrice: 100})

	require.NoError(t, f.engine.Restore(rec))

	require.Eventually(t, func() bool { return f.engine.store.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"ETHUSDT"}, f.trader.closedSymbols())
	closed := f.journal.byEvent(models.EventClosed)
	require.Len(t, closed, 1)
	require.Equal(t, models.CloseReasonExpired, closed[0].Reason)
}

func TestEngine_LiquidateAllPartialFailure(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1))
	now := time.Now()
	for _, s := range []string{"AAAUSDT", "BBBUSDT"} {
		require.NoError(t, f.engine.Restore(testTrade(s, signal.RuleScore, now, time.Hour)))
		f.trader.setPosition(models.Position{Symbol: s, Size: 1, EntryPrice: 100})
	}
	f.trader.closeErr["BBBUSDT"] = errBoom

	err := f.engine.LiquidateAll(context.Background(), models.CloseReasonDailyBreaker)
	require.Error(t, err)

	trades := f.engine.Trades()
	require.Len(t, trades, 1)
	require.Equal(t, "BBBUSDT", trades[0].Symbol)
	require.Equal(t, 1, f.notifier.count(models.NotificationTypeError))

	// повторная попытка закрывает остаток
	delete(f.trader.closeErr, "BBBUSDT")
	require.NoError(t, f.engine.LiquidateAll(context.Background(), models.CloseReasonDailyBreaker))
	require.Zero(t, f.engine.store.Len())
	require.Equal(t, 1, f.notifier.count(models.NotificationTypeError))
}

func TestEngine_ExpiredCloseRetryStopsOnShutdown(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1))
	rec := testTrade("AAAUSDT", signal.RuleScore, time.Now(), time.Hour)
	require.NoError(t, f.engine.Restore(rec))
	f.trader.setPosition(models.Position{Symbol: "AAAUSDT", Size: 1, EntryPrice: 100})
	f.trader.closeErr["AAAUSDT"] = errBoom

	armed := func() bool {
		f.engine.store.mu.RLock()
		defer f.engine.store.mu.RUnlock()
		return f.engine.store.trades[rec.Key()].timer != nil
	}

	// работающий движок планирует повтор закрытия
	f.engine.store.StopTimers()
	f.engine.onTradeExpired(rec.Key())
	require.True(t, armed())

	// после остановки повтор не планируется, сделка остается на учете
	f.engine.store.StopTimers()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.engine.baseCtx.Store(&ctx)
	f.engine.onTradeExpired(rec.Key())
	require.False(t, armed())
	require.Equal(t, 1, f.engine.store.Len())
}

func TestEngine_Watchdog(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	require.NoError(t, f.engine.Restore(testTrade("BTCUSDT", signal.RuleScore, time.Now(), 72*time.Hour)))
	f.trader.setPosition(models.Position{Symbol: "BTCUSDT", Size: 1, EntryPrice: 100})

	f.engine.touch()
	now = now.Add(59 * time.Second)
	f.engine.CheckWatchdog(context.Background())
	halted, _ := f.engine.Halted()
	require.False(t, halted)

	now = now.Add(2 * time.Second)
	f.engine.CheckWatchdog(context.Background())
	halted, reason := f.engine.Halted()
	require.True(t, halted)
	require.NotEmpty(t, reason)
	require.Zero(t, f.engine.store.Len())
	require.Equal(t, 1, f.notifier.count(models.NotificationTypeWatchdog))

	// повторная проверка не ликвидирует второй раз
	f.engine.CheckWatchdog(context.Background())
	require.Equal(t, 1, f.notifier.count(models.NotificationTypeWatchdog))

	f.engine.Resume()
	halted, _ = f.engine.Halted()
	require.False(t, halted)
}

func TestEngine_CheckNegativePnl(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1))
	now := time.Now()

	cases := []struct {
		symbol string
		age    time.Duration
		pnl    float64
		closed bool
	}{
		{"OLDLOSSUSDT", 9 * time.Hour, -5, true},
		{"OLDWINUSDT", 9 * time.Hour, 5, false},
		{"NEWLOSSUSDT", time.Hour, -5, false},
	}
	for _, c := range cases {
		require.NoError(t, f.engine.Restore(testTrade(c.symbol, signal.RuleScore, now.Add(-c.age), 72*time.Hour)))
		f.trader.setPosition(models.Position{Symbol: c.symbol, Size: 1, EntryPrice: 100, UnrealizedPnl: c.pnl})
	}

	require.NoError(t, f.engine.CheckNegativePnl(context.Background()))

	require.Equal(t, []string{"OLDLOSSUSDT"}, f.trader.closedSymbols())
	require.Equal(t, 2, f.engine.store.Len())
	closed := f.journal.byEvent(models.EventClosed)
	require.Len(t, closed, 1)
	require.Equal(t, models.CloseReasonNegativePnl, closed[0].Reason)
}

func TestEngine_RefreshSymbols(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "AAAUSDT")
	require.Equal(t, []string{"AAAUSDT"}, f.engine.Symbols())

	// неудачная загрузка истории: символ не попадает во вселенную
	f.market.universe = []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	f.market.fail["CCCUSDT"] = true
	require.NoError(t, f.engine.RefreshSymbols(context.Background()))
	require.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, f.engine.Symbols())
	require.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, f.stream.sets[len(f.stream.sets)-1])

	// ошибка подписки: набор не меняется, загруженная история откатывается
	f.market.universe = []string{"DDDUSDT"}
	f.stream.err = errBoom
	require.Error(t, f.engine.RefreshSymbols(context.Background()))
	require.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, f.engine.Symbols())
	require.False(t, f.market.Has("DDDUSDT"))
	require.True(t, f.market.Has("AAAUSDT"))

	// успешная замена: выбывшие истории удаляются
	f.stream.err = nil
	require.NoError(t, f.engine.RefreshSymbols(context.Background()))
	require.Equal(t, []string{"DDDUSDT"}, f.engine.Symbols())
	require.False(t, f.market.Has("AAAUSDT"))
	require.True(t, f.market.Has("DDDUSDT"))
}

func TestEngine_Adopt(t *testing.T) {
	f := newEngineFixture(t, 0, staticRisk(1))
	pos := models.Position{Symbol: "ETHUSDT", Size: 2, EntryPrice: 3000, StopLoss: 2800}

	rec, err := f.engine.Adopt(pos, 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, models.RecoveredRuleID, rec.RuleID)
	require.WithinDuration(t, time.Now().Add(48*time.Hour), rec.ExpiryTime, time.Minute)
	require.Len(t, f.journal.byEvent(models.EventOpened), 1)

	// принятие позиции не ограничено лимитом сделок
	require.Equal(t, 1, f.engine.store.Len())
}

func TestEngine_CleanupPurgesJournal(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "AAAUSDT")
	old := &models.TradeEvent{Timestamp: time.Now().Add(-31 * 24 * time.Hour), Event: models.EventOpened, Symbol: "X", RuleID: "Rule 8"}
	fresh := &models.TradeEvent{Timestamp: time.Now(), Event: models.EventOpened, Symbol: "Y", RuleID: "Rule 8"}
	require.NoError(t, f.journal.Append(context.Background(), old))
	require.NoError(t, f.journal.Append(context.Background(), fresh))

	f.engine.Cleanup(context.Background())

	events, _ := f.journal.ReadSince(context.Background(), time.Time{})
	require.Len(t, events, 1)
	require.Equal(t, "Y", events[0].Symbol)
	require.True(t, f.market.Has("AAAUSDT"), "tracked symbol history must be kept")
}

func TestEngine_CleanupDuringRefreshKeepsNewHistory(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "AAAUSDT")
	f.market.seed["BBBUSDT"] = flatHistory(149)
	f.market.universe = []string{"AAAUSDT", "BBBUSDT"}

	// очистка памяти приходится на окно между загрузкой истории и публикацией набора
	f.stream.during = func() { f.engine.Cleanup(context.Background()) }
	require.NoError(t, f.engine.RefreshSymbols(context.Background()))
	f.stream.during = nil

	require.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, f.engine.Symbols())
	require.True(t, f.market.Has("BBBUSDT"))
	require.True(t, f.market.Has("AAAUSDT"))

	// после обновления обрезка снова работает и не трогает вселенную
	f.market.history["ZZZUSDT"] = flatHistory(10)
	f.engine.Cleanup(context.Background())
	require.False(t, f.market.Has("ZZZUSDT"))
	require.True(t, f.market.Has("BBBUSDT"))
}

func TestEngine_RefreshSymbolsReloadsLostHistory(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "AAAUSDT", "BBBUSDT")
	f.market.Remove("BBBUSDT")

	require.NoError(t, f.engine.RefreshSymbols(context.Background()))
	require.True(t, f.market.Has("BBBUSDT"))
	require.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, f.engine.Symbols())

	// повторная загрузка не удалась: символ без истории выходит из вселенной
	f.market.Remove("BBBUSDT")
	f.market.fail["BBBUSDT"] = true
	require.NoError(t, f.engine.RefreshSymbols(context.Background()))
	require.Equal(t, []string{"AAAUSDT"}, f.engine.Symbols())
	require.Equal(t, []string{"AAAUSDT"}, f.stream.sets[len(f.stream.sets)-1])
}

func TestEngine_ShardIndexDeterministic(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1))
	idx := f.engine.shardIndex("BTCUSDT")
	for i := 0; i < 10; i++ {
		require.Equal(t, idx, f.engine.shardIndex("BTCUSDT"))
	}
	require.Less(t, idx, len(f.engine.shards))
}

type staticBlacklist []string

func (b staticBlacklist) Symbols(ctx context.Context) ([]string, error) { return b, nil }

func TestEngine_RefreshSymbolsExcludesBlacklist(t *testing.T) {
	f := newEngineFixture(t, 5, staticRisk(1), "AAAUSDT", "BBBUSDT")
	f.engine.blacklist = staticBlacklist{"BBBUSDT"}

	require.NoError(t, f.engine.RefreshSymbols(context.Background()))
	require.Equal(t, []string{"AAAUSDT"}, f.engine.Symbols())
	require.False(t, f.market.Has("BBBUSDT"))
}
