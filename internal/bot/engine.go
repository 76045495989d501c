package bot

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pumptrader/internal/exchange"
	"pumptrader/internal/market"
	"pumptrader/internal/models"
	"pumptrader/internal/signal"
	"pumptrader/pkg/utils"
)

// MarketData - хранилище истории свечей (реализуется *market.Manager)
type MarketData interface {
	FetchSymbols(ctx context.Context) ([]string, error)
	LoadHistory(ctx context.Context, symbols []string) ([]string, error)
	UpdateBar(symbol string, bar models.Bar) (bool, error)
	GetSymbolData(symbol string) []models.Bar
	Has(symbol string) bool
	Remove(symbols ...string)
	Trim(keep []string) int
}

// Subscriber - подписка потока свечей (реализуется *exchange.StreamClient)
type Subscriber interface {
	UpdateSubscription(symbols []string) (added, removed []string, err error)
}

// SymbolFilter - символы, исключенные оператором (реализуется *repository.BlacklistRepository)
type SymbolFilter interface {
	Symbols(ctx context.Context) ([]string, error)
}

// Trader - торговые операции (реализуется *Gateway)
type Trader interface {
	OpenTrade(ctx context.Context, symbol, ruleID string, price, sizeMultiplier float64) (models.TradeRecord, error)
	Position(ctx context.Context, symbol string) (*models.Position, error)
	Positions(ctx context.Context) ([]models.Position, error)
	ClosePosition(ctx context.Context, symbol string) error
	CloseAll(ctx context.Context) (closed, failed []string, err error)
}

// RiskGate разрешает вход и задает множитель объема (реализуется *RiskManager).
// Множитель <= 0 означает запрет новых входов.
type RiskGate interface {
	EntryMultiplier() float64
}

// EngineConfig - параметры торгового движка
type EngineConfig struct {
	MinDataBars       int
	MaxActiveTrades   int
	TradeExpiry       time.Duration
	AdoptedHold       time.Duration
	CooldownInterval  time.Duration
	CooldownStartHour int
	DedupCapacity     int
	DedupWindow       time.Duration
	OrderTimeout      time.Duration
	NegativePnlAge    time.Duration
	WatchdogTimeout   time.Duration
	JournalRetention  time.Duration

	Shards      int
	ShardBuffer int
}

// expiryRetryDelay - пауза перед повторным закрытием истекшей сделки
const expiryRetryDelay = time.Minute

// Engine - торговый движок (EVENT-DRIVEN)
//
// Поток данных:
// StreamClient → HandleKline → Router (hash by symbol) → Worker[N] →
// dedup → MarketData → Evaluator → гейты входа → Gateway (в горутине)
//
// Все свечи одного символа обрабатываются последовательно одним воркером,
// поэтому проверка гейтов и резерв ключа для символа не гоняются между собой.
// Размещение ордера идет в отдельной горутине и не задерживает поток.
type Engine struct {
	cfg       EngineConfig
	market    MarketData
	stream    Subscriber
	evaluator *signal.Evaluator
	trader    Trader
	store     *TradeStore
	journal   Journal
	notifier  Notifier
	risk      RiskGate
	blacklist SymbolFilter
	logger    *utils.Logger

	barDedup    *Dedup
	signalDedup *Dedup
	cooldown    *Cooldown

	shards []chan exchange.KlineUpdate

	lastMessage atomic.Int64 // unix nano последнего сообщения потока
	halted      atomic.Bool
	haltMu      sync.Mutex
	haltReason  string

	symbolsMu sync.RWMutex
	symbols   []string
	refreshMu sync.Mutex

	baseCtx atomic.Pointer[context.Context]
	entries sync.WaitGroup
	now     func() time.Time
}

// EngineDeps - зависимости движка
type EngineDeps struct {
	Market    MarketData
	Stream    Subscriber
	Evaluator *signal.Evaluator
	Trader    Trader
	Journal   Journal
	Notifier  Notifier
	Risk      RiskGate
	Blacklist SymbolFilter
	Logger    *utils.Logger
}

// NewEngine создает движок
func NewEngine(cfg EngineConfig, deps EngineDeps) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.ShardBuffer <= 0 {
		cfg.ShardBuffer = 1024
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}

	e := &Engine{
		cfg:         cfg,
		market:      deps.Market,
		stream:      deps.Stream,
		evaluator:   deps.Evaluator,
		trader:      deps.Trader,
		journal:     deps.Journal,
		notifier:    deps.Notifier,
		risk:        deps.Risk,
		blacklist:   deps.Blacklist,
		logger:      utils.OrGlobal(deps.Logger).WithComponent("engine"),
		barDedup:    NewDedup(cfg.DedupCapacity, cfg.DedupWindow),
		signalDedup: NewDedup(cfg.DedupCapacity, cfg.DedupWindow),
		cooldown:    NewCooldown(cfg.CooldownInterval, cfg.CooldownStartHour),
		shards:      make([]chan exchange.KlineUpdate, cfg.Shards),
		now:         time.Now,
	}
	for i := range e.shards {
		e.shards[i] = make(chan exchange.KlineUpdate, cfg.ShardBuffer)
	}
	e.store = NewTradeStore(cfg.MaxActiveTrades, e.onTradeExpired)

	bg := context.Background()
	e.baseCtx.Store(&bg)
	return e
}

// SetRiskGate задает риск-гейт (риск-менеджер создается после движка)
func (e *Engine) SetRiskGate(r RiskGate) {
	e.risk = r
}

// Store возвращает хранилище сделок
func (e *Engine) Store() *TradeStore {
	return e.store
}

// ============================================================
// Жизненный цикл
// ============================================================

// Run запускает воркеры обработки свечей и блокируется до отмены ctx.
// После отмены дожидается воркеров и начатых входов.
func (e *Engine) Run(ctx context.Context) error {
	e.baseCtx.Store(&ctx)

	var wg sync.WaitGroup
	for i := range e.shards {
		wg.Add(1)
		go func(ch <-chan exchange.KlineUpdate) {
			defer wg.Done()
			e.barWorker(ctx, ch)
		}(e.shards[i])
	}

	<-ctx.Done()
	wg.Wait()
	e.entries.Wait()
	e.store.StopTimers()
	return ctx.Err()
}

// Start - начальная загрузка вселенной символов и истории
func (e *Engine) Start(ctx context.Context) error {
	if err := e.RefreshSymbols(ctx); err != nil {
		return fmt.Errorf("initial symbol load: %w", err)
	}
	e.touch()
	return nil
}

func (e *Engine) context() context.Context {
	return *e.baseCtx.Load()
}

// ============================================================
// Конвейер свечей
// ============================================================

// HandleKline принимает обновление свечи из потока. Не блокируется:
// при переполнении очереди шарда обновление отбрасывается.
func (e *Engine) HandleKline(u exchange.KlineUpdate) {
	e.touch()

	if !u.Confirmed {
		BarsProcessed.WithLabelValues("unconfirmed").Inc()
		return
	}

	select {
	case e.shards[e.shardIndex(u.Symbol)] <- u:
	default:
		RecordBufferOverflow("kline")
	}
}

// shardIndex - детерминированный шард символа (FNV-1a)
func (e *Engine) shardIndex(symbol string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Engine) touch() {
	e.lastMessage.Store(e.now().UnixNano())
}

// LastMessageAt - время последнего сообщения потока
func (e *Engine) LastMessageAt() time.Time {
	ns := e.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (e *Engine) barWorker(ctx context.Context, ch <-chan exchange.KlineUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-ch:
			e.processBar(u)
		}
	}
}

// processBar - обработка закрытой свечи. Вызывается только из воркера шарда.
func (e *Engine) processBar(u exchange.KlineUpdate) {
	if e.barDedup.Seen(BarKey(u.Symbol, u.Bar.Timestamp)) {
		BarsProcessed.WithLabelValues("duplicate").Inc()
		return
	}

	if _, err := e.market.UpdateBar(u.Symbol, u.Bar); err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			BarsProcessed.WithLabelValues("unknown_symbol").Inc()
			return
		}
		e.logger.Warn("bar update failed", zap.String("symbol", u.Symbol), zap.Error(err))
		return
	}

	bars := e.market.GetSymbolData(u.Symbol)
	if len(bars) < e.cfg.MinDataBars {
		BarsProcessed.WithLabelValues("insufficient").Inc()
		return
	}

	start := time.Now()
	res := e.evaluator.Evaluate(bars)
	EvaluationLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	BarsProcessed.WithLabelValues("evaluated").Inc()

	if !res.Matched() {
		return
	}
	if e.signalDedup.Seen(SignalKey(u.Symbol, res.RuleID, u.Bar.Timestamp)) {
		return
	}
	SignalsTotal.WithLabelValues(res.RuleID).Inc()

	sig := models.Signal{
		Symbol:    u.Symbol,
		RuleID:    res.RuleID,
		Price:     u.Bar.Close,
		Timestamp: u.Bar.Timestamp,
	}
	e.logger.Info("signal",
		zap.String("symbol", sig.Symbol),
		zap.String("rule", sig.RuleID),
		zap.Float64("price", sig.Price),
		zap.Float64("pump_pct", res.Indicators.PumpPct),
		zap.Float64("rsi", res.Indicators.RSI),
		zap.Int("score", res.Indicators.Score))

	e.tryEnter(sig)
}

// tryEnter проверяет гейты и резервирует ключ; ордер размещается в горутине
func (e *Engine) tryEnter(sig models.Signal) {
	key := models.TradeKey{Symbol: sig.Symbol, RuleID: sig.RuleID}

	mult, err := e.admit(sig.Symbol)
	if err == nil {
		err = e.store.Reserve(key)
	}
	if err != nil {
		e.reject(sig, err)
		return
	}

	e.entries.Add(1)
	go func() {
		defer e.entries.Done()
		e.enter(sig, mult)
	}()
}

// admit проверяет гейты входа по символу и возвращает множитель объема
func (e *Engine) admit(symbol string) (float64, error) {
	if e.halted.Load() {
		return 0, ErrTradingHalted
	}
	mult := 1.0
	if e.risk != nil {
		mult = e.risk.EntryMultiplier()
	}
	if mult <= 0 {
		return 0, ErrRiskBlocked
	}
	if !e.cooldown.CanTrade(symbol, e.now()) {
		return 0, ErrSymbolCooldown
	}
	if e.store.PendingSymbol(symbol) {
		return 0, ErrEntryInFlight
	}
	return mult, nil
}

// gateLabels - значения метки gate метрики отклоненных сигналов
var gateLabels = map[error]string{
	ErrTradingHalted:   "halted",
	ErrRiskBlocked:     "risk",
	ErrSymbolCooldown:  "cooldown",
	ErrEntryInFlight:   "in_flight",
	ErrCapacityReached: "capacity",
	ErrTradeExists:     "exists",
	ErrPositionExists:  "position_exists",
}

func (e *Engine) reject(sig models.Signal, reason error) {
	gate, ok := gateLabels[reason]
	if !ok {
		gate = "other"
	}
	SignalsRejected.WithLabelValues(gate).Inc()
	e.logger.Debug("signal rejected",
		zap.String("symbol", sig.Symbol),
		zap.String("rule", sig.RuleID),
		zap.String("gate", gate),
		zap.Error(reason))
}

// enter размещает вход по зарезервированному ключу
func (e *Engine) enter(sig models.Signal, mult float64) {
	key := models.TradeKey{Symbol: sig.Symbol, RuleID: sig.RuleID}
	ctx, cancel := context.WithTimeout(e.context(), e.cfg.OrderTimeout)
	defer cancel()

	pos, err := e.trader.Position(ctx, sig.Symbol)
	if err != nil {
		e.store.Release(key)
		EntryFailures.Inc()
		e.logger.Warn("position check failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	if pos != nil {
		e.store.Release(key)
		e.reject(sig, ErrPositionExists)
		return
	}

	rec, err := e.trader.OpenTrade(ctx, sig.Symbol, sig.RuleID, sig.Price, mult)
	if err != nil {
		e.store.Release(key)
		EntryFailures.Inc()
		e.logger.Error("entry failed",
			zap.String("symbol", sig.Symbol),
			zap.String("rule", sig.RuleID),
			zap.Error(err))
		notify(e.notifier, models.NotificationTypeError, models.SeverityError, sig.Symbol, nil,
			"❌ Entry failed %s (%s): %v", sig.Symbol, sig.RuleID, err)
		return
	}

	e.cooldown.Record(sig.Symbol, rec.EntryTimestamp)
	if err := e.store.Add(rec); err != nil {
		e.logger.Error("track trade failed", zap.String("trade", key.String()), zap.Error(err))
	}
	e.appendOpened(rec)

	TradesOpened.WithLabelValues(rec.RuleID).Inc()
	RecordActiveTrades(e.store.List())

	notify(e.notifier, models.NotificationTypeOpen, models.SeverityInfo, rec.Symbol,
		map[string]interface{}{"rule": rec.RuleID, "price": rec.EntryPrice, "qty": rec.PositionSize},
		"🚀 Opened %s (%s) @ %s qty=%s TP=%s SL=%s",
		rec.Symbol, rec.RuleID,
		utils.FormatPrice(rec.EntryPrice), utils.FormatQty(rec.PositionSize),
		utils.FormatPrice(rec.TakeProfit), utils.FormatPrice(rec.StopLoss))
}

func (e *Engine) appendEvent(ev *models.TradeEvent) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.context()), 5*time.Second)
	defer cancel()
	if err := e.journal.Append(ctx, ev); err != nil {
		e.logger.Error("journal append failed",
			zap.String("event", ev.Event),
			zap.String("trade", ev.Key().String()),
			zap.Error(err))
	}
}

// appendOpened пишет событие открытия; сбой кодирования не мешает записи
func (e *Engine) appendOpened(rec models.TradeRecord) {
	ev, err := openedEvent(rec)
	if err != nil {
		e.logger.Warn("trade payload not encoded, journaling scalar fields",
			zap.String("trade", rec.Key().String()),
			zap.Error(err))
	}
	e.appendEvent(ev)
}

// ============================================================
// Закрытие сделок
// ============================================================

// onTradeExpired - таймер экспирации сделки
func (e *Engine) onTradeExpired(key models.TradeKey) {
	if _, ok := e.store.Get(key); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.context()), e.cfg.OrderTimeout)
	defer cancel()

	if err := e.CloseTrade(ctx, key, models.CloseReasonExpired); err != nil {
		// после остановки повтор не планируем: сделку подберет восстановление
		if e.context().Err() != nil {
			e.logger.Warn("expired trade close failed during shutdown",
				zap.String("trade", key.String()),
				zap.Error(err))
			return
		}
		e.logger.Error("expired trade close failed, will retry",
			zap.String("trade", key.String()),
			zap.Error(err))
		e.store.RetryExpiry(key, expiryRetryDelay)
	}
}

// CloseTrade закрывает позицию на бирже и снимает сделку с учета.
// Отсутствие позиции на бирже считается успешным закрытием.
func (e *Engine) CloseTrade(ctx context.Context, key models.TradeKey, reason string) error {
	rec, ok := e.store.Get(key)
	if !ok {
		return ErrTradeNotFound
	}

	if err := e.trader.ClosePosition(ctx, rec.Symbol); err != nil && !errors.Is(err, ErrNoPosition) {
		return err
	}
	e.RemoveTrade(key, reason)
	return nil
}

// RemoveTrade снимает сделку с учета без действий на бирже
// (позиция уже закрыта биржей или оператором).
func (e *Engine) RemoveTrade(key models.TradeKey, reason string) (models.TradeRecord, bool) {
	rec, ok := e.store.Remove(key, reason)
	if !ok {
		return rec, false
	}

	e.appendEvent(closedEvent(rec, reason, e.now()))
	RecordTradeClosed(reason)
	RecordActiveTrades(e.store.List())

	e.logger.Info("trade closed",
		zap.String("trade", key.String()),
		zap.String("reason", reason),
		zap.Duration("age", rec.Age(e.now())))
	notify(e.notifier, models.NotificationTypeClose, models.SeverityInfo, rec.Symbol,
		map[string]interface{}{"rule": rec.RuleID, "reason": reason},
		"🔒 Closed %s (%s): %s", rec.Symbol, rec.RuleID, reason)
	return rec, true
}

// LiquidateAll закрывает все позиции аккаунта и снимает сделки с учета.
// При частичной неудаче с учета снимаются только сделки по символам,
// позиции которых закрыты; остальные остаются для повторной попытки.
func (e *Engine) LiquidateAll(ctx context.Context, reason string) error {
	Liquidations.WithLabelValues(reason).Inc()

	closed, failedSymbols, err := e.trader.CloseAll(ctx)
	if err != nil && len(closed) == 0 && len(failedSymbols) == 0 {
		return fmt.Errorf("liquidate all: %w", err)
	}
	failed := toStringSet(failedSymbols)

	for _, rec := range e.store.List() {
		if _, ok := failed[rec.Symbol]; ok {
			continue
		}
		e.RemoveTrade(rec.Key(), reason)
	}

	if err != nil {
		e.logger.Error("liquidation incomplete",
			zap.String("reason", reason),
			zap.Int("failed", len(failed)),
			zap.Error(err))
		notify(e.notifier, models.NotificationTypeError, models.SeverityError, "",
			map[string]interface{}{"reason": reason, "failed": len(failed)},
			"❗ Liquidation (%s) incomplete: %d of %d positions still open: %v",
			reason, len(failed), len(closed)+len(failed), err)
		return err
	}
	e.logger.Warn("all positions liquidated",
		zap.String("reason", reason),
		zap.Int("positions", len(closed)))
	return nil
}

// ============================================================
// Операции для риск-менеджера и восстановления
// ============================================================

// Trades возвращает копии отслеживаемых сделок
func (e *Engine) Trades() []models.TradeRecord {
	return e.store.List()
}

// ActiveCount - занятые слоты лимита сделок, включая идущие входы
func (e *Engine) ActiveCount() int {
	return e.store.ActiveCount()
}

// MarkBreakeven фиксирует перенос стопа в безубыток
func (e *Engine) MarkBreakeven(key models.TradeKey, stopLoss float64) error {
	rec, err := e.store.MarkBreakeven(key, stopLoss)
	if err != nil {
		return err
	}
	BreakevenMoves.Inc()
	RecordActiveTrades(e.store.List())
	notify(e.notifier, models.NotificationTypeBreakeven, models.SeverityInfo, rec.Symbol,
		map[string]interface{}{"rule": rec.RuleID, "stop": stopLoss},
		"🛡 Breakeven %s (%s): SL=%s", rec.Symbol, rec.RuleID, utils.FormatPrice(stopLoss))
	return nil
}

// Restore возвращает под учет сделку из журнала (без записи в журнал)
func (e *Engine) Restore(rec models.TradeRecord) error {
	if err := e.store.Add(rec); err != nil {
		return err
	}
	e.cooldown.Record(rec.Symbol, rec.EntryTimestamp)
	RecordActiveTrades(e.store.List())
	return nil
}

// Adopt берет под учет позицию, о которой нет записи в журнале.
// Такая сделка получает правило Recovered-Unknown и срок hold от текущего момента.
func (e *Engine) Adopt(pos models.Position, hold time.Duration) (models.TradeRecord, error) {
	now := e.now().UTC()
	entry := pos.CreatedAt
	if entry.IsZero() {
		entry = now
	}
	rec := models.TradeRecord{
		Symbol:         pos.Symbol,
		RuleID:         models.RecoveredRuleID,
		EntryTimestamp: entry.UTC(),
		EntryPrice:     pos.EntryPrice,
		PositionSize:   pos.Size,
		StopLoss:       pos.StopLoss,
		ExpiryTime:     now.Add(hold),
		State:          models.TradeStateActive,
	}
	if err := e.store.Add(rec); err != nil {
		return models.TradeRecord{}, err
	}
	e.appendOpened(rec)
	RecordActiveTrades(e.store.List())
	return rec, nil
}

// ============================================================
// Периодические проверки
// ============================================================

// CheckWatchdog останавливает торговлю и закрывает все позиции, если поток
// молчит дольше WatchdogTimeout. Остановка держится до Resume.
func (e *Engine) CheckWatchdog(ctx context.Context) {
	last := e.LastMessageAt()
	if last.IsZero() || e.halted.Load() {
		return
	}
	silence := e.now().Sub(last)
	if silence <= e.cfg.WatchdogTimeout {
		return
	}

	e.Halt(fmt.Sprintf("no stream messages for %s", silence.Truncate(time.Second)))
	notify(e.notifier, models.NotificationTypeWatchdog, models.SeverityError, "", nil,
		"🚨 Watchdog: no market data for %s, liquidating all positions", utils.FormatDuration(silence))

	if err := e.LiquidateAll(ctx, models.CloseReasonWatchdog); err != nil {
		e.logger.Error("watchdog liquidation failed", zap.Error(err))
	}
}

// Halt запрещает новые входы
func (e *Engine) Halt(reason string) {
	e.haltMu.Lock()
	e.haltReason = reason
	e.haltMu.Unlock()
	e.halted.Store(true)
	e.logger.Error("trading halted", zap.String("reason", reason))
}

// Resume снимает остановку движка
func (e *Engine) Resume() {
	e.haltMu.Lock()
	e.haltReason = ""
	e.haltMu.Unlock()
	e.halted.Store(false)
	e.touch()
	e.logger.Info("trading resumed")
}

// Halted возвращает признак остановки и причину
func (e *Engine) Halted() (bool, string) {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	return e.halted.Load(), e.haltReason
}

// CheckNegativePnl закрывает сделки старше NegativePnlAge в минусе
func (e *Engine) CheckNegativePnl(ctx context.Context) error {
	trades := e.store.List()
	if len(trades) == 0 {
		return nil
	}

	positions, err := e.trader.Positions(ctx)
	if err != nil {
		return err
	}
	bySymbol := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}

	now := e.now()
	var errs []error
	for _, rec := range trades {
		if rec.Age(now) < e.cfg.NegativePnlAge {
			continue
		}
		pos, ok := bySymbol[rec.Symbol]
		if !ok || pos.UnrealizedPnl >= 0 {
			continue
		}
		e.logger.Info("closing aged losing trade",
			zap.String("trade", rec.Key().String()),
			zap.Duration("age", rec.Age(now)),
			zap.Float64("unrealized_pnl", pos.UnrealizedPnl))
		if err := e.CloseTrade(ctx, rec.Key(), models.CloseReasonNegativePnl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cleanup ограничивает память: дедупликация, cooldown, истории символов и
// старые записи журнала.
func (e *Engine) Cleanup(ctx context.Context) {
	now := e.now()
	e.barDedup.Cleanup()
	e.signalDedup.Cleanup()
	cooled := e.cooldown.Cleanup(now)

	// во время обновления вселенной истории новых символов уже загружены,
	// но набор еще не опубликован; обрезку откладываем до следующего запуска
	trimmed := 0
	if e.refreshMu.TryLock() {
		keep := e.Symbols()
		for _, rec := range e.store.List() {
			keep = append(keep, rec.Symbol)
		}
		trimmed = e.market.Trim(keep)
		e.refreshMu.Unlock()
	} else {
		e.logger.Debug("history trim skipped, symbol refresh in progress")
	}

	var purged int64
	if e.journal != nil && e.cfg.JournalRetention > 0 {
		n, err := e.journal.DeleteOlderThan(ctx, now.Add(-e.cfg.JournalRetention))
		if err != nil {
			e.logger.Warn("journal cleanup failed", zap.Error(err))
		}
		purged = n
	}

	e.logger.Debug("memory cleanup",
		zap.Int("trades", e.store.Len()),
		zap.Int("bar_keys", e.barDedup.Len()),
		zap.Int("signal_keys", e.signalDedup.Len()),
		zap.Int("cooldowns_dropped", cooled),
		zap.Int("histories_dropped", trimmed),
		zap.Int64("journal_purged", purged))
}

// ============================================================
// Вселенная символов
// ============================================================

// Symbols возвращает текущую вселенную символов
func (e *Engine) Symbols() []string {
	e.symbolsMu.RLock()
	defer e.symbolsMu.RUnlock()
	out := make([]string, len(e.symbols))
	copy(out, e.symbols)
	return out
}

// RefreshSymbols обновляет вселенную символов.
//
// Порядок: загрузить историю новых символов, обновить подписку, удалить
// истории выбывших, и только затем опубликовать новый набор. При ошибке
// подписки набор не меняется.
func (e *Engine) RefreshSymbols(ctx context.Context) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	next, err := e.market.FetchSymbols(ctx)
	if err != nil {
		return fmt.Errorf("fetch symbols: %w", err)
	}
	if next, err = e.excludeBlacklisted(ctx, next); err != nil {
		return err
	}

	current := toStringSet(e.Symbols())
	nextSet := toStringSet(next)

	// символ без истории (потерянной после сбоя) загружается заново
	var added, removed []string
	stale := make(map[string]struct{})
	for _, s := range next {
		if _, ok := current[s]; !ok {
			added = append(added, s)
		} else if !e.market.Has(s) {
			stale[s] = struct{}{}
			added = append(added, s)
		}
	}
	for s := range current {
		if _, ok := nextSet[s]; !ok {
			removed = append(removed, s)
		}
	}

	loaded, err := e.market.LoadHistory(ctx, added)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	loadedSet := toStringSet(loaded)

	final := make([]string, 0, len(next))
	for _, s := range next {
		if _, ok := loadedSet[s]; ok {
			final = append(final, s)
			continue
		}
		_, isCurrent := current[s]
		_, isStale := stale[s]
		if isCurrent && !isStale {
			final = append(final, s)
		}
	}
	sort.Strings(final)

	if _, _, err := e.stream.UpdateSubscription(final); err != nil {
		e.market.Remove(loaded...)
		return fmt.Errorf("update subscription: %w", err)
	}
	e.market.Remove(removed...)

	e.symbolsMu.Lock()
	e.symbols = final
	e.symbolsMu.Unlock()
	TrackedSymbols.Set(float64(len(final)))

	e.logger.Info("symbol universe refreshed",
		zap.Int("symbols", len(final)),
		zap.Int("added", len(loaded)),
		zap.Int("reloaded", len(stale)),
		zap.Int("failed", len(added)-len(loaded)),
		zap.Int("removed", len(removed)))
	return nil
}

// excludeBlacklisted убирает символы черного списка. Символы с открытыми
// сделками тоже выходят из подписки, сделки доживают по своим стопам и таймерам.
func (e *Engine) excludeBlacklisted(ctx context.Context, symbols []string) ([]string, error) {
	if e.blacklist == nil {
		return symbols, nil
	}
	banned, err := e.blacklist.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	if len(banned) == 0 {
		return symbols, nil
	}
	set := toStringSet(banned)
	out := symbols[:0:0]
	for _, s := range symbols {
		if _, ok := set[s]; !ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func toStringSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[s] = struct{}{}
	}
	return out
}

// EntryInFlight - по символу идет размещение входа
func (e *Engine) EntryInFlight(symbol string) bool {
	return e.store.PendingSymbol(symbol)
}
