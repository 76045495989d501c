package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

// AccountSource - состояние аккаунта на бирже (реализуется *Gateway)
type AccountSource interface {
	Balance(ctx context.Context) (*models.Balance, error)
	Positions(ctx context.Context) ([]models.Position, error)
	MoveToBreakeven(ctx context.Context, symbol string) (float64, error)
}

// TradeController - операции над отслеживаемыми сделками (реализуется *Engine)
type TradeController interface {
	Trades() []models.TradeRecord
	MarkBreakeven(key models.TradeKey, stopLoss float64) error
	LiquidateAll(ctx context.Context, reason string) error
}

// RiskConfig - пороги риск-менеджера (проценты)
type RiskConfig struct {
	BasePositionSizeUSD float64

	UnrealizedActivationMult float64
	UnrealizedRetracePct     float64

	DailyLossPct       float64
	WeeklyReducePct    float64
	WeeklyHaltPct      float64
	WeeklyReduceFactor float64
	RecoveryPct        float64

	BreakevenThresholdPct float64
}

// RiskManager - трехуровневая модель просадки
//
// Уровни:
// - Tier 0: суммарный нереализованный PnL. Взводится при PnL >= mult x base,
//   отслеживает пик, закрывает все при откате от пика >= RetracePct,
//   снимается при PnL <= 0
// - Tier 1: дневной circuit breaker от снимка 00:01 UTC
// - Tier 2: недельная просадка от снимка понедельника 00:01 UTC:
//   уровень 1 (объем x0.5), уровень 2 (закрыть все, стоп до понедельника)
//
// Каждый уровень срабатывает один раз до сброса на границе периода
// (или восстановления для уровня 1).
type RiskManager struct {
	cfg      RiskConfig
	account  AccountSource
	trades   TradeController
	equity   EquityStore
	journal  Journal
	notifier Notifier
	logger   *utils.Logger
	now      func() time.Time

	mu             sync.RWMutex
	state          models.RiskState
	dailyBoundary  time.Time
	weeklyBoundary time.Time
	pendingClose   string // причина ликвидации, не завершенной с прошлой проверки
}

// NewRiskManager создает риск-менеджер
func NewRiskManager(cfg RiskConfig, account AccountSource, trades TradeController, equity EquityStore, journal Journal, notifier Notifier, logger *utils.Logger) *RiskManager {
	if cfg.WeeklyReduceFactor <= 0 {
		cfg.WeeklyReduceFactor = 0.5
	}
	return &RiskManager{
		cfg:      cfg,
		account:  account,
		trades:   trades,
		equity:   equity,
		journal:  journal,
		notifier: notifier,
		logger:   utils.OrGlobal(logger).WithComponent("risk"),
		now:      time.Now,
		state: models.RiskState{
			PositionSizeMultiplier: 1.0,
		},
	}
}

// ============================================================
// Инициализация и снимки
// ============================================================

// Init загружает стартовые значения периодов.
// Если снимок текущего периода уже сохранен (рестарт внутри дня/недели),
// используется он; иначе снимок делается сейчас.
func (r *RiskManager) Init(ctx context.Context) error {
	now := r.now().UTC()

	bal, err := r.account.Balance(ctx)
	if err != nil {
		return fmt.Errorf("initial balance: %w", err)
	}

	dailyStart, err := r.periodStart(ctx, models.SnapshotDaily, utils.CurrentDailyReset(now), bal.Equity, now)
	if err != nil {
		return err
	}
	weeklyStart, err := r.periodStart(ctx, models.SnapshotWeekly, utils.CurrentWeeklyReset(now), bal.Equity, now)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.state.DailyEquityStart = dailyStart
	r.state.WeeklyEquityStart = weeklyStart
	r.state.WeeklyEquityPeak = max(weeklyStart, bal.Equity)
	r.state.LastEquity = bal.Equity
	r.dailyBoundary = utils.CurrentDailyReset(now)
	r.weeklyBoundary = utils.CurrentWeeklyReset(now)
	r.mu.Unlock()

	// Tier 0 после рестарта: если прибыль уже выше порога, взводим сразу
	if positions, err := r.account.Positions(ctx); err == nil {
		total := totalUnrealized(positions)
		r.mu.Lock()
		if total >= r.activation() {
			r.state.UnrealizedArmed = true
			r.state.UnrealizedPeak = total
		}
		r.mu.Unlock()
	}

	r.logger.Info("risk manager initialized",
		zap.Float64("equity", bal.Equity),
		zap.Float64("daily_start", dailyStart),
		zap.Float64("weekly_start", weeklyStart))
	RecordRiskState(r.State())
	return nil
}

func (r *RiskManager) periodStart(ctx context.Context, period string, boundary time.Time, equity float64, now time.Time) (float64, error) {
	if r.equity != nil {
		snap, err := r.equity.Latest(ctx, period)
		if err != nil {
			return 0, fmt.Errorf("latest %s snapshot: %w", period, err)
		}
		if snap != nil && !snap.TakenAt.Before(boundary) {
			return snap.Equity, nil
		}
	}
	r.saveSnapshot(ctx, period, equity, now)
	return equity, nil
}

func (r *RiskManager) saveSnapshot(ctx context.Context, period string, equity float64, at time.Time) {
	if r.equity == nil {
		return
	}
	err := r.equity.Insert(ctx, &models.EquitySnapshot{Period: period, Equity: equity, TakenAt: at.UTC()})
	if err != nil {
		r.logger.Warn("equity snapshot not saved", zap.String("period", period), zap.Error(err))
	}
}

// CheckSnapshots переходит через границы периодов.
//
// Дневная граница: новый daily_equity_start, снятие дневного breaker.
// Недельная граница: отчет за прошедшую неделю, новый weekly_equity_start,
// сброс уровня просадки и множителя.
// Если баланс недоступен, граница не сдвигается и переход повторится.
func (r *RiskManager) CheckSnapshots(ctx context.Context) error {
	now := r.now().UTC()
	daily := utils.CurrentDailyReset(now)
	weekly := utils.CurrentWeeklyReset(now)

	r.mu.RLock()
	dailyDue := daily.After(r.dailyBoundary)
	weeklyDue := weekly.After(r.weeklyBoundary)
	prevWeekly := r.weeklyBoundary
	prevWeeklyStart := r.state.WeeklyEquityStart
	r.mu.RUnlock()

	if !dailyDue && !weeklyDue {
		return nil
	}

	bal, err := r.account.Balance(ctx)
	if err != nil {
		return fmt.Errorf("snapshot balance: %w", err)
	}

	if dailyDue {
		r.mu.Lock()
		r.state.DailyEquityStart = bal.Equity
		r.state.CircuitBreakerActive = false
		r.state.ResumeTime = time.Time{}
		r.dailyBoundary = daily
		r.refreshHaltLocked()
		r.mu.Unlock()

		r.saveSnapshot(ctx, models.SnapshotDaily, bal.Equity, now)
		r.logger.Info("daily equity snapshot", zap.Float64("equity", bal.Equity))
	}

	if weeklyDue {
		r.mu.Lock()
		r.state.WeeklyEquityStart = bal.Equity
		r.state.WeeklyEquityPeak = bal.Equity
		r.state.WeeklyPeakLoss = 0
		r.state.DrawdownLevel = models.DrawdownNormal
		r.state.PositionSizeMultiplier = 1.0
		r.weeklyBoundary = weekly
		r.refreshHaltLocked()
		r.mu.Unlock()

		r.saveSnapshot(ctx, models.SnapshotWeekly, bal.Equity, now)
		r.logger.Info("weekly equity snapshot", zap.Float64("equity", bal.Equity))

		if !prevWeekly.IsZero() {
			r.sendWeeklyReport(ctx, prevWeekly, weekly, prevWeeklyStart, bal.Equity)
		}
	}

	RecordRiskState(r.State())
	return nil
}

// ============================================================
// Tier 1 / Tier 2
// ============================================================

// CheckEquity проверяет дневной breaker и недельную просадку
func (r *RiskManager) CheckEquity(ctx context.Context) error {
	bal, err := r.account.Balance(ctx)
	if err != nil {
		return fmt.Errorf("equity check: %w", err)
	}
	reason := r.evaluateEquity(bal.Equity)
	RecordRiskState(r.State())

	r.mu.Lock()
	if reason == "" {
		reason = r.pendingClose
	}
	r.pendingClose = ""
	r.mu.Unlock()

	if reason == "" {
		return nil
	}
	if err := r.trades.LiquidateAll(ctx, reason); err != nil {
		// Уровень уже защелкнут: повторяем только закрытие
		r.mu.Lock()
		r.pendingClose = reason
		r.mu.Unlock()
		return fmt.Errorf("liquidate (%s): %w", reason, err)
	}
	return nil
}

// evaluateEquity применяет Tier 1 и Tier 2 к текущему equity.
// Возвращает причину ликвидации или пустую строку.
func (r *RiskManager) evaluateEquity(equity float64) string {
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.state
	s.LastEquity = equity
	if equity > s.WeeklyEquityPeak {
		s.WeeklyEquityPeak = equity
	}

	liquidate := ""

	// Tier 1
	if !s.CircuitBreakerActive && s.DailyEquityStart > 0 {
		dd := (s.DailyEquityStart - equity) / s.DailyEquityStart * 100
		if dd >= r.cfg.DailyLossPct {
			s.CircuitBreakerActive = true
			s.ResumeTime = utils.NextDailyReset(now)
			liquidate = models.CloseReasonDailyBreaker

			r.logger.Error("daily circuit breaker",
				zap.Float64("drawdown_pct", dd),
				zap.Time("resume", s.ResumeTime))
			notify(r.notifier, models.NotificationTypeBreaker, models.SeverityError, "",
				map[string]interface{}{"drawdown_pct": dd},
				"⛔ Daily circuit breaker: drawdown %.2f%% (equity %.2f → %.2f). Trading resumes %s",
				dd, s.DailyEquityStart, equity, s.ResumeTime.Format(time.RFC3339))
		}
	}

	// Tier 2
	if s.WeeklyEquityStart > 0 {
		loss := s.WeeklyEquityStart - equity
		dd := loss / s.WeeklyEquityStart * 100

		switch {
		case s.DrawdownLevel < models.DrawdownHalted && dd >= r.cfg.WeeklyHaltPct:
			s.DrawdownLevel = models.DrawdownHalted
			s.PositionSizeMultiplier = 0
			s.WeeklyPeakLoss = max(s.WeeklyPeakLoss, loss)
			if liquidate == "" {
				liquidate = models.CloseReasonWeeklyBreaker
			}

			r.logger.Error("weekly drawdown halt", zap.Float64("drawdown_pct", dd))
			notify(r.notifier, models.NotificationTypeDrawdown, models.SeverityError, "",
				map[string]interface{}{"drawdown_pct": dd, "level": int(s.DrawdownLevel)},
				"🛑 Weekly drawdown %.2f%%: all positions closed, trading halted until Monday 00:01 UTC", dd)

		case s.DrawdownLevel == models.DrawdownNormal && dd >= r.cfg.WeeklyReducePct:
			s.DrawdownLevel = models.DrawdownReduced
			s.PositionSizeMultiplier = r.cfg.WeeklyReduceFactor
			s.WeeklyPeakLoss = loss

			r.logger.Warn("weekly drawdown reduce", zap.Float64("drawdown_pct", dd))
			notify(r.notifier, models.NotificationTypeDrawdown, models.SeverityWarn, "",
				map[string]interface{}{"drawdown_pct": dd, "level": int(s.DrawdownLevel)},
				"⚠️ Weekly drawdown %.2f%%: position size x%.2f", dd, s.PositionSizeMultiplier)

		case s.DrawdownLevel == models.DrawdownReduced:
			s.WeeklyPeakLoss = max(s.WeeklyPeakLoss, loss)
			trough := s.WeeklyEquityStart - s.WeeklyPeakLoss
			if s.WeeklyPeakLoss > 0 && equity-trough >= s.WeeklyPeakLoss*r.cfg.RecoveryPct/100 {
				s.DrawdownLevel = models.DrawdownNormal
				s.PositionSizeMultiplier = 1.0
				s.WeeklyPeakLoss = 0

				r.logger.Info("weekly drawdown recovered", zap.Float64("equity", equity))
				notify(r.notifier, models.NotificationTypeDrawdown, models.SeverityInfo, "", nil,
					"✅ Weekly drawdown recovered: equity %.2f, position size back to x1.00", equity)
			}
		}
	}

	r.refreshHaltLocked()
	return liquidate
}

func (r *RiskManager) refreshHaltLocked() {
	s := &r.state
	switch {
	case s.CircuitBreakerActive:
		s.Halted = true
		s.HaltReason = models.CloseReasonDailyBreaker
	case s.DrawdownLevel == models.DrawdownHalted:
		s.Halted = true
		s.HaltReason = models.CloseReasonWeeklyBreaker
	default:
		s.Halted = false
		s.HaltReason = ""
	}
}

// ============================================================
// Tier 0
// ============================================================

func (r *RiskManager) activation() float64 {
	return r.cfg.UnrealizedActivationMult * r.cfg.BasePositionSizeUSD
}

// CheckUnrealized - контроль отката суммарного нереализованного PnL
func (r *RiskManager) CheckUnrealized(ctx context.Context) error {
	positions, err := r.account.Positions(ctx)
	if err != nil {
		return fmt.Errorf("unrealized check: %w", err)
	}
	total := totalUnrealized(positions)

	if !r.evaluateUnrealized(total) {
		return nil
	}
	if err := r.trades.LiquidateAll(ctx, models.CloseReasonUnrealizedRetrace); err != nil {
		return fmt.Errorf("liquidate (%s): %w", models.CloseReasonUnrealizedRetrace, err)
	}
	return nil
}

// evaluateUnrealized обновляет состояние Tier 0; true - нужно закрыть все
func (r *RiskManager) evaluateUnrealized(total float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.state
	if total <= 0 {
		if s.UnrealizedArmed {
			r.logger.Debug("unrealized monitor disarmed")
		}
		s.UnrealizedArmed = false
		s.UnrealizedPeak = 0
		return false
	}

	if !s.UnrealizedArmed {
		if total < r.activation() {
			return false
		}
		s.UnrealizedArmed = true
		s.UnrealizedPeak = total
		r.logger.Info("unrealized monitor armed", zap.Float64("unrealized", total))
		return false
	}

	if total > s.UnrealizedPeak {
		s.UnrealizedPeak = total
	}
	retrace := (s.UnrealizedPeak - total) / s.UnrealizedPeak * 100
	if retrace < r.cfg.UnrealizedRetracePct {
		return false
	}

	r.logger.Warn("unrealized retrace",
		zap.Float64("peak", s.UnrealizedPeak),
		zap.Float64("current", total),
		zap.Float64("retrace_pct", retrace))
	notify(r.notifier, models.NotificationTypeBreaker, models.SeverityWarn, "",
		map[string]interface{}{"peak": s.UnrealizedPeak, "current": total},
		"📉 Unrealized PnL retraced %.1f%% from peak %.2f to %.2f, closing all positions",
		retrace, s.UnrealizedPeak, total)

	s.UnrealizedArmed = false
	s.UnrealizedPeak = 0
	return true
}

// ============================================================
// Безубыток
// ============================================================

// CheckBreakeven переносит стоп в безубыток для ACTIVE сделок, прибыль
// которых достигла порога. Возвращает число ACTIVE сделок после проверки.
func (r *RiskManager) CheckBreakeven(ctx context.Context) (int, error) {
	var candidates []models.TradeRecord
	for _, t := range r.trades.Trades() {
		if t.State == models.TradeStateActive {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	positions, err := r.account.Positions(ctx)
	if err != nil {
		return len(candidates), fmt.Errorf("breakeven check: %w", err)
	}
	bySymbol := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}

	remaining := 0
	var errs []error
	for _, t := range candidates {
		pos, ok := bySymbol[t.Symbol]
		if !ok || pos.UnrealizedPct() < r.cfg.BreakevenThresholdPct {
			remaining++
			continue
		}

		stop, err := r.account.MoveToBreakeven(ctx, t.Symbol)
		if err != nil {
			remaining++
			if !errors.Is(err, ErrNoPosition) {
				errs = append(errs, err)
			}
			continue
		}
		if err := r.trades.MarkBreakeven(t.Key(), stop); err != nil && !errors.Is(err, ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	return remaining, errors.Join(errs...)
}

// ============================================================
// Гейт входа и ручное управление
// ============================================================

// EntryMultiplier - множитель объема нового входа; 0 - входы запрещены
func (r *RiskManager) EntryMultiplier() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.CircuitBreakerActive || r.state.DrawdownLevel == models.DrawdownHalted {
		return 0
	}
	return r.state.PositionSizeMultiplier
}

// State возвращает копию состояния
func (r *RiskManager) State() models.RiskState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Resume - ручное снятие остановки оператором.
// Дневной breaker снимается; недельный уровень 2 понижается до 1 с
// уменьшенным объемом, восстановление дальше идет обычным путем.
func (r *RiskManager) Resume() models.RiskState {
	r.mu.Lock()
	r.state.CircuitBreakerActive = false
	r.state.ResumeTime = time.Time{}
	if r.state.DrawdownLevel == models.DrawdownHalted {
		r.state.DrawdownLevel = models.DrawdownReduced
		r.state.PositionSizeMultiplier = r.cfg.WeeklyReduceFactor
	}
	r.refreshHaltLocked()
	s := r.state
	r.mu.Unlock()

	RecordRiskState(s)
	r.logger.Warn("risk halt cleared manually",
		zap.String("level", s.DrawdownLevel.String()),
		zap.Float64("multiplier", s.PositionSizeMultiplier))
	return s
}

// ============================================================
// Отчет за период
// ============================================================

func (r *RiskManager) sendWeeklyReport(ctx context.Context, from, to time.Time, startEq, endEq float64) {
	if r.journal == nil {
		return
	}
	events, err := r.journal.ReadSince(ctx, from)
	if err != nil {
		r.logger.Warn("weekly report: journal read failed", zap.Error(err))
		return
	}
	rep := BuildReport(events, from, to, startEq, endEq)

	notify(r.notifier, models.NotificationTypePerformance, models.SeverityInfo, "",
		map[string]interface{}{"report": rep},
		"%s", FormatReport(rep))
}

// BuildReport считает итоги периода [from, to) по журналу
func BuildReport(events []models.TradeEvent, from, to time.Time, startEq, endEq float64) models.PerformanceReport {
	rep := models.PerformanceReport{
		From:           from,
		To:             to,
		OpenedByRule:   make(map[string]int),
		ClosedByReason: make(map[string]int),
		EquityStart:    startEq,
		EquityEnd:      endEq,
	}
	for _, e := range events {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		switch e.Event {
		case models.EventOpened:
			rep.Opened++
			rep.OpenedByRule[e.RuleID]++
		case models.EventClosed:
			rep.Closed++
			rep.ClosedByReason[e.Reason]++
		}
	}
	if startEq > 0 {
		rep.EquityChange = utils.PercentChange(startEq, endEq)
	}
	return rep
}

// FormatReport - текст отчета для уведомления
func FormatReport(rep models.PerformanceReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Weekly report %s – %s\n", rep.From.Format("2006-01-02"), rep.To.Format("2006-01-02"))
	fmt.Fprintf(&b, "Equity: %.2f → %.2f (%+.2f%%)\n", rep.EquityStart, rep.EquityEnd, rep.EquityChange)
	fmt.Fprintf(&b, "Opened: %d", rep.Opened)
	for _, k := range sortedCountKeys(rep.OpenedByRule) {
		fmt.Fprintf(&b, " | %s: %d", k, rep.OpenedByRule[k])
	}
	fmt.Fprintf(&b, "\nClosed: %d", rep.Closed)
	for _, k := range sortedCountKeys(rep.ClosedByReason) {
		fmt.Fprintf(&b, " | %s: %d", k, rep.ClosedByReason[k])
	}
	return b.String()
}

func sortedCountKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func totalUnrealized(positions []models.Position) float64 {
	total := 0.0
	for _, p := range positions {
		total += p.UnrealizedPnl
	}
	return total
}
