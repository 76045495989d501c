package bot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pumptrader/internal/config"
	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

// Task - периодическая задача. Interval вызывается перед каждым ожиданием,
// поэтому период может меняться между запусками.
type Task struct {
	Name     string
	Interval func() time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler запускает периодические задачи, каждую в своей горутине.
// Медленная задача не задерживает остальные; запуски одной задачи
// не перекрываются.
//
// Первая ошибка задачи после успешного запуска уходит оператору как
// уведомление ERROR; повторы той же серии только логируются.
type Scheduler struct {
	tasks    []Task
	notifier Notifier
	logger   *utils.Logger
}

// NewScheduler создает планировщик; notifier может быть nil
func NewScheduler(notifier Notifier, logger *utils.Logger) *Scheduler {
	return &Scheduler{
		notifier: notifier,
		logger:   utils.OrGlobal(logger).WithComponent("scheduler"),
	}
}

// Every добавляет задачу с фиксированным периодом
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.Add(Task{Name: name, Interval: func() time.Duration { return interval }, Run: fn})
}

// Add добавляет задачу
func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run блокируется до отмены ctx
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.runPeriodic(ctx, t)
		}(t)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runPeriodic(ctx context.Context, t Task) {
	timer := time.NewTimer(t.Interval())
	defer timer.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			failing = s.runOnce(ctx, t, failing)
			timer.Reset(t.Interval())
		}
	}
}

// runOnce выполняет задачу один раз. failing - состояние серии ошибок до
// запуска; возвращается новое состояние.
func (s *Scheduler) runOnce(ctx context.Context, t Task, failing bool) bool {
	start := time.Now()
	err := t.Run(ctx)
	TaskDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		if failing {
			s.logger.Info("task recovered", zap.String("task", t.Name))
		}
		return false
	}
	if ctx.Err() != nil {
		return failing
	}
	s.logger.Warn("task failed", zap.String("task", t.Name), zap.Error(err))
	if !failing {
		notify(s.notifier, models.NotificationTypeError, models.SeverityError, "",
			map[string]interface{}{"task": t.Name},
			"❗ Task %s failed: %v", t.Name, err)
	}
	return true
}

// snapshotCheckInterval - частота проверки границ 00:01 UTC
const snapshotCheckInterval = 30 * time.Second

// NewTradingScheduler собирает фоновые задачи трейдера.
//
// Проверка безубытка адаптивна: пока нет ACTIVE сделок, она идет с
// периодом BreakevenIdle.
func NewTradingScheduler(cfg config.ScheduleConfig, e *Engine, risk *RiskManager, rec *Reconciler, notifier Notifier, logger *utils.Logger) *Scheduler {
	s := NewScheduler(notifier, logger)

	s.Every("watchdog", cfg.WatchdogCheck, func(ctx context.Context) error {
		e.CheckWatchdog(ctx)
		return nil
	})
	s.Every("symbol_refresh", cfg.SymbolRefresh, e.RefreshSymbols)
	s.Every("snapshots", snapshotCheckInterval, risk.CheckSnapshots)
	s.Every("equity_check", cfg.BalanceCheck, risk.CheckEquity)
	s.Every("unrealized_check", cfg.PnlCheck, risk.CheckUnrealized)
	s.Every("negative_pnl", cfg.NegativePnlCheck, e.CheckNegativePnl)
	s.Every("reconcile", cfg.Reconcile, func(ctx context.Context) error {
		_, err := rec.Run(ctx)
		return err
	})
	s.Every("memory_cleanup", cfg.MemoryCleanup, func(ctx context.Context) error {
		e.Cleanup(ctx)
		return nil
	})

	var active atomic.Int64
	active.Store(int64(len(e.Trades())))
	s.Add(Task{
		Name: "breakeven",
		Interval: func() time.Duration {
			if active.Load() == 0 && cfg.BreakevenIdle > 0 {
				return cfg.BreakevenIdle
			}
			return cfg.BreakevenCheck
		},
		Run: func(ctx context.Context) error {
			n, err := risk.CheckBreakeven(ctx)
			active.Store(int64(n))
			return err
		},
	})
	return s
}
