package bot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

// ReconciliationResult - расхождения между учетом и биржей
type ReconciliationResult struct {
	ExternallyClosed []models.TradeKey `json:"externally_closed"`
	Untracked        []models.Position `json:"untracked"`
}

// Empty - расхождений нет
func (r ReconciliationResult) Empty() bool {
	return len(r.ExternallyClosed) == 0 && len(r.Untracked) == 0
}

// Diff сравнивает отслеживаемые сделки с открытыми позициями биржи.
//
// Сделка, по символу которой на бирже нет позиции, попадает в
// ExternallyClosed; позиция по символу без отслеживаемой сделки - в Untracked.
// Результат отсортирован.
func Diff(tracked []models.TradeRecord, positions []models.Position) ReconciliationResult {
	open := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		if p.Size > 0 {
			open[p.Symbol] = struct{}{}
		}
	}
	trackedSymbols := make(map[string]struct{}, len(tracked))
	for _, t := range tracked {
		trackedSymbols[t.Symbol] = struct{}{}
	}

	var res ReconciliationResult
	for _, t := range tracked {
		if _, ok := open[t.Symbol]; !ok {
			res.ExternallyClosed = append(res.ExternallyClosed, t.Key())
		}
	}
	for _, p := range positions {
		if p.Size <= 0 {
			continue
		}
		if _, ok := trackedSymbols[p.Symbol]; !ok {
			res.Untracked = append(res.Untracked, p)
		}
	}

	sort.Slice(res.ExternallyClosed, func(i, j int) bool {
		return res.ExternallyClosed[i].String() < res.ExternallyClosed[j].String()
	})
	sort.Slice(res.Untracked, func(i, j int) bool {
		return res.Untracked[i].Symbol < res.Untracked[j].Symbol
	})
	return res
}

// PositionLister - открытые позиции аккаунта
type PositionLister interface {
	Positions(ctx context.Context) ([]models.Position, error)
}

// ReconcileTarget - учет сделок, который исправляет сверка (реализуется *Engine)
type ReconcileTarget interface {
	Trades() []models.TradeRecord
	RemoveTrade(key models.TradeKey, reason string) (models.TradeRecord, bool)
	Adopt(pos models.Position, hold time.Duration) (models.TradeRecord, error)
	EntryInFlight(symbol string) bool
}

// Reconciler - периодическая сверка учета с биржей
type Reconciler struct {
	positions PositionLister
	target    ReconcileTarget
	hold      time.Duration
	grace     time.Duration
	notifier  Notifier
	logger    *utils.Logger
	now       func() time.Time
}

// defaultReconcileGrace - свежие сделки не считаются закрытыми извне
const defaultReconcileGrace = 30 * time.Second

// NewReconciler создает сверку. hold - срок удержания принятых позиций.
func NewReconciler(positions PositionLister, target ReconcileTarget, hold time.Duration, notifier Notifier, logger *utils.Logger) *Reconciler {
	return &Reconciler{
		positions: positions,
		target:    target,
		hold:      hold,
		grace:     defaultReconcileGrace,
		notifier:  notifier,
		logger:    utils.OrGlobal(logger).WithComponent("reconciler"),
		now:       time.Now,
	}
}

// Reconcile запрашивает позиции и сравнивает их с tracked (без изменений)
func (r *Reconciler) Reconcile(ctx context.Context, tracked []models.TradeRecord) (ReconciliationResult, error) {
	positions, err := r.positions.Positions(ctx)
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("reconcile: %w", err)
	}
	return Diff(tracked, positions), nil
}

// Run выполняет сверку и применяет исправления: закрытые извне сделки
// снимаются с учета, неизвестные позиции принимаются под учет.
// Сделки моложе grace и символы с идущим входом пропускаются.
// Возвращает фактически примененные исправления.
func (r *Reconciler) Run(ctx context.Context) (ReconciliationResult, error) {
	tracked := r.target.Trades()
	res, err := r.Reconcile(ctx, tracked)
	if err != nil {
		return res, err
	}

	now := r.now()
	ages := make(map[models.TradeKey]time.Duration, len(tracked))
	for _, t := range tracked {
		ages[t.Key()] = t.Age(now)
	}

	var applied ReconciliationResult
	for _, key := range res.ExternallyClosed {
		if ages[key] < r.grace {
			continue
		}
		if _, ok := r.target.RemoveTrade(key, models.CloseReasonExternal); ok {
			applied.ExternallyClosed = append(applied.ExternallyClosed, key)
			ReconcileCorrections.WithLabelValues("externally_closed").Inc()
		}
	}

	for _, pos := range res.Untracked {
		if r.target.EntryInFlight(pos.Symbol) {
			continue
		}
		if _, err := r.target.Adopt(pos, r.hold); err != nil {
			r.logger.Warn("adopt failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		applied.Untracked = append(applied.Untracked, pos)
		ReconcileCorrections.WithLabelValues("adopted").Inc()
	}

	if !applied.Empty() {
		r.logger.Warn("reconciliation corrected state",
			zap.Int("externally_closed", len(applied.ExternallyClosed)),
			zap.Int("adopted", len(applied.Untracked)))
		notify(r.notifier, models.NotificationTypeReconcile, models.SeverityWarn, "",
			map[string]interface{}{"result": applied},
			"🔄 Reconciliation: %d closed externally, %d positions adopted",
			len(applied.ExternallyClosed), len(applied.Untracked))
	}
	return applied, nil
}
