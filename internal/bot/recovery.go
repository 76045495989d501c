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

// RecoveryConfig - параметры восстановления после рестарта
type RecoveryConfig struct {
	ReplayWindow time.Duration // глубина чтения журнала
	TradeExpiry  time.Duration // срок сделки для записей без expiry
	AdoptedHold  time.Duration // срок удержания принятых позиций
	StaleAge     time.Duration // позиции без журнала старше - закрываются
}

// RecoveryAccount - позиции аккаунта и их закрытие (реализуется *Gateway)
type RecoveryAccount interface {
	Positions(ctx context.Context) ([]models.Position, error)
	ClosePosition(ctx context.Context, symbol string) error
}

// RecoveryTarget - учет сделок, в который восстанавливается состояние
// (реализуется *Engine)
type RecoveryTarget interface {
	Restore(rec models.TradeRecord) error
	Adopt(pos models.Position, hold time.Duration) (models.TradeRecord, error)
}

// RecoverySummary - итоги восстановления
type RecoverySummary struct {
	Restored       int `json:"restored"`
	Expired        int `json:"expired"`
	ClosedDowntime int `json:"closed_during_downtime"`
	StaleClosed    int `json:"stale_closed"`
	Adopted        int `json:"adopted"`
	Invalid        int `json:"invalid_events"`
}

// RecoveryManager восстанавливает учет сделок после перезапуска.
//
// Порядок:
//  1. чтение журнала за ReplayWindow и восстановление открытых сделок
//  2. сверка с позициями биржи:
//     - сделка без позиции: в журнал "closed" (external_close_during_downtime)
//     - сделка с позицией: снова под учетом (истекшие закрываются таймером сразу)
//     - позиция без сделки старше StaleAge: закрывается (stale_position)
//     - остальные позиции без сделки: принимаются как Recovered-Unknown
//  3. уведомление со сводкой
type RecoveryManager struct {
	cfg      RecoveryConfig
	journal  Journal
	account  RecoveryAccount
	target   RecoveryTarget
	notifier Notifier
	logger   *utils.Logger
	now      func() time.Time
}

// NewRecoveryManager создает менеджер восстановления
func NewRecoveryManager(cfg RecoveryConfig, journal Journal, account RecoveryAccount, target RecoveryTarget, notifier Notifier, logger *utils.Logger) *RecoveryManager {
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = cfg.TradeExpiry
	}
	return &RecoveryManager{
		cfg:      cfg,
		journal:  journal,
		account:  account,
		target:   target,
		notifier: notifier,
		logger:   utils.OrGlobal(logger).WithComponent("recovery"),
		now:      time.Now,
	}
}

// Recover выполняет восстановление. Ошибка чтения журнала или позиций
// прерывает запуск: торговать без знания открытого риска нельзя.
func (m *RecoveryManager) Recover(ctx context.Context) (RecoverySummary, error) {
	var sum RecoverySummary
	now := m.now().UTC()

	events, err := m.journal.ReadSince(ctx, now.Add(-m.cfg.ReplayWindow))
	if err != nil {
		return sum, fmt.Errorf("read journal: %w", err)
	}
	open, bad := ReplayJournal(events, m.cfg.TradeExpiry)
	sum.Invalid = len(bad)
	for _, err := range bad {
		m.logger.Warn("skipping malformed journal event", zap.Error(err))
	}

	positions, err := m.account.Positions(ctx)
	if err != nil {
		return sum, fmt.Errorf("list positions: %w", err)
	}
	bySymbol := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		if p.Size > 0 {
			bySymbol[p.Symbol] = p
		}
	}

	recs := make([]models.TradeRecord, 0, len(open))
	for _, rec := range open {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].EntryTimestamp.Before(recs[j].EntryTimestamp) })

	logged := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if _, ok := bySymbol[rec.Symbol]; !ok {
			m.appendClosed(ctx, rec, models.CloseReasonExternalDowntime, now)
			sum.ClosedDowntime++
			continue
		}

		logged[rec.Symbol] = struct{}{}
		if err := m.target.Restore(rec); err != nil {
			m.logger.Warn("restore failed", zap.String("trade", rec.Key().String()), zap.Error(err))
			continue
		}
		if !rec.ExpiryTime.After(now) {
			sum.Expired++
		} else {
			sum.Restored++
		}
	}

	for _, pos := range positions {
		if pos.Size <= 0 {
			continue
		}
		if _, ok := logged[pos.Symbol]; ok {
			continue
		}

		if !pos.CreatedAt.IsZero() && now.Sub(pos.CreatedAt) >= m.cfg.StaleAge {
			err := m.account.ClosePosition(ctx, pos.Symbol)
			if err == nil {
				sum.StaleClosed++
				RecordTradeClosed(models.CloseReasonStalePosition)
				m.logger.Warn("stale position closed",
					zap.String("symbol", pos.Symbol),
					zap.Duration("age", now.Sub(pos.CreatedAt)))
				continue
			}
			m.logger.Error("stale position close failed, adopting",
				zap.String("symbol", pos.Symbol), zap.Error(err))
		}

		if _, err := m.target.Adopt(pos, m.cfg.AdoptedHold); err != nil {
			m.logger.Warn("adopt failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		sum.Adopted++
	}

	m.logger.Info("recovery complete",
		zap.Int("restored", sum.Restored),
		zap.Int("expired", sum.Expired),
		zap.Int("closed_during_downtime", sum.ClosedDowntime),
		zap.Int("stale_closed", sum.StaleClosed),
		zap.Int("adopted", sum.Adopted),
		zap.Int("invalid_events", sum.Invalid))

	notify(m.notifier, models.NotificationTypeStartup, models.SeverityInfo, "",
		map[string]interface{}{"recovery": sum},
		"✅ Trader started. Restored %d trades (%d expired), %d closed during downtime, %d stale closed, %d adopted",
		sum.Restored+sum.Expired, sum.Expired, sum.ClosedDowntime, sum.StaleClosed, sum.Adopted)
	return sum, nil
}

func (m *RecoveryManager) appendClosed(ctx context.Context, rec models.TradeRecord, reason string, at time.Time) {
	if err := m.journal.Append(ctx, closedEvent(rec, reason, at)); err != nil {
		m.logger.Error("journal append failed", zap.String("trade", rec.Key().String()), zap.Error(err))
		return
	}
	RecordTradeClosed(reason)
	m.logger.Info("trade closed during downtime", zap.String("trade", rec.Key().String()))
}
