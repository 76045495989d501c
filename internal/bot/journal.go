package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pumptrader/internal/models"
)

// Journal - журнал восстановления (только добавление)
type Journal interface {
	Append(ctx context.Context, e *models.TradeEvent) error
	ReadSince(ctx context.Context, since time.Time) ([]models.TradeEvent, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// EquityStore - снимки equity на границах периодов
type EquityStore interface {
	Insert(ctx context.Context, s *models.EquitySnapshot) error
	Latest(ctx context.Context, period string) (*models.EquitySnapshot, error)
	Range(ctx context.Context, period string, from, to time.Time) ([]models.EquitySnapshot, error)
}

// openedEvent - событие открытия; Payload несет полную запись сделки.
// Если запись не кодируется (NaN в ценах), событие возвращается без Payload
// вместе с ошибкой: восстановление обойдется скалярными полями.
func openedEvent(rec models.TradeRecord) (*models.TradeEvent, error) {
	ev := &models.TradeEvent{
		Timestamp:    rec.EntryTimestamp,
		Event:        models.EventOpened,
		Symbol:       rec.Symbol,
		RuleID:       rec.RuleID,
		EntryPrice:   rec.EntryPrice,
		PositionSize: rec.PositionSize,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return ev, fmt.Errorf("encode trade %s: %w", rec.Key(), err)
	}
	ev.Payload = payload
	return ev, nil
}

// closedEvent - событие закрытия
func closedEvent(rec models.TradeRecord, reason string, at time.Time) *models.TradeEvent {
	return &models.TradeEvent{
		Timestamp:    at.UTC(),
		Event:        models.EventClosed,
		Symbol:       rec.Symbol,
		RuleID:       rec.RuleID,
		EntryPrice:   rec.EntryPrice,
		PositionSize: rec.PositionSize,
		Reason:       reason,
	}
}

// ReplayJournal восстанавливает открытые сделки по событиям в порядке времени.
// "opened" без последующего "closed" считается открытой сделкой; записи
// старого формата нормализуются один раз здесь. Нераспознанные события
// возвращаются отдельно.
func ReplayJournal(events []models.TradeEvent, expiry time.Duration) (map[models.TradeKey]models.TradeRecord, []error) {
	open := make(map[models.TradeKey]models.TradeRecord)
	var errs []error

	for _, e := range events {
		switch e.Event {
		case models.EventOpened:
			rec, err := models.NormalizeOpenedEvent(e, expiry)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			open[rec.Key()] = rec
		case models.EventClosed:
			delete(open, e.Key())
		}
	}
	return open, errs
}
