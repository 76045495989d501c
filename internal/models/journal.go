package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Типы событий журнала восстановления
const (
	EventOpened = "opened"
	EventClosed = "closed"
)

// TradeEvent - запись журнала (только добавление).
// По журналу после рестарта восстанавливаются открытые сделки.
type TradeEvent struct {
	ID           int64     `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Event        string    `json:"event" db:"event"`
	Symbol       string    `json:"symbol" db:"symbol"`
	RuleID       string    `json:"rule_id" db:"rule_id"`
	EntryPrice   float64   `json:"entry_price" db:"entry_price"`
	PositionSize float64   `json:"position_size" db:"position_size"`
	Reason       string    `json:"reason,omitempty" db:"reason"`
	Payload      []byte    `json:"-" db:"payload"` // исходный JSON записи старого формата
}

// Key возвращает ключ сделки события
func (e TradeEvent) Key() TradeKey {
	return TradeKey{Symbol: e.Symbol, RuleID: e.RuleID}
}

// legacyPayload - старые форматы значения сделки: либо строка с
// временем экспирации, либо объект с произвольным набором полей.
type legacyPayload struct {
	EntryTimestamp *time.Time `json:"entry_timestamp"`
	EntryPrice     *float64   `json:"entry_price"`
	PositionSize   *float64   `json:"position_size"`
	Expiry         *time.Time `json:"expiry"`
	ExpiryTime     *time.Time `json:"expiry_time"`
	TakeProfit     *float64   `json:"take_profit"`
	StopLoss       *float64   `json:"stop_loss"`
	Breakeven      *bool      `json:"breakeven_triggered"`
}

// NormalizeOpenedEvent превращает событие "opened" любого формата в TradeRecord.
//
// Поддерживаемые формы Payload:
//   - пусто: используются колонки события
//   - JSON строка с временем экспирации ("2024-01-01T00:00:00Z")
//   - JSON объект со старыми полями (entry_timestamp, expiry, ...)
//
// Нормализация выполняется один раз при загрузке; дальше код работает
// только с TradeRecord.
func NormalizeOpenedEvent(e TradeEvent, expiry time.Duration) (TradeRecord, error) {
	if e.Event != EventOpened {
		return TradeRecord{}, fmt.Errorf("event %q is not %q", e.Event, EventOpened)
	}

	rec := TradeRecord{
		Symbol:         e.Symbol,
		RuleID:         e.RuleID,
		EntryTimestamp: e.Timestamp.UTC(),
		EntryPrice:     e.EntryPrice,
		PositionSize:   e.PositionSize,
		State:          TradeStateActive,
	}

	if len(e.Payload) > 0 {
		if err := applyLegacyPayload(&rec, e.Payload, expiry); err != nil {
			return TradeRecord{}, fmt.Errorf("normalize %s: %w", e.Key(), err)
		}
	}

	if rec.ExpiryTime.IsZero() {
		rec.ExpiryTime = rec.EntryTimestamp.Add(expiry)
	}
	if rec.BreakevenTriggered {
		rec.State = TradeStateBreakeven
	}
	return rec, nil
}

func applyLegacyPayload(rec *TradeRecord, payload []byte, expiry time.Duration) error {
	// Самый старый формат: значение - только время экспирации
	var bare time.Time
	if err := json.Unmarshal(payload, &bare); err == nil {
		rec.ExpiryTime = bare.UTC()
		if rec.EntryTimestamp.IsZero() {
			rec.EntryTimestamp = rec.ExpiryTime.Add(-expiry)
		}
		return nil
	}

	var p legacyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.EntryTimestamp != nil {
		rec.EntryTimestamp = p.EntryTimestamp.UTC()
	}
	if p.EntryPrice != nil && rec.EntryPrice == 0 {
		rec.EntryPrice = *p.EntryPrice
	}
	if p.PositionSize != nil && rec.PositionSize == 0 {
		rec.PositionSize = *p.PositionSize
	}
	switch {
	case p.ExpiryTime != nil:
		rec.ExpiryTime = p.ExpiryTime.UTC()
	case p.Expiry != nil:
		rec.ExpiryTime = p.Expiry.UTC()
	}
	if p.TakeProfit != nil {
		rec.TakeProfit = *p.TakeProfit
	}
	if p.StopLoss != nil {
		rec.StopLoss = *p.StopLoss
	}
	if p.Breakeven != nil {
		rec.BreakevenTriggered = *p.Breakeven
	}
	return nil
}
