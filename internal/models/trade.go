package models

import (
	"fmt"
	"time"
)

// TradeState - состояние сделки
type TradeState string

const (
	TradeStateNone      TradeState = "NONE"
	TradeStateActive    TradeState = "ACTIVE"
	TradeStateBreakeven TradeState = "BREAKEVEN"
	TradeStateClosed    TradeState = "CLOSED"
)

// Причины закрытия сделки
const (
	CloseReasonExpired           = "expired"
	CloseReasonNegativePnl       = "8h_negative_pnl"
	CloseReasonExternal          = "external_close"
	CloseReasonExternalDowntime  = "external_close_during_downtime"
	CloseReasonStalePosition     = "stale_position"
	CloseReasonDailyBreaker      = "daily_circuit_breaker"
	CloseReasonWeeklyBreaker     = "weekly_circuit_breaker"
	CloseReasonUnrealizedRetrace = "unrealized_drawdown"
	CloseReasonWatchdog          = "watchdog_timeout"
	CloseReasonManual            = "manual"
)

// RecoveredRuleID - правило для позиций, найденных на бирже без записи в журнале
const RecoveredRuleID = "Recovered-Unknown"

// TradeKey - ключ сделки. Не более одной открытой сделки на ключ.
type TradeKey struct {
	Symbol string `json:"symbol"`
	RuleID string `json:"rule_id"`
}

func (k TradeKey) String() string {
	return fmt.Sprintf("%s/%s", k.Symbol, k.RuleID)
}

// TradeRecord - отслеживаемая сделка (только long)
type TradeRecord struct {
	Symbol             string     `json:"symbol"`
	RuleID             string     `json:"rule_id"`
	EntryTimestamp     time.Time  `json:"entry_timestamp"`
	EntryPrice         float64    `json:"entry_price"`
	PositionSize       float64    `json:"position_size"`
	TakeProfit         float64    `json:"take_profit"`
	StopLoss           float64    `json:"stop_loss"`
	ExpiryTime         time.Time  `json:"expiry_time"`
	BreakevenTriggered bool       `json:"breakeven_triggered"`
	State              TradeState `json:"state"`
	ClosureReason      string     `json:"closure_reason,omitempty"`
	OrderID            string     `json:"order_id,omitempty"`
}

// Key возвращает ключ сделки
func (t TradeRecord) Key() TradeKey {
	return TradeKey{Symbol: t.Symbol, RuleID: t.RuleID}
}

// IsOpen - сделка еще не закрыта
func (t TradeRecord) IsOpen() bool {
	return t.State == TradeStateActive || t.State == TradeStateBreakeven
}

// Age возвращает возраст сделки на момент now
func (t TradeRecord) Age(now time.Time) time.Duration {
	return now.Sub(t.EntryTimestamp)
}

// Position - открытая позиция по данным биржи
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // Buy / Sell
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	StopLoss      float64   `json:"stop_loss"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UnrealizedPct возвращает нереализованный результат в % от входа (для long)
func (p Position) UnrealizedPct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100
}
