package websocket

import (
	"time"

	"pumptrader/internal/models"
)

// MessageType - тип WebSocket сообщения
type MessageType string

const (
	// MessageTypeNotification - новое уведомление (открытие, закрытие, breaker, ошибки)
	MessageTypeNotification MessageType = "notification"

	// MessageTypeTradesUpdate - список отслеживаемых сделок.
	// Отправляется периодически, пока подключен хотя бы один клиент.
	MessageTypeTradesUpdate MessageType = "tradesUpdate"

	// MessageTypeRiskUpdate - состояние риск-менеджера
	MessageTypeRiskUpdate MessageType = "riskUpdate"
)

// BaseMessage - общие поля сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UTC()}
}

// NotificationMessage - сообщение с уведомлением
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// TradesUpdateMessage - отслеживаемые сделки
type TradesUpdateMessage struct {
	BaseMessage
	Count  int         `json:"count"`
	Trades []TradeData `json:"trades"`
}

// TradeData - сделка для dashboard
type TradeData struct {
	Symbol       string    `json:"symbol"`
	RuleID       string    `json:"rule_id"`
	State        string    `json:"state"`
	EntryPrice   float64   `json:"entry_price"`
	PositionSize float64   `json:"position_size"`
	TakeProfit   float64   `json:"take_profit"`
	StopLoss     float64   `json:"stop_loss"`
	Breakeven    bool      `json:"breakeven"`
	EntryTime    time.Time `json:"entry_time"`
	ExpiryTime   time.Time `json:"expiry_time"`

	// Секунды до принудительного закрытия по сроку
	ExpiresIn int64 `json:"expires_in"`
}

// RiskUpdateMessage - состояние риск-менеджера
type RiskUpdateMessage struct {
	BaseMessage
	Data models.RiskState `json:"data"`
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: newBase(MessageTypeNotification),
		Data:        n,
	}
}

// NewTradesUpdateMessage создает сообщение со списком сделок
func NewTradesUpdateMessage(trades []models.TradeRecord) *TradesUpdateMessage {
	msg := &TradesUpdateMessage{
		BaseMessage: newBase(MessageTypeTradesUpdate),
		Count:       len(trades),
		Trades:      make([]TradeData, 0, len(trades)),
	}
	for _, t := range trades {
		expiresIn := int64(t.ExpiryTime.Sub(msg.Timestamp) / time.Second)
		if expiresIn < 0 {
			expiresIn = 0
		}
		msg.Trades = append(msg.Trades, TradeData{
			Symbol:       t.Symbol,
			RuleID:       t.RuleID,
			State:        string(t.State),
			EntryPrice:   t.EntryPrice,
			PositionSize: t.PositionSize,
			TakeProfit:   t.TakeProfit,
			StopLoss:     t.StopLoss,
			Breakeven:    t.BreakevenTriggered,
			EntryTime:    t.EntryTimestamp,
			ExpiryTime:   t.ExpiryTime,
			ExpiresIn:    expiresIn,
		})
	}
	return msg
}

// NewRiskUpdateMessage создает сообщение состояния риска
func NewRiskUpdateMessage(state models.RiskState) *RiskUpdateMessage {
	return &RiskUpdateMessage{
		BaseMessage: newBase(MessageTypeRiskUpdate),
		Data:        state,
	}
}
