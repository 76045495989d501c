package service

import (
	"context"
	"time"

	"pumptrader/internal/bot"
	"pumptrader/internal/models"
	"pumptrader/internal/repository"
)

// BlacklistStore определяет интерфейс хранилища черного списка
type BlacklistStore interface {
	Add(ctx context.Context, entry *models.BlacklistEntry) error
	List(ctx context.Context) ([]models.BlacklistEntry, error)
	Remove(ctx context.Context, symbol string) error
	Exists(ctx context.Context, symbol string) (bool, error)
}

// JournalReader определяет чтение журнала сделок
type JournalReader interface {
	ReadSince(ctx context.Context, since time.Time) ([]models.TradeEvent, error)
	Recent(ctx context.Context, limit int) ([]models.TradeEvent, error)
}

// EquityReader определяет чтение снимков equity
type EquityReader interface {
	Latest(ctx context.Context, period string) (*models.EquitySnapshot, error)
	Range(ctx context.Context, period string, from, to time.Time) ([]models.EquitySnapshot, error)
}

// WebSocketBroadcaster - отправка событий клиентам dashboard.
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ BlacklistStore = (*repository.BlacklistRepository)(nil)
var _ JournalReader = (*repository.JournalRepository)(nil)
var _ EquityReader = (*repository.EquityRepository)(nil)

// Проверяем, что сервис уведомлений подходит движку
var _ bot.Notifier = (*NotificationService)(nil)
