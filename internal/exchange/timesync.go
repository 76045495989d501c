package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pumptrader/pkg/utils"
)

// ServerTimeFunc возвращает текущее время сервера биржи
type ServerTimeFunc func(ctx context.Context) (time.Time, error)

// TimeSync хранит смещение локальных часов относительно сервера биржи.
// Подписанные запросы используют Now(), иначе биржа отклоняет
// запросы с timestamp вне recv_window.
type TimeSync struct {
	fetch    ServerTimeFunc
	interval time.Duration
	clock    func() time.Time
	logger   *utils.Logger

	mu       sync.RWMutex
	offset   time.Duration
	lastSync time.Time
}

// NewTimeSync создает синхронизатор. interval - минимальный период обновления.
func NewTimeSync(fetch ServerTimeFunc, interval time.Duration, logger *utils.Logger) *TimeSync {
	return &TimeSync{
		fetch:    fetch,
		interval: interval,
		clock:    time.Now,
		logger:   utils.OrGlobal(logger).WithComponent("timesync"),
	}
}

// Sync запрашивает время сервера и обновляет смещение.
// Смещение считается относительно середины запроса.
func (s *TimeSync) Sync(ctx context.Context) error {
	before := s.clock()
	serverTime, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	after := s.clock()

	local := before.Add(after.Sub(before) / 2)
	offset := serverTime.Sub(local)

	s.mu.Lock()
	s.offset = offset
	s.lastSync = after
	s.mu.Unlock()

	s.logger.Debug("server time synced", zap.Duration("offset", offset))
	return nil
}

// MaybeSync обновляет смещение, если с прошлой синхронизации прошло больше interval.
// Ошибка логируется, прежнее смещение остается в силе.
func (s *TimeSync) MaybeSync(ctx context.Context) {
	s.mu.RLock()
	stale := s.lastSync.IsZero() || s.clock().Sub(s.lastSync) >= s.interval
	s.mu.RUnlock()

	if !stale {
		return
	}
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("server time sync failed", zap.Error(err))
	}
}

// Now возвращает оценку текущего времени сервера
func (s *TimeSync) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock().Add(s.offset)
}

// Offset возвращает текущее смещение (server - local)
func (s *TimeSync) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}
