// Package ratelimit - ограничение частоты REST запросов к бирже.
//
// Лимиты биржи различаются по группам эндпоинтов (рыночные данные,
// ордера, позиции, аккаунт), поэтому на каждую группу свой token bucket.
//
// Использование:
//
//	ml := NewMultiLimiter(10, 20)
//	ml.Add(CategoryOrder, 10, 10)
//	if err := ml.Wait(ctx, CategoryOrder); err != nil { ... }
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Группы эндпоинтов
const (
	CategoryMarket   = "market"
	CategoryOrder    = "order"
	CategoryPosition = "position"
	CategoryAccount  = "account"
)

// MultiLimiter - набор лимитеров по категориям с лимитером по умолчанию
type MultiLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
}

// NewMultiLimiter создает набор с лимитом по умолчанию (req/sec, burst)
func NewMultiLimiter(defaultRate float64, defaultBurst int) *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
		fallback: newLimiter(defaultRate, defaultBurst),
	}
}

// BybitDefaults - лимиты v5 API для одного UID
func BybitDefaults() *MultiLimiter {
	ml := NewMultiLimiter(10, 20)
	ml.Add(CategoryMarket, 20, 40)
	ml.Add(CategoryOrder, 10, 10)
	ml.Add(CategoryPosition, 10, 10)
	ml.Add(CategoryAccount, 5, 5)
	return ml
}

func newLimiter(r float64, burst int) *rate.Limiter {
	if r <= 0 {
		r = 10
	}
	if burst <= 0 {
		burst = int(r * 2)
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// Add задает лимит для категории
func (ml *MultiLimiter) Add(category string, r float64, burst int) {
	ml.mu.Lock()
	ml.limiters[category] = newLimiter(r, burst)
	ml.mu.Unlock()
}

// Get возвращает лимитер категории (или лимитер по умолчанию)
func (ml *MultiLimiter) Get(category string) *rate.Limiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	if l, ok := ml.limiters[category]; ok {
		return l
	}
	return ml.fallback
}

// Wait блокирует до получения токена или отмены ctx
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	return ml.Get(category).Wait(ctx)
}

// Allow - неблокирующая проверка
func (ml *MultiLimiter) Allow(category string) bool {
	return ml.Get(category).Allow()
}
