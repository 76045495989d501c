package bot

import (
	"sync"
	"time"

	"pumptrader/pkg/utils"
)

// Cooldown запрещает повторный вход в символ в пределах одного выровненного
// интервала (например, 4h от 00:00 UTC). Это граница интервала, а не
// скользящий таймер: вход в 03:59 блокирует символ только до 04:00.
type Cooldown struct {
	mu        sync.Mutex
	interval  time.Duration
	startHour int
	lastEntry map[string]time.Time // символ -> начало интервала последнего входа
}

// NewCooldown создает трекер
func NewCooldown(interval time.Duration, startHour int) *Cooldown {
	return &Cooldown{
		interval:  interval,
		startHour: startHour,
		lastEntry: make(map[string]time.Time),
	}
}

// CanTrade - вход разрешен, если текущий интервал начался после интервала последнего входа
func (c *Cooldown) CanTrade(symbol string, now time.Time) bool {
	if c.interval <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastEntry[symbol]
	if !ok {
		return true
	}
	return utils.IntervalStart(now, c.interval, c.startHour).After(last)
}

// Record отмечает вход
func (c *Cooldown) Record(symbol string, at time.Time) {
	c.mu.Lock()
	c.lastEntry[symbol] = utils.IntervalStart(at, c.interval, c.startHour)
	c.mu.Unlock()
}

// Cleanup удаляет записи, которые больше не блокируют вход
func (c *Cooldown) Cleanup(now time.Time) int {
	if c.interval <= 0 {
		return 0
	}
	current := utils.IntervalStart(now, c.interval, c.startHour)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for symbol, last := range c.lastEntry {
		if current.After(last) {
			delete(c.lastEntry, symbol)
			removed++
		}
	}
	return removed
}
