package bot

import (
	"container/list"
	"strconv"
	"sync"
	"time"
)

// Dedup - ограниченное множество недавно обработанных ключей.
//
// Ключ живет не дольше window и вытесняется первым (самый старый), когда
// размер превышает capacity. В отличие от периодической полной очистки,
// свежие ключи никогда не теряются раньше старых.
type Dedup struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	order    *list.List // front - самый новый
	items    map[string]*list.Element
	now      func() time.Time
}

type dedupEntry struct {
	key string
	at  time.Time
}

// NewDedup создает множество
func NewDedup(capacity int, window time.Duration) *Dedup {
	if capacity < 1 {
		capacity = 1
	}
	return &Dedup{
		capacity: capacity,
		window:   window,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Seen возвращает true, если key уже встречался в пределах окна.
// Иначе запоминает key и возвращает false.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	if _, ok := d.items[key]; ok {
		return true
	}

	d.items[key] = d.order.PushFront(&dedupEntry{key: key, at: now})
	for d.order.Len() > d.capacity {
		d.removeLocked(d.order.Back())
	}
	return false
}

// Len возвращает число ключей в окне
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(d.now())
	return d.order.Len()
}

// Cleanup удаляет истекшие ключи
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	d.expireLocked(d.now())
	d.mu.Unlock()
}

func (d *Dedup) expireLocked(now time.Time) {
	if d.window <= 0 {
		return
	}
	for el := d.order.Back(); el != nil; el = d.order.Back() {
		if now.Sub(el.Value.(*dedupEntry).at) < d.window {
			return
		}
		d.removeLocked(el)
	}
}

func (d *Dedup) removeLocked(el *list.Element) {
	entry := d.order.Remove(el).(*dedupEntry)
	delete(d.items, entry.key)
}

// BarKey - ключ свечи (symbol, timestamp)
func BarKey(symbol string, ts time.Time) string {
	return symbol + "|" + strconv.FormatInt(ts.UnixMilli(), 10)
}

// SignalKey - ключ сигнала (symbol, rule, timestamp)
func SignalKey(symbol, ruleID string, ts time.Time) string {
	return symbol + "|" + ruleID + "|" + strconv.FormatInt(ts.UnixMilli(), 10)
}
