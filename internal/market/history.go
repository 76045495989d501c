package market

import (
	"time"

	"pumptrader/internal/models"
)

// History - ограниченная история свечей одного символа (кольцевой буфер).
// Свечи хранятся по возрастанию времени, самая старая вытесняется при
// переполнении. Не потокобезопасна: синхронизацию обеспечивает Manager.
type History struct {
	bars  []models.Bar
	start int // индекс самой старой свечи
	size  int
}

// NewHistory создает буфер емкостью capacity
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{bars: make([]models.Bar, capacity)}
}

// Cap возвращает емкость буфера
func (h *History) Cap() int {
	return len(h.bars)
}

// Len возвращает количество свечей
func (h *History) Len() int {
	return h.size
}

func (h *History) at(i int) *models.Bar {
	return &h.bars[(h.start+i)%len(h.bars)]
}

// Last возвращает последнюю свечу
func (h *History) Last() (models.Bar, bool) {
	if h.size == 0 {
		return models.Bar{}, false
	}
	return *h.at(h.size - 1), true
}

// Put добавляет свечу.
//
// Свеча с тем же timestamp, что и последняя, заменяет ее (обновление
// незакрытой свечи). Свеча старше последней игнорируется.
// Возвращает true, если свеча была добавлена как новая.
func (h *History) Put(bar models.Bar) bool {
	if last, ok := h.Last(); ok {
		switch {
		case bar.Timestamp.Equal(last.Timestamp):
			*h.at(h.size - 1) = bar
			return false
		case bar.Timestamp.Before(last.Timestamp):
			return false
		}
	}

	if h.size < len(h.bars) {
		*h.at(h.size) = bar
		h.size++
		return true
	}

	// Переполнение: перезаписываем самую старую
	h.bars[h.start] = bar
	h.start = (h.start + 1) % len(h.bars)
	return true
}

// Bars возвращает копию свечей по возрастанию времени
func (h *History) Bars() []models.Bar {
	out := make([]models.Bar, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = *h.at(i)
	}
	return out
}

// Resize меняет емкость, сохраняя самые новые свечи
func (h *History) Resize(capacity int) {
	if capacity < 1 || capacity == len(h.bars) {
		return
	}
	bars := h.Bars()
	if len(bars) > capacity {
		bars = bars[len(bars)-capacity:]
	}
	h.bars = make([]models.Bar, capacity)
	copy(h.bars, bars)
	h.start = 0
	h.size = len(bars)
}

// newHistoryFrom заполняет буфер отсортированными свечами
func newHistoryFrom(capacity int, bars []models.Bar) *History {
	h := NewHistory(capacity)
	for _, b := range bars {
		h.Put(b)
	}
	return h
}

// IntervalDuration переводит обозначение таймфрейма биржи в длительность.
// Минутные интервалы задаются числом ("1", "5", "240"), остальные буквой.
func IntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "D":
		return 24 * time.Hour, nil
	case "W":
		return 7 * 24 * time.Hour, nil
	case "M":
		return 30 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(interval + "m")
	if err != nil || d <= 0 {
		return 0, errInvalidInterval(interval)
	}
	return d, nil
}
