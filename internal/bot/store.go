package bot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"pumptrader/internal/models"
)

// ExpiryFunc вызывается, когда срабатывает таймер экспирации сделки
type ExpiryFunc func(key models.TradeKey)

// tradeEntry - сделка вместе с ее таймером экспирации
type tradeEntry struct {
	rec   models.TradeRecord
	timer *time.Timer
}

// TradeStore - единственный владелец открытых сделок.
//
// Все чтения и записи идут под мьютексом, наружу отдаются только копии
// TradeRecord. Каждая сделка хранит свой таймер экспирации, который
// останавливается при закрытии любым путем.
//
// Резерв (Reserve) занимает ключ и слот на время размещения ордера, чтобы
// два сигнала не открыли одну и ту же сделку и не превысили лимит.
type TradeStore struct {
	mu        sync.RWMutex
	trades    map[models.TradeKey]*tradeEntry
	pending   map[models.TradeKey]struct{}
	maxActive int
	onExpire  ExpiryFunc
	now       func() time.Time
}

// NewTradeStore создает хранилище
func NewTradeStore(maxActive int, onExpire ExpiryFunc) *TradeStore {
	return &TradeStore{
		trades:    make(map[models.TradeKey]*tradeEntry),
		pending:   make(map[models.TradeKey]struct{}),
		maxActive: maxActive,
		onExpire:  onExpire,
		now:       time.Now,
	}
}

// activeLocked - сделки, занимающие слот, плюс резервы
func (s *TradeStore) activeLocked() int {
	n := len(s.pending)
	for _, e := range s.trades {
		if CountsTowardCapacity(e.rec.State) {
			n++
		}
	}
	return n
}

// Reserve занимает ключ под будущую сделку.
// Возвращает ErrTradeExists, если ключ открыт или уже зарезервирован,
// ErrCapacityReached при исчерпании лимита.
func (s *TradeStore) Reserve(key models.TradeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[key]; ok {
		return ErrTradeExists
	}
	if _, ok := s.pending[key]; ok {
		return ErrTradeExists
	}
	if s.activeLocked() >= s.maxActive {
		return ErrCapacityReached
	}
	s.pending[key] = struct{}{}
	return nil
}

// Release снимает резерв (ордер не прошел)
func (s *TradeStore) Release(key models.TradeKey) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// Add начинает отслеживать сделку и ставит таймер на ExpiryTime.
// Резерв ключа, если был, снимается. Сделка с уже занятым ключом
// не добавляется.
func (s *TradeStore) Add(rec models.TradeRecord) error {
	if !rec.IsOpen() {
		return fmt.Errorf("%w: add %s in state %s", ErrInvalidTransition, rec.Key(), rec.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	delete(s.pending, key)
	if _, ok := s.trades[key]; ok {
		return ErrTradeExists
	}

	entry := &tradeEntry{rec: rec}
	if s.onExpire != nil {
		delay := rec.ExpiryTime.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		onExpire := s.onExpire
		entry.timer = time.AfterFunc(delay, func() { onExpire(key) })
	}
	s.trades[key] = entry
	return nil
}

// Get возвращает копию сделки
func (s *TradeStore) Get(key models.TradeKey) (models.TradeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.trades[key]
	if !ok {
		return models.TradeRecord{}, false
	}
	return e.rec, true
}

// List возвращает копии всех сделок в порядке открытия
func (s *TradeStore) List() []models.TradeRecord {
	s.mu.RLock()
	out := make([]models.TradeRecord, 0, len(s.trades))
	for _, e := range s.trades {
		out = append(out, e.rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTimestamp.Equal(out[j].EntryTimestamp) {
			return out[i].Key().String() < out[j].Key().String()
		}
		return out[i].EntryTimestamp.Before(out[j].EntryTimestamp)
	})
	return out
}

// Len возвращает количество отслеживаемых сделок
func (s *TradeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}

// ActiveCount - сделки, занимающие слот лимита (без безубыточных), плюс резервы
func (s *TradeStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked()
}

// MarkBreakeven переводит сделку ACTIVE -> BREAKEVEN и запоминает новый стоп.
// Флаг breakeven_triggered монотонен: повторный вызов возвращает
// ErrInvalidTransition и ничего не меняет.
func (s *TradeStore) MarkBreakeven(key models.TradeKey, stopLoss float64) (models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.trades[key]
	if !ok {
		return models.TradeRecord{}, ErrTradeNotFound
	}
	if !CanTransition(e.rec.State, models.TradeStateBreakeven) {
		return e.rec, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.rec.State, models.TradeStateBreakeven)
	}

	e.rec.State = models.TradeStateBreakeven
	e.rec.BreakevenTriggered = true
	if stopLoss > 0 {
		e.rec.StopLoss = stopLoss
	}
	return e.rec, nil
}

// Remove закрывает сделку: останавливает таймер, удаляет из хранилища и
// возвращает запись в состоянии CLOSED с причиной. Для отсутствующего
// ключа возвращает false (повторное закрытие безопасно).
func (s *TradeStore) Remove(key models.TradeKey, reason string) (models.TradeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.trades[key]
	if !ok {
		return models.TradeRecord{}, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.trades, key)

	rec := e.rec
	rec.State = models.TradeStateClosed
	rec.ClosureReason = reason
	return rec, true
}

// RetryExpiry перезапускает таймер экспирации сделки через delay.
// Для отсутствующего ключа возвращает false.
func (s *TradeStore) RetryExpiry(key models.TradeKey, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.trades[key]
	if !ok || s.onExpire == nil {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	onExpire := s.onExpire
	e.timer = time.AfterFunc(delay, func() { onExpire(key) })
	return true
}

// StopTimers останавливает все таймеры экспирации, сделки остаются на учете.
// Вызывается при остановке: после рестарта таймеры ставит восстановление.
func (s *TradeStore) StopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.trades {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// PendingSymbol проверяет, идет ли сейчас размещение входа по символу
func (s *TradeStore) PendingSymbol(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k := range s.pending {
		if k.Symbol == symbol {
			return true
		}
	}
	return false
}
