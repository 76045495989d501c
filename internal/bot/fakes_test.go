package bot

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pumptrader/internal/exchange"
	"pumptrader/internal/market"
	"pumptrader/internal/models"
)

// ============================================================
// Фейки для тестов пакета bot
// ============================================================

// fakeClient - exchange.Client в памяти
type fakeClient struct {
	mu        sync.Mutex
	inst      exchange.Instrument
	positions map[string]models.Position
	balance   models.Balance

	orders []exchange.OrderRequest
	stops  []exchange.TradingStopRequest

	stopErrs  []error          // ответы SetTradingStop по очереди, затем nil
	orderErrs map[string]error // ошибка ордера по символу
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		inst: exchange.Instrument{
			MinOrderQty: 0.01,
			MaxOrderQty: 1000,
			QtyStep:     0.01,
			TickSize:    0.01,
		},
		positions: make(map[string]models.Position),
		orderErrs: make(map[string]error),
	}
}

func (f *fakeClient) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (f *fakeClient) GetTickers(ctx context.Context) ([]models.SymbolStat, error) {
	return nil, nil
}

func (f *fakeClient) GetKlines(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]models.Bar, error) {
	return nil, nil
}

func (f *fakeClient) GetInstrument(ctx context.Context, symbol string) (*exchange.Instrument, error) {
	inst := f.inst
	inst.Symbol = symbol
	return &inst, nil
}

func (f *fakeClient) GetWalletBalance(ctx context.Context) (*models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balance
	return &b, nil
}

func (f *fakeClient) GetPositions(ctx context.Context) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (f *fakeClient) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeClient) PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.orderErrs[req.Symbol]; err != nil {
		return "", err
	}
	f.orders = append(f.orders, req)
	if req.ReduceOnly {
		delete(f.positions, req.Symbol)
	}
	return "order-" + req.OrderLinkID, nil
}

func (f *fakeClient) SetTradingStop(ctx context.Context, req exchange.TradingStopRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, req)
	if len(f.stopErrs) > 0 {
		err := f.stopErrs[0]
		f.stopErrs = f.stopErrs[1:]
		return err
	}
	if p, ok := f.positions[req.Symbol]; ok && req.StopLoss > 0 {
		p.StopLoss = req.StopLoss
		f.positions[req.Symbol] = p
	}
	return nil
}

func (f *fakeClient) stopCalls() []exchange.TradingStopRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.TradingStopRequest(nil), f.stops...)
}

func (f *fakeClient) orderCalls() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.orders...)
}

// fakeTrader - Trader/AccountSource/RecoveryAccount с управляемыми позициями
type fakeTrader struct {
	mu        sync.Mutex
	positions map[string]models.Position
	balance   float64
	opened    []string
	closed    []string
	openErr   error
	closeErr  map[string]error
	breakeven map[string]float64
	now       func() time.Time
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{
		positions: make(map[string]models.Position),
		closeErr:  make(map[string]error),
		breakeven: make(map[string]float64),
		now:       time.Now,
	}
}

func (f *fakeTrader) setPosition(p models.Position) {
	f.mu.Lock()
	f.positions[p.Symbol] = p
	f.mu.Unlock()
}

func (f *fakeTrader) setBalance(equity float64) {
	f.mu.Lock()
	f.balance = equity
	f.mu.Unlock()
}

func (f *fakeTrader) OpenTrade(ctx context.Context, symbol, ruleID string, price, mult float64) (models.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return models.TradeRecord{}, f.openErr
	}
	now := f.now().UTC()
	qty := 200 * mult / price
	f.opened = append(f.opened, symbol+"/"+ruleID)
	f.positions[symbol] = models.Position{
		Symbol: symbol, Side: exchange.SideBuy, Size: qty,
		EntryPrice: price, MarkPrice: price, StopLoss: price * 0.92, CreatedAt: now,
	}
	return models.TradeRecord{
		Symbol:         symbol,
		RuleID:         ruleID,
		EntryTimestamp: now,
		EntryPrice:     price,
		PositionSize:   qty,
		TakeProfit:     price * 1.3,
		StopLoss:       price * 0.92,
		ExpiryTime:     now.Add(72 * time.Hour),
		State:          models.TradeStateActive,
	}, nil
}

func (f *fakeTrader) Position(ctx context.Context, symbol string) (*models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeTrader) Positions(ctx context.Context) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (f *fakeTrader) CloseAll(ctx context.Context) ([]string, []string, error) {
	positions, _ := f.Positions(ctx)
	var (
		closed, failed []string
		errs           []error
	)
	for _, p := range positions {
		if err := f.ClosePosition(ctx, p.Symbol); err != nil {
			failed = append(failed, p.Symbol)
			errs = append(errs, err)
			continue
		}
		closed = append(closed, p.Symbol)
	}
	return closed, failed, errors.Join(errs...)
}

func (f *fakeTrader) ClosePosition(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.closeErr[symbol]; err != nil {
		return err
	}
	if _, ok := f.positions[symbol]; !ok {
		return ErrNoPosition
	}
	delete(f.positions, symbol)
	f.closed = append(f.closed, symbol)
	return nil
}

func (f *fakeTrader) Balance(ctx context.Context) (*models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.Balance{Equity: f.balance, WalletBalance: f.balance}, nil
}

func (f *fakeTrader) MoveToBreakeven(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[symbol]
	if !ok {
		return 0, ErrNoPosition
	}
	stop := p.EntryPrice * 1.001
	p.StopLoss = stop
	f.positions[symbol] = p
	f.breakeven[symbol] = stop
	return stop, nil
}

func (f *fakeTrader) closedSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func (f *fakeTrader) openedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

// memJournal - Journal в памяти
type memJournal struct {
	mu     sync.Mutex
	events []models.TradeEvent
	err    error
}

func (j *memJournal) Append(ctx context.Context, e *models.TradeEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	ev := *e
	ev.ID = int64(len(j.events) + 1)
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) ReadSince(ctx context.Context, since time.Time) ([]models.TradeEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []models.TradeEvent
	for _, e := range j.events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *memJournal) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.events[:0]
	var n int64
	for _, e := range j.events {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	j.events = kept
	return n, nil
}

func (j *memJournal) byEvent(event string) []models.TradeEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []models.TradeEvent
	for _, e := range j.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// memEquity - EquityStore в памяти
type memEquity struct {
	mu    sync.Mutex
	snaps []models.EquitySnapshot
}

func (m *memEquity) Insert(ctx context.Context, s *models.EquitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, *s)
	return nil
}

func (m *memEquity) Latest(ctx context.Context, period string) (*models.EquitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snaps) - 1; i >= 0; i-- {
		if m.snaps[i].Period == period {
			s := m.snaps[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memEquity) Range(ctx context.Context, period string, from, to time.Time) ([]models.EquitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EquitySnapshot
	for _, s := range m.snaps {
		if s.Period == period && !s.TakenAt.Before(from) && s.TakenAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// recNotifier запоминает уведомления
type recNotifier struct {
	mu    sync.Mutex
	items []*models.Notification
}

func (r *recNotifier) Send(n *models.Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

func (r *recNotifier) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.Type == typ {
			n++
		}
	}
	return n
}

// fakeMarket - MarketData в памяти
type fakeMarket struct {
	mu       sync.Mutex
	universe []string
	history  map[string][]models.Bar
	seed     map[string][]models.Bar // история, которую "загружает" LoadHistory
	fail     map[string]bool
	fetchErr error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		history: make(map[string][]models.Bar),
		seed:    make(map[string][]models.Bar),
		fail:    make(map[string]bool),
	}
}

func (m *fakeMarket) FetchSymbols(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]string(nil), m.universe...), nil
}

func (m *fakeMarket) LoadHistory(ctx context.Context, symbols []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var loaded []string
	for _, s := range symbols {
		if m.fail[s] {
			continue
		}
		m.history[s] = append([]models.Bar(nil), m.seed[s]...)
		loaded = append(loaded, s)
	}
	return loaded, nil
}

func (m *fakeMarket) UpdateBar(symbol string, bar models.Bar) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[symbol]
	if !ok {
		return false, market.ErrUnknownSymbol
	}
	if n := len(h); n > 0 && !bar.Timestamp.After(h[n-1].Timestamp) {
		return false, nil
	}
	m.history[symbol] = append(h, bar)
	return true, nil
}

func (m *fakeMarket) GetSymbolData(symbol string) []models.Bar {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Bar(nil), m.history[symbol]...)
}

func (m *fakeMarket) Remove(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		delete(m.history, s)
	}
}

func (m *fakeMarket) Trim(keep []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(keep))
	for _, s := range keep {
		set[s] = true
	}
	n := 0
	for s := range m.history {
		if !set[s] {
			delete(m.history, s)
			n++
		}
	}
	return n
}

func (m *fakeMarket) Has(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.history[symbol]
	return ok
}

// fakeSubscriber - Subscriber с ошибкой по требованию
type fakeSubscriber struct {
	mu     sync.Mutex
	sets   [][]string
	err    error
	during func() // вызывается внутри UpdateSubscription
}

func (s *fakeSubscriber) UpdateSubscription(symbols []string) ([]string, []string, error) {
	s.mu.Lock()
	during := s.during
	s.mu.Unlock()
	if during != nil {
		during()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, nil, s.err
	}
	s.sets = append(s.sets, append([]string(nil), symbols...))
	return symbols, nil, nil
}

// staticRisk - RiskGate с фиксированным множителем
type staticRisk float64

func (r staticRisk) EntryMultiplier() float64 { return float64(r) }

var errBoom = errors.New("boom")
