package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

// Source - REST данные рынка, нужные менеджеру
type Source interface {
	GetTickers(ctx context.Context) ([]models.SymbolStat, error)
	GetKlines(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]models.Bar, error)
}

// Config - параметры менеджера рыночных данных
type Config struct {
	Interval    string  // таймфрейм биржи ("5")
	Capacity    int     // максимум свечей на символ
	MinTurnover float64 // фильтр 24h оборота, USD
	Concurrency int     // одновременных запросов истории
	PageLimit   int     // свечей в одном запросе
	MaxPages    int     // защита от бесконечной пагинации
}

// Manager хранит вселенную символов и ограниченную историю свечей по каждому.
//
// Потокобезопасен: поток свечей пишет через UpdateBar, движок и планировщик
// читают копии через GetSymbolData.
type Manager struct {
	source   Source
	cfg      Config
	interval time.Duration
	logger   *utils.Logger
	now      func() time.Time

	mu      sync.RWMutex
	history map[string]*History
}

// NewManager создает менеджер
func NewManager(source Source, cfg Config, logger *utils.Logger) (*Manager, error) {
	interval, err := IntervalDuration(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("history capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PageLimit < 1 {
		cfg.PageLimit = cfg.Capacity
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 10
	}

	return &Manager{
		source:   source,
		cfg:      cfg,
		interval: interval,
		logger:   utils.OrGlobal(logger).WithComponent("market"),
		now:      time.Now,
		history:  make(map[string]*History),
	}, nil
}

// FetchSymbols возвращает USDT контракты с 24h оборотом выше порога,
// отсортированные по обороту от большего к меньшему
func (m *Manager) FetchSymbols(ctx context.Context) ([]string, error) {
	stats, err := m.source.GetTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}

	filtered := make([]models.SymbolStat, 0, len(stats))
	for _, s := range stats {
		if !utils.IsQuotedIn(s.Symbol, utils.QuoteAsset) {
			continue
		}
		if s.Turnover24h <= m.cfg.MinTurnover {
			continue
		}
		filtered = append(filtered, s)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Turnover24h > filtered[j].Turnover24h
	})

	symbols := make([]string, len(filtered))
	for i, s := range filtered {
		symbols[i] = s.Symbol
	}

	m.logger.Info("symbol universe fetched",
		zap.Int("total", len(stats)),
		zap.Int("selected", len(symbols)))
	return symbols, nil
}

// LoadHistory загружает историю для symbols с ограниченной параллельностью.
//
// Символ, для которого загрузка не удалась, пропускается и логируется;
// возвращаются успешно загруженные символы. Ошибка возвращается только
// при отмене ctx.
func (m *Manager) LoadHistory(ctx context.Context, symbols []string) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	var (
		resMu  sync.Mutex
		loaded = make(map[string]*History, len(symbols))
	)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			bars, err := m.fetchHistory(gctx, symbol)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.logger.Warn("history load failed", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			h := newHistoryFrom(m.cfg.Capacity, bars)
			resMu.Lock()
			loaded[symbol] = h
			resMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for symbol, h := range loaded {
		m.history[symbol] = h
	}
	m.mu.Unlock()

	result := make([]string, 0, len(loaded))
	for _, s := range symbols {
		if _, ok := loaded[s]; ok {
			result = append(result, s)
		}
	}

	m.logger.Info("history loaded",
		zap.Int("requested", len(symbols)),
		zap.Int("loaded", len(result)))
	return result, nil
}

// fetchHistory листает свечи назад от текущего момента, пока самая старая
// свеча страницы не окажется старше окна Capacity*interval. Биржа отдает
// страницы от новых к старым, поэтому результат сортируется по возрастанию.
func (m *Manager) fetchHistory(ctx context.Context, symbol string) ([]models.Bar, error) {
	now := m.now().UTC()
	since := now.Add(-time.Duration(m.cfg.Capacity) * m.interval)

	var (
		all  []models.Bar
		end  = now
		seen = make(map[int64]struct{})
	)

	for page := 0; page < m.cfg.MaxPages; page++ {
		bars, err := m.source.GetKlines(ctx, symbol, m.cfg.Interval, end, m.cfg.PageLimit)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			break
		}

		oldest := bars[0].Timestamp
		for _, b := range bars {
			if b.Timestamp.Before(oldest) {
				oldest = b.Timestamp
			}
			ms := b.Timestamp.UnixMilli()
			if _, dup := seen[ms]; dup {
				continue
			}
			seen[ms] = struct{}{}
			all = append(all, b)
		}

		if !oldest.After(since) || len(bars) < m.cfg.PageLimit {
			break
		}
		end = oldest.Add(-time.Millisecond)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	if len(all) > m.cfg.Capacity {
		all = all[len(all)-m.cfg.Capacity:]
	}
	return all, nil
}

// UpdateBar записывает свечу из потока.
// Для символа без истории возвращает ErrUnknownSymbol: поздние сообщения
// по уже удаленному символу не должны воссоздавать его историю.
func (m *Manager) UpdateBar(symbol string, bar models.Bar) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.history[symbol]
	if !ok {
		return false, ErrUnknownSymbol
	}
	return h.Put(bar), nil
}

// GetSymbolData возвращает копию истории символа (nil, если символа нет)
func (m *Manager) GetSymbolData(symbol string) []models.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.history[symbol]
	if !ok {
		return nil
	}
	return h.Bars()
}

// Has проверяет наличие истории символа
func (m *Manager) Has(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[symbol]
	return ok
}

// Remove удаляет историю символов
func (m *Manager) Remove(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		delete(m.history, s)
	}
}

// Trim ограничивает память: приводит емкость каждой истории к Capacity и
// удаляет истории символов, которых нет в keep. Возвращает число удаленных.
func (m *Manager) Trim(keep []string) int {
	keepSet := make(map[string]struct{}, len(keep))
	for _, s := range keep {
		keepSet[s] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for symbol, h := range m.history {
		if _, ok := keepSet[symbol]; !ok {
			delete(m.history, symbol)
			removed++
			continue
		}
		h.Resize(m.cfg.Capacity)
	}
	return removed
}
