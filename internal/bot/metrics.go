package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pumptrader/internal/models"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================

// ============ Конвейер свечей ============

// BarsProcessed - свечи из потока по результату обработки
var BarsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "bars_processed_total",
		Help:      "Stream bars by outcome",
	},
	[]string{"outcome"}, // evaluated, duplicate, unconfirmed, unknown_symbol, insufficient
)

// SignalsTotal - сработавшие правила
var SignalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "signals_total",
		Help:      "Matched entry rules",
	},
	[]string{"rule"},
)

// SignalsRejected - сигналы, не прошедшие фильтры
var SignalsRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "signals_rejected_total",
		Help:      "Signals rejected by entry gates",
	},
	[]string{"gate"},
)

// EvaluationLatency - время оценки правил на одной свече
var EvaluationLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "evaluation_latency_ms",
		Help:      "Signal evaluation time in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	},
)

// ============ Сделки ============

// TradesOpened - открытые сделки по правилу
var TradesOpened = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "trades_opened_total",
		Help:      "Opened trades by rule",
	},
	[]string{"rule"},
)

// TradesClosed - закрытые сделки по причине
var TradesClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "trades_closed_total",
		Help:      "Closed trades by reason",
	},
	[]string{"reason"},
)

// EntryFailures - неудачные попытки входа
var EntryFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "entry_failures_total",
		Help:      "Entry orders that failed",
	},
)

// ActiveTrades - отслеживаемые сделки по состоянию
var ActiveTrades = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "active_trades",
		Help:      "Tracked trades by state",
	},
	[]string{"state"},
)

// TrackedSymbols - размер вселенной символов
var TrackedSymbols = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "tracked_symbols",
		Help:      "Symbols with loaded history and subscription",
	},
)

// ============ Риск ============

// DrawdownLevel - недельный уровень просадки (0/1/2)
var DrawdownLevel = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "pumptrader",
		Subsystem: "risk",
		Name:      "drawdown_level",
		Help:      "Weekly drawdown level",
	},
)

// PositionMultiplier - множитель объема
var PositionMultiplier = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "pumptrader",
		Subsystem: "risk",
		Name:      "position_size_multiplier",
		Help:      "Current position size multiplier",
	},
)

// Equity - последнее значение equity
var Equity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "pumptrader",
		Subsystem: "risk",
		Name:      "equity_usdt",
		Help:      "Last observed account equity in USDT",
	},
)

// Liquidations - принудительные закрытия всех позиций
var Liquidations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "risk",
		Name:      "liquidations_total",
		Help:      "Liquidate-all actions by reason",
	},
	[]string{"reason"},
)

// BreakevenMoves - переносы стопа в безубыток
var BreakevenMoves = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "risk",
		Name:      "breakeven_moves_total",
		Help:      "Stops moved to breakeven",
	},
)

// ReconcileCorrections - исправления по результатам сверки
var ReconcileCorrections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "risk",
		Name:      "reconcile_corrections_total",
		Help:      "Reconciliation corrections by kind",
	},
	[]string{"kind"}, // externally_closed, adopted
)

// ============ Служебные ============

// BufferOverflows - переполнения внутренних очередей
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pumptrader",
		Subsystem: "trading",
		Name:      "buffer_overflows_total",
		Help:      "Dropped items due to full buffers",
	},
	[]string{"buffer"},
)

// TaskDuration - время выполнения периодических задач
var TaskDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "pumptrader",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Periodic task duration",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"task"},
)

// ============ Хелперы ============

// RecordBufferOverflow фиксирует потерю элемента из-за полного буфера
func RecordBufferOverflow(buffer string) {
	BufferOverflows.WithLabelValues(buffer).Inc()
}

// RecordTradeClosed фиксирует закрытие сделки
func RecordTradeClosed(reason string) {
	TradesClosed.WithLabelValues(reason).Inc()
}

// RecordActiveTrades обновляет gauge по состояниям
func RecordActiveTrades(trades []models.TradeRecord) {
	counts := map[models.TradeState]int{
		models.TradeStateActive:    0,
		models.TradeStateBreakeven: 0,
	}
	for _, t := range trades {
		counts[t.State]++
	}
	for state, n := range counts {
		ActiveTrades.WithLabelValues(string(state)).Set(float64(n))
	}
}

// RecordRiskState обновляет gauges риска
func RecordRiskState(s models.RiskState) {
	DrawdownLevel.Set(float64(s.DrawdownLevel))
	PositionMultiplier.Set(s.PositionSizeMultiplier)
	if s.LastEquity > 0 {
		Equity.Set(s.LastEquity)
	}
}
