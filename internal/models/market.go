package models

import "time"

// Bar - закрытая свеча. Неизменяема после создания.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Signal - результат оценки правил для символа на конкретном баре.
// Не сохраняется отдельно: в журнал попадают только сделки.
type Signal struct {
	Symbol    string    `json:"symbol"`
	RuleID    string    `json:"rule_id"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Indicators - значения индикаторов на последнем баре
type Indicators struct {
	RSI            float64 `json:"rsi"`
	Volatility     float64 `json:"volatility"`
	SpreadPct      float64 `json:"spread_pct"`
	PriceChangePct float64 `json:"price_change_pct"`
	VolumeChange   float64 `json:"volume_change_pct"`
	PumpPct        float64 `json:"pump_pct"`
	Score          int     `json:"score"`
}

// SymbolStat - символ с 24h оборотом (для фильтра вселенной)
type SymbolStat struct {
	Symbol      string  `json:"symbol"`
	Turnover24h float64 `json:"turnover_24h"`
}

// BlacklistEntry - символ, исключенный из торговли оператором
type BlacklistEntry struct {
	ID        int64     `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"` // BTCUSDT
	Reason    string    `json:"reason" db:"reason"` // заметка оператора
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
