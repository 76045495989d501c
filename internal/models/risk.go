package models

import "time"

// DrawdownLevel - уровень недельной просадки
type DrawdownLevel int

const (
	DrawdownNormal  DrawdownLevel = 0 // обычный режим
	DrawdownReduced DrawdownLevel = 1 // объем x0.5
	DrawdownHalted  DrawdownLevel = 2 // торговля остановлена до понедельника
)

func (l DrawdownLevel) String() string {
	switch l {
	case DrawdownNormal:
		return "normal"
	case DrawdownReduced:
		return "reduced"
	case DrawdownHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// RiskState - снимок состояния риск-менеджера
type RiskState struct {
	DailyEquityStart       float64       `json:"daily_equity_start"`
	WeeklyEquityStart      float64       `json:"weekly_equity_start"`
	WeeklyEquityPeak       float64       `json:"weekly_equity_peak"`
	WeeklyPeakLoss         float64       `json:"weekly_peak_loss"`
	DrawdownLevel          DrawdownLevel `json:"drawdown_level"`
	PositionSizeMultiplier float64       `json:"position_size_multiplier"`
	CircuitBreakerActive   bool          `json:"circuit_breaker_active"`
	ResumeTime             time.Time     `json:"resume_time,omitempty"`
	UnrealizedArmed        bool          `json:"unrealized_armed"`
	UnrealizedPeak         float64       `json:"unrealized_peak"`
	LastEquity             float64       `json:"last_equity"`
	Halted                 bool          `json:"halted"`
	HaltReason             string        `json:"halt_reason,omitempty"`
}

// Периоды снимков equity
const (
	SnapshotDaily  = "daily"
	SnapshotWeekly = "weekly"
)

// EquitySnapshot - зафиксированное значение equity на границе периода
type EquitySnapshot struct {
	ID      int64     `json:"id" db:"id"`
	Period  string    `json:"period" db:"period"`
	Equity  float64   `json:"equity" db:"equity"`
	TakenAt time.Time `json:"taken_at" db:"taken_at"`
}

// Balance - баланс аккаунта (USDT)
type Balance struct {
	WalletBalance float64 `json:"wallet_balance"`
	Equity        float64 `json:"equity"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// PerformanceReport - итоги периода по журналу и снимкам equity
type PerformanceReport struct {
	From           time.Time      `json:"from"`
	To             time.Time      `json:"to"`
	Opened         int            `json:"opened"`
	Closed         int            `json:"closed"`
	OpenedByRule   map[string]int `json:"opened_by_rule"`
	ClosedByReason map[string]int `json:"closed_by_reason"`
	EquityStart    float64        `json:"equity_start"`
	EquityEnd      float64        `json:"equity_end"`
	EquityChange   float64        `json:"equity_change_pct"`
}
