package models

import "time"

// Notification - событие для оператора (Telegram, dashboard)
type Notification struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Типы уведомлений
const (
	NotificationTypeStartup     = "STARTUP"
	NotificationTypeOpen        = "OPEN"
	NotificationTypeClose       = "CLOSE"
	NotificationTypeBreakeven   = "BREAKEVEN"
	NotificationTypeBreaker     = "CIRCUIT_BREAKER"
	NotificationTypeDrawdown    = "DRAWDOWN"
	NotificationTypeWatchdog    = "WATCHDOG"
	NotificationTypeReconcile   = "RECONCILE"
	NotificationTypePerformance = "PERFORMANCE"
	NotificationTypeError       = "ERROR"
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
