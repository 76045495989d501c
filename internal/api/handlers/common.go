package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"pumptrader/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse - формат ответа об ошибке для всех endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse - формат ответа без данных
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ============================================================
// Зависимости handlers
// ============================================================

// TradingControl - торговый движок (реализуется *bot.Engine)
type TradingControl interface {
	Trades() []models.TradeRecord
	CloseTrade(ctx context.Context, key models.TradeKey, reason string) error
	Symbols() []string
	Halted() (bool, string)
	Resume()
	ActiveCount() int
}

// StreamStatus - состояние потока свечей (реализуется *exchange.StreamClient)
type StreamStatus interface {
	LastMessageAt() time.Time
	Subscribed() []string
}

// RiskControl - риск-менеджер (реализуется *bot.RiskManager)
type RiskControl interface {
	State() models.RiskState
	Resume() models.RiskState
}

// BlacklistServiceInterface - черный список символов
type BlacklistServiceInterface interface {
	Add(ctx context.Context, symbol, reason string) (*models.BlacklistEntry, error)
	List(ctx context.Context) ([]models.BlacklistEntry, error)
	Remove(ctx context.Context, symbol string) error
}

// NotificationReader - история уведомлений
type NotificationReader interface {
	GetNotifications(types []string, limit int) []*models.Notification
}

// StatsServiceInterface - отчеты и журнал
type StatsServiceInterface interface {
	Report(ctx context.Context, from, to time.Time, currentEquity float64) (models.PerformanceReport, error)
	CurrentWeek(ctx context.Context, currentEquity float64) (models.PerformanceReport, error)
	RecentEvents(ctx context.Context, limit int) ([]models.TradeEvent, error)
	EquityHistory(ctx context.Context, period string, from, to time.Time) ([]models.EquitySnapshot, error)
}

// ============================================================
// Ответы
// ============================================================

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithErrorCode(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// queryInt читает целый параметр; пустой или неверный - def
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryTime читает время в RFC3339 или YYYY-MM-DD; пустой параметр - def
func queryTime(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", v)
}
