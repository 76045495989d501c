package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pumptrader/internal/models"
)

// Client - REST операции биржи, которые использует торговый движок.
// Реализуется *Bybit; в тестах подменяется фейком.
type Client interface {
	GetServerTime(ctx context.Context) (time.Time, error)
	GetTickers(ctx context.Context) ([]models.SymbolStat, error)
	GetKlines(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]models.Bar, error)
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	GetWalletBalance(ctx context.Context) (*models.Balance, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (string, error)
	SetTradingStop(ctx context.Context, req TradingStopRequest) error
}

// Instrument содержит торговые ограничения контракта
type Instrument struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"` // минимальный размер ордера
	MaxOrderQty float64 `json:"max_order_qty"` // максимальный размер ордера
	QtyStep     float64 `json:"qty_step"`      // шаг количества (lot size)
	MinNotional float64 `json:"min_notional"`  // минимальная сумма сделки в USDT
	TickSize    float64 `json:"tick_size"`     // шаг цены
}

// OrderRequest - рыночный ордер
type OrderRequest struct {
	Symbol      string
	Side        string // Buy / Sell
	Qty         float64
	ReduceOnly  bool
	OrderLinkID string
}

// TradingStopRequest - TP/SL/трейлинг для позиции (нулевые поля не отправляются)
type TradingStopRequest struct {
	Symbol       string
	TakeProfit   float64
	StopLoss     float64
	TrailingStop float64 // расстояние в цене
	ActivePrice  float64 // цена активации трейлинга
}

// Side constants for orders
const (
	SideBuy  = "Buy"
	SideSell = "Sell"
)

// Коды ответов Bybit, имеющие особый смысл
const (
	RetCodeOK          = 0
	RetCodeNotModified = 34040
)

// ErrNotModified - биржа сообщила, что значение уже установлено
var ErrNotModified = errors.New("not modified")

// ExchangeError - ненулевой retCode в успешном HTTP ответе
type ExchangeError struct {
	Exchange string
	Code     int
	Message  string
	Endpoint string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s %s: retCode=%d %s", e.Exchange, e.Endpoint, e.Code, e.Message)
}

// Is позволяет errors.Is(err, ErrNotModified) для retCode 34040
func (e *ExchangeError) Is(target error) bool {
	return target == ErrNotModified && e.Code == RetCodeNotModified
}

// NetworkError - таймаут, обрыв соединения или HTTP 5xx
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable - повторять имеет смысл только сетевые ошибки
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
