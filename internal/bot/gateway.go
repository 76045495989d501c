package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pumptrader/internal/exchange"
	"pumptrader/internal/models"
	"pumptrader/pkg/retry"
	"pumptrader/pkg/utils"
)

// GatewayConfig - параметры входа и защитных ордеров
type GatewayConfig struct {
	BasePositionSizeUSD float64
	StopLossPct         float64
	TakeProfitPct       float64
	TrailActivationPct  float64
	TrailOffsetPct      float64
	TradeExpiry         time.Duration

	BreakevenBufferPct    float64
	BreakevenTolerancePct float64

	RequestTimeout time.Duration
	StopRetry      retry.Config
	CloseRetry     retry.Config
}

// StopsFailedFunc вызывается, если TP/SL не удалось выставить после всех попыток
type StopsFailedFunc func(rec models.TradeRecord, err error)

// Gateway - торговые операции поверх REST клиента биржи.
//
// Функции:
// - OpenTrade: рыночный вход, затем асинхронно TP/SL/трейлинг
// - MoveToBreakeven: перенос стопа на цену входа по живой позиции
// - ClosePosition / CloseAll: reduce-only закрытие по рынку
//
// Лимиты инструментов кэшируются на время жизни процесса.
type Gateway struct {
	client exchange.Client
	cfg    GatewayConfig
	logger *utils.Logger
	now    func() time.Time

	instruments sync.Map // symbol -> *exchange.Instrument

	onStopsFailed StopsFailedFunc
	stops         sync.WaitGroup
}

// NewGateway создает шлюз
func NewGateway(client exchange.Client, cfg GatewayConfig, logger *utils.Logger) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.StopRetry.MaxAttempts == 0 {
		cfg.StopRetry = retry.StopOrderConfig()
	}
	if cfg.CloseRetry.MaxAttempts == 0 {
		cfg.CloseRetry = retry.LiquidationConfig()
	}
	return &Gateway{
		client: client,
		cfg:    cfg,
		logger: utils.OrGlobal(logger).WithComponent("gateway"),
		now:    time.Now,
	}
}

// OnStopsFailed задает обработчик неудачной установки защитных ордеров
func (g *Gateway) OnStopsFailed(fn StopsFailedFunc) {
	g.onStopsFailed = fn
}

// WaitStops ждет завершения фоновых установок TP/SL
func (g *Gateway) WaitStops() {
	g.stops.Wait()
}

// Instrument возвращает лимиты инструмента (с кэшем)
func (g *Gateway) Instrument(ctx context.Context, symbol string) (*exchange.Instrument, error) {
	if v, ok := g.instruments.Load(symbol); ok {
		return v.(*exchange.Instrument), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	inst, err := retry.DoWithResult(ctx, func() (*exchange.Instrument, error) {
		return g.client.GetInstrument(ctx, symbol)
	}, g.requestRetry())
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", symbol, err)
	}
	g.instruments.Store(symbol, inst)
	return inst, nil
}

func (g *Gateway) requestRetry() retry.Config {
	cfg := retry.RequestConfig()
	cfg.RetryIf = exchange.IsRetryable
	return cfg
}

// ProtectiveLevels - уровни TP/SL/трейлинга для входа по price
type ProtectiveLevels struct {
	StopLoss     float64
	TakeProfit   float64
	TrailOffset  float64
	TrailTrigger float64
}

// Levels считает защитные уровни, округленные до шага цены
func (g *Gateway) Levels(price, tick float64) ProtectiveLevels {
	return ProtectiveLevels{
		StopLoss:     utils.RoundToTick(price*(1-g.cfg.StopLossPct/100), tick),
		TakeProfit:   utils.RoundToTick(price*(1+g.cfg.TakeProfitPct/100), tick),
		TrailOffset:  utils.RoundToTick(price*g.cfg.TrailOffsetPct/100, tick),
		TrailTrigger: utils.RoundToTick(price*(1+g.cfg.TrailActivationPct/100), tick),
	}
}

// OpenTrade открывает long по рынку.
//
// Запись сделки возвращается сразу после подтверждения входа; TP, SL и
// трейлинг выставляются в отдельной горутине с ограниченными повторами,
// чтобы не задерживать обработку следующих сигналов.
func (g *Gateway) OpenTrade(ctx context.Context, symbol, ruleID string, price, sizeMultiplier float64) (models.TradeRecord, error) {
	if sizeMultiplier <= 0 {
		return models.TradeRecord{}, ErrTradingHalted
	}

	inst, err := g.Instrument(ctx, symbol)
	if err != nil {
		return models.TradeRecord{}, err
	}

	qty := utils.CalculateOrderQty(utils.OrderQtyParams{
		PositionSizeUSD: g.cfg.BasePositionSizeUSD * sizeMultiplier,
		Price:           price,
		QtyStep:         inst.QtyStep,
		MinQty:          inst.MinOrderQty,
		MinNotional:     inst.MinNotional,
	})
	if inst.MaxOrderQty > 0 && qty > inst.MaxOrderQty {
		qty = utils.RoundToLotSize(inst.MaxOrderQty, inst.QtyStep)
	}
	if qty <= 0 {
		return models.TradeRecord{}, ErrZeroQuantity
	}

	entryTime := g.now().UTC()

	orderCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	orderID, err := g.client.PlaceMarketOrder(orderCtx, exchange.OrderRequest{
		Symbol:      symbol,
		Side:        exchange.SideBuy,
		Qty:         qty,
		OrderLinkID: uuid.NewString(),
	})
	cancel()
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("entry order %s: %w", symbol, err)
	}

	levels := g.Levels(price, inst.TickSize)
	rec := models.TradeRecord{
		Symbol:         symbol,
		RuleID:         ruleID,
		EntryTimestamp: entryTime,
		EntryPrice:     price,
		PositionSize:   qty,
		TakeProfit:     levels.TakeProfit,
		StopLoss:       levels.StopLoss,
		ExpiryTime:     entryTime.Add(g.cfg.TradeExpiry),
		State:          models.TradeStateActive,
		OrderID:        orderID,
	}

	g.logger.Info("entry filled",
		zap.String("symbol", symbol),
		zap.String("rule", ruleID),
		zap.Float64("price", price),
		zap.Float64("qty", qty),
		zap.String("order_id", orderID))

	g.stops.Add(1)
	go func() {
		defer g.stops.Done()
		g.attachStops(context.WithoutCancel(ctx), rec, levels)
	}()

	return rec, nil
}

// attachStops выставляет TP/SL/трейлинг с повторами
func (g *Gateway) attachStops(ctx context.Context, rec models.TradeRecord, levels ProtectiveLevels) {
	req := exchange.TradingStopRequest{
		Symbol:       rec.Symbol,
		TakeProfit:   levels.TakeProfit,
		StopLoss:     levels.StopLoss,
		TrailingStop: levels.TrailOffset,
		ActivePrice:  levels.TrailTrigger,
	}

	cfg := g.cfg.StopRetry
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, exchange.ErrNotModified) }
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.logger.Warn("trading stop retry",
			zap.String("symbol", rec.Symbol),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	err := retry.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
		return g.client.SetTradingStop(callCtx, req)
	}, cfg)
	if errors.Is(err, exchange.ErrNotModified) {
		err = nil
	}

	if err != nil {
		g.logger.Error("trading stop failed",
			zap.String("symbol", rec.Symbol),
			zap.String("rule", rec.RuleID),
			zap.Error(err))
		if g.onStopsFailed != nil {
			g.onStopsFailed(rec, err)
		}
		return
	}

	g.logger.Debug("trading stop attached",
		zap.String("symbol", rec.Symbol),
		zap.Float64("sl", levels.StopLoss),
		zap.Float64("tp", levels.TakeProfit),
		zap.Float64("trail", levels.TrailOffset))
}

// Position возвращает живую позицию по символу (nil, если позиции нет)
func (g *Gateway) Position(ctx context.Context, symbol string) (*models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	return retry.DoWithResult(ctx, func() (*models.Position, error) {
		return g.client.GetPosition(ctx, symbol)
	}, g.requestRetry())
}

// Positions возвращает все открытые позиции
func (g *Gateway) Positions(ctx context.Context) ([]models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	return retry.DoWithResult(ctx, func() ([]models.Position, error) {
		return g.client.GetPositions(ctx)
	}, g.requestRetry())
}

// Balance возвращает баланс USDT
func (g *Gateway) Balance(ctx context.Context) (*models.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	return retry.DoWithResult(ctx, func() (*models.Balance, error) {
		return g.client.GetWalletBalance(ctx)
	}, g.requestRetry())
}

// MoveToBreakeven переносит стоп на цену входа (+буфер) по данным живой позиции.
//
// Если текущий стоп уже в пределах допуска от цели, запрос не отправляется.
// Ответ биржи "not modified" считается успехом. Возвращает новый стоп.
func (g *Gateway) MoveToBreakeven(ctx context.Context, symbol string) (float64, error) {
	pos, err := g.Position(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if pos == nil {
		return 0, ErrNoPosition
	}
	if pos.EntryPrice <= 0 {
		return 0, fmt.Errorf("invalid entry price %v for %s", pos.EntryPrice, symbol)
	}

	tick := 0.0
	if inst, err := g.Instrument(ctx, symbol); err == nil {
		tick = inst.TickSize
	}
	target := utils.RoundToTick(pos.EntryPrice*(1+g.cfg.BreakevenBufferPct/100), tick)

	if pos.StopLoss > 0 && utils.WithinTolerance(pos.StopLoss, target, g.cfg.BreakevenTolerancePct) {
		g.logger.Debug("stop already at breakeven",
			zap.String("symbol", symbol),
			zap.Float64("stop", pos.StopLoss))
		return pos.StopLoss, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	err = retry.Do(callCtx, func() error {
		return g.client.SetTradingStop(callCtx, exchange.TradingStopRequest{
			Symbol:   symbol,
			StopLoss: target,
		})
	}, g.requestRetry())
	if err != nil && !errors.Is(err, exchange.ErrNotModified) {
		return 0, fmt.Errorf("breakeven %s: %w", symbol, err)
	}

	g.logger.Info("stop moved to breakeven",
		zap.String("symbol", symbol),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("stop", target))
	return target, nil
}

// ClosePosition закрывает позицию по символу reduce-only ордером.
// Если позиции нет, возвращает ErrNoPosition.
func (g *Gateway) ClosePosition(ctx context.Context, symbol string) error {
	pos, err := g.Position(ctx, symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		return ErrNoPosition
	}
	return g.closePosition(ctx, *pos)
}

func (g *Gateway) closePosition(ctx context.Context, pos models.Position) error {
	side := exchange.SideSell
	if pos.Side == exchange.SideSell {
		side = exchange.SideBuy
	}

	err := retry.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
		_, err := g.client.PlaceMarketOrder(callCtx, exchange.OrderRequest{
			Symbol:      pos.Symbol,
			Side:        side,
			Qty:         pos.Size,
			ReduceOnly:  true,
			OrderLinkID: uuid.NewString(),
		})
		return err
	}, g.closeRetry())
	if err != nil {
		return fmt.Errorf("close %s: %w", pos.Symbol, err)
	}

	g.logger.Info("position closed",
		zap.String("symbol", pos.Symbol),
		zap.Float64("size", pos.Size),
		zap.Float64("unrealized_pnl", pos.UnrealizedPnl))
	return nil
}

func (g *Gateway) closeRetry() retry.Config {
	cfg := g.cfg.CloseRetry
	cfg.RetryIf = exchange.IsRetryable
	return cfg
}

// CloseAll закрывает все открытые позиции аккаунта.
// Возвращает закрытые символы, символы с ошибкой закрытия и объединенную
// ошибку. Ошибка при пустых closed и failed означает, что список позиций
// не получен.
func (g *Gateway) CloseAll(ctx context.Context) (closed, failed []string, err error) {
	positions, err := g.Positions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list positions: %w", err)
	}

	var errs []error
	for _, pos := range positions {
		if err := g.closePosition(ctx, pos); err != nil {
			failed = append(failed, pos.Symbol)
			errs = append(errs, err)
			continue
		}
		closed = append(closed, pos.Symbol)
	}
	return closed, failed, errors.Join(errs...)
}
