package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"pumptrader/internal/models"
	"pumptrader/pkg/crypto"
	"pumptrader/pkg/ratelimit"
	"pumptrader/pkg/retry"
	"pumptrader/pkg/utils"
)

// json совместим со стандартной библиотекой и сортирует ключи map при
// кодировании: тело, которое подписывается, и тело, которое уходит
// на биржу, совпадают байт в байт.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitName         = "bybit"
	bybitCategory     = "linear"
	bybitSettleCoin   = "USDT"
	bybitAccountType  = "UNIFIED"
	defaultRecvWindow = "10000"
)

// BybitConfig - параметры REST клиента
type BybitConfig struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	RecvWindow    string
	TimeSyncEvery time.Duration
	HTTPClient    *http.Client
	Limiter       *ratelimit.MultiLimiter
	Retry         retry.Config
	Logger        *utils.Logger
}

// Bybit - REST клиент Bybit v5 для linear контрактов
type Bybit struct {
	baseURL    string
	apiKey     string
	secretKey  string
	recvWindow string

	httpClient *http.Client
	limiter    *ratelimit.MultiLimiter
	retryCfg   retry.Config
	timeSync   *TimeSync
	logger     *utils.Logger
}

// NewBybit создает клиент. Пустые поля конфигурации заменяются значениями по умолчанию.
func NewBybit(cfg BybitConfig) *Bybit {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.bybit.com"
	}
	if cfg.RecvWindow == "" {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.BybitDefaults()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.RequestConfig()
	}
	if cfg.TimeSyncEvery <= 0 {
		cfg.TimeSyncEvery = time.Minute
	}

	b := &Bybit{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		secretKey:  cfg.APISecret,
		recvWindow: cfg.RecvWindow,
		httpClient: cfg.HTTPClient,
		limiter:    cfg.Limiter,
		retryCfg:   cfg.Retry,
		logger:     utils.OrGlobal(cfg.Logger).WithComponent("bybit"),
	}
	b.timeSync = NewTimeSync(b.GetServerTime, cfg.TimeSyncEvery, cfg.Logger)
	return b
}

// TimeSync возвращает синхронизатор времени клиента
func (b *Bybit) TimeSync() *TimeSync {
	return b.timeSync
}

// sign создает подпись для запроса к Bybit API v5:
// hex(HMAC_SHA256(secret, timestamp + apiKey + recvWindow + payload))
func (b *Bybit) sign(timestamp, payload string) string {
	return crypto.SignHMACSHA256(b.secretKey, timestamp+b.apiKey+b.recvWindow+payload)
}

// encodeQuery кодирует параметры GET запроса с сортировкой ключей
func encodeQuery(params map[string]string) string {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return query.Encode()
}

// encodeBody кодирует тело POST запроса: ключи отсортированы, без пробелов
func encodeBody(params map[string]interface{}) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// get выполняет GET с повтором сетевых ошибок
func (b *Bybit) get(ctx context.Context, category, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	cfg := b.retryCfg
	cfg.RetryIf = IsRetryable
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		b.logger.Warn("request retry",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return retry.DoWithResult(ctx, func() ([]byte, error) {
		return b.doRequest(ctx, category, http.MethodGet, endpoint, encodeQuery(params), signed)
	}, cfg)
}

// post выполняет подписанный POST. Повторы - ответственность вызывающего кода.
func (b *Bybit) post(ctx context.Context, category, endpoint string, params map[string]interface{}) ([]byte, error) {
	body, err := encodeBody(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", endpoint, err)
	}
	return b.doRequest(ctx, category, http.MethodPost, endpoint, body, true)
}

// doRequest выполняет HTTP запрос к Bybit API.
// payload - query string для GET или JSON тело для POST.
func (b *Bybit) doRequest(ctx context.Context, category, method, endpoint, payload string, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx, category); err != nil {
		return nil, &NetworkError{Op: endpoint, Err: err}
	}

	reqURL := b.baseURL + endpoint
	var body io.Reader
	if method == http.MethodGet {
		if payload != "" {
			reqURL += "?" + payload
		}
	} else {
		body = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		b.timeSync.MaybeSync(ctx)
		timestamp := strconv.FormatInt(b.timeSync.Now().UnixMilli(), 10)

		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", b.sign(timestamp, payload))
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	requestLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &NetworkError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: endpoint, Err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &NetworkError{Op: endpoint, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(respBody, &baseResp); err != nil {
		return nil, fmt.Errorf("decode %s response (status %d): %w", endpoint, resp.StatusCode, err)
	}

	if baseResp.RetCode != RetCodeOK {
		requestErrors.WithLabelValues(endpoint, strconv.Itoa(baseResp.RetCode)).Inc()
		return nil, &ExchangeError{
			Exchange: bybitName,
			Code:     baseResp.RetCode,
			Message:  baseResp.RetMsg,
			Endpoint: endpoint,
		}
	}

	return respBody, nil
}

// ============================================================
// Рыночные данные
// ============================================================

// GetServerTime возвращает время сервера биржи
func (b *Bybit) GetServerTime(ctx context.Context) (time.Time, error) {
	body, err := b.doRequest(ctx, ratelimit.CategoryMarket, http.MethodGet, "/v5/market/time", "", false)
	if err != nil {
		return time.Time{}, err
	}

	var resp struct {
		Result struct {
			TimeSecond string `json:"timeSecond"`
			TimeNano   string `json:"timeNano"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, err
	}

	if nano, err := strconv.ParseInt(resp.Result.TimeNano, 10, 64); err == nil && nano > 0 {
		return time.Unix(0, nano).UTC(), nil
	}
	sec, err := strconv.ParseInt(resp.Result.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse server time: %w", err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// GetTickers возвращает 24h оборот по всем linear контрактам
func (b *Bybit) GetTickers(ctx context.Context) ([]models.SymbolStat, error) {
	body, err := b.get(ctx, ratelimit.CategoryMarket, "/v5/market/tickers", map[string]string{
		"category": bybitCategory,
	}, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Turnover24h string `json:"turnover24h"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	stats := make([]models.SymbolStat, 0, len(resp.Result.List))
	for _, t := range resp.Result.List {
		turnover, _ := strconv.ParseFloat(t.Turnover24h, 64)
		stats = append(stats, models.SymbolStat{Symbol: t.Symbol, Turnover24h: turnover})
	}
	return stats, nil
}

// GetKlines возвращает до limit свечей, закончившихся не позже end.
// Порядок как у биржи: от новых к старым.
func (b *Bybit) GetKlines(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]models.Bar, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if !end.IsZero() {
		params["end"] = strconv.FormatInt(end.UnixMilli(), 10)
	}

	body, err := b.get(ctx, ratelimit.CategoryMarket, "/v5/market/kline", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		bar, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// parseKlineRow разбирает [startTime, open, high, low, close, volume, turnover]
func parseKlineRow(row []string) (models.Bar, error) {
	if len(row) < 6 {
		return models.Bar{}, fmt.Errorf("short kline row: %d fields", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Bar{}, err
	}
	vals := make([]float64, 5)
	for i := range vals {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return models.Bar{}, err
		}
		vals[i] = v
	}
	return models.Bar{
		Timestamp: utils.FromUnixMillis(ts),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// GetInstrument возвращает ограничения контракта (lot size, tick size, min notional)
func (b *Bybit) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	body, err := b.get(ctx, ratelimit.CategoryMarket, "/v5/market/instruments-info", map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
	}, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty      string `json:"minOrderQty"`
					MaxOrderQty      string `json:"maxOrderQty"`
					QtyStep          string `json:"qtyStep"`
					MinNotionalValue string `json:"minNotionalValue"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("instrument %s not found", symbol)
	}

	info := resp.Result.List[0]
	inst := &Instrument{Symbol: info.Symbol}
	inst.MinOrderQty, _ = strconv.ParseFloat(info.LotSizeFilter.MinOrderQty, 64)
	inst.MaxOrderQty, _ = strconv.ParseFloat(info.LotSizeFilter.MaxOrderQty, 64)
	inst.QtyStep, _ = strconv.ParseFloat(info.LotSizeFilter.QtyStep, 64)
	inst.MinNotional, _ = strconv.ParseFloat(info.LotSizeFilter.MinNotionalValue, 64)
	inst.TickSize, _ = strconv.ParseFloat(info.PriceFilter.TickSize, 64)
	return inst, nil
}

// ============================================================
// Аккаунт и позиции
// ============================================================

// GetWalletBalance возвращает USDT баланс единого аккаунта
func (b *Bybit) GetWalletBalance(ctx context.Context) (*models.Balance, error) {
	body, err := b.get(ctx, ratelimit.CategoryAccount, "/v5/account/wallet-balance", map[string]string{
		"accountType": bybitAccountType,
		"coin":        bybitSettleCoin,
	}, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
					Equity        string `json:"equity"`
					UnrealisedPnl string `json:"unrealisedPnl"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	for _, acc := range resp.Result.List {
		for _, coin := range acc.Coin {
			if coin.Coin != bybitSettleCoin {
				continue
			}
			bal := &models.Balance{}
			bal.WalletBalance, _ = strconv.ParseFloat(coin.WalletBalance, 64)
			bal.Equity, _ = strconv.ParseFloat(coin.Equity, 64)
			bal.UnrealizedPnl, _ = strconv.ParseFloat(coin.UnrealisedPnl, 64)
			return bal, nil
		}
	}
	return nil, fmt.Errorf("%s balance not found", bybitSettleCoin)
}

type positionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	StopLoss      string `json:"stopLoss"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

func (r positionRow) toModel() models.Position {
	p := models.Position{Symbol: r.Symbol, Side: r.Side}
	p.Size, _ = strconv.ParseFloat(r.Size, 64)
	p.EntryPrice, _ = strconv.ParseFloat(r.AvgPrice, 64)
	p.MarkPrice, _ = strconv.ParseFloat(r.MarkPrice, 64)
	p.StopLoss, _ = strconv.ParseFloat(r.StopLoss, 64)
	p.UnrealizedPnl, _ = strconv.ParseFloat(r.UnrealisedPnl, 64)
	if ms, err := strconv.ParseInt(r.CreatedTime, 10, 64); err == nil {
		p.CreatedAt = utils.FromUnixMillis(ms)
	}
	if ms, err := strconv.ParseInt(r.UpdatedTime, 10, 64); err == nil {
		p.UpdatedAt = utils.FromUnixMillis(ms)
	}
	return p
}

func (b *Bybit) listPositions(ctx context.Context, params map[string]string) ([]models.Position, error) {
	body, err := b.get(ctx, ratelimit.CategoryPosition, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []positionRow `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		p := row.toModel()
		if p.Size > 0 {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

// GetPositions возвращает все открытые USDT позиции
func (b *Bybit) GetPositions(ctx context.Context) ([]models.Position, error) {
	return b.listPositions(ctx, map[string]string{
		"category":   bybitCategory,
		"settleCoin": bybitSettleCoin,
	})
}

// GetPosition возвращает открытую позицию по символу или nil
func (b *Bybit) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	positions, err := b.listPositions(ctx, map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
	})
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

// ============================================================
// Торговля
// ============================================================

// PlaceMarketOrder размещает рыночный ордер и возвращает orderId
func (b *Bybit) PlaceMarketOrder(ctx context.Context, req OrderRequest) (string, error) {
	params := map[string]interface{}{
		"category":  bybitCategory,
		"symbol":    req.Symbol,
		"side":      req.Side,
		"orderType": "Market",
		"qty":       formatFloat(req.Qty),
	}
	if req.OrderLinkID != "" {
		params["orderLinkId"] = req.OrderLinkID
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}

	body, err := b.post(ctx, ratelimit.CategoryOrder, "/v5/order/create", params)
	if err != nil {
		return "", err
	}

	var resp struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}

	b.logger.Info("market order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.Float64("qty", req.Qty),
		zap.String("order_id", resp.Result.OrderID))
	return resp.Result.OrderID, nil
}

// SetTradingStop устанавливает TP/SL/трейлинг на всю позицию (tpslMode=Full).
// retCode 34040 возвращается как ошибка, для которой errors.Is(err, ErrNotModified).
func (b *Bybit) SetTradingStop(ctx context.Context, req TradingStopRequest) error {
	params := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"positionIdx": 0,
		"tpslMode":    "Full",
	}
	if req.TakeProfit > 0 {
		params["takeProfit"] = formatFloat(req.TakeProfit)
		params["tpTriggerBy"] = "LastPrice"
	}
	if req.StopLoss > 0 {
		params["stopLoss"] = formatFloat(req.StopLoss)
		params["slTriggerBy"] = "LastPrice"
	}
	if req.TrailingStop > 0 {
		params["trailingStop"] = formatFloat(req.TrailingStop)
		if req.ActivePrice > 0 {
			params["activePrice"] = formatFloat(req.ActivePrice)
		}
	}

	_, err := b.post(ctx, ratelimit.CategoryPosition, "/v5/position/trading-stop", params)
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
