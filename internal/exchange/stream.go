package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

// StreamConfig конфигурация потока свечей
type StreamConfig struct {
	URL      string
	Interval string // таймфрейм свечей, "5" = 5 минут

	// Фиксированная пауза перед переподключением
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	// Интервал прикладного {"op":"ping"} к серверу
	PingInterval time.Duration
	// Соединение считается мертвым, если нет сообщений дольше
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Максимум топиков в одном subscribe/unsubscribe
	BatchSize int
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:            "wss://stream.bybit.com/v5/public/linear",
		Interval:       "5",
		ReconnectDelay: 5 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		BatchSize:      10,
	}
}

// StreamState состояние соединения
type StreamState int32

const (
	StreamStateDisconnected StreamState = iota
	StreamStateConnecting
	StreamStateConnected
	StreamStateReconnecting
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateDisconnected:
		return "disconnected"
	case StreamStateConnecting:
		return "connecting"
	case StreamStateConnected:
		return "connected"
	case StreamStateReconnecting:
		return "reconnecting"
	case StreamStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KlineUpdate - обновление свечи из потока
type KlineUpdate struct {
	Symbol    string
	Bar       models.Bar
	Confirmed bool // свеча закрыта
}

// KlineHandler обрабатывает обновления свечей. Вызывается из горутины чтения,
// поэтому не должен блокироваться.
type KlineHandler func(KlineUpdate)

// StreamClient держит одно долгоживущее websocket соединение с публичным
// потоком свечей.
//
// Функции:
// - ответ {"op":"pong"} на ping сервера, собственный ping раз в PingInterval
// - пересылка свечей в обработчик
// - переподключение с фиксированной паузой и повторной подпиской
// - UpdateSubscription: отправляет только разницу между старым и новым набором
type StreamClient struct {
	cfg    StreamConfig
	logger *utils.Logger

	state       int32 // atomic StreamState
	lastMessage int64 // atomic unix nano

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	// desired - символы, на которые нужно быть подписанными;
	// subscribed - что подтверждено отправкой на текущем соединении
	subMu      sync.Mutex
	desired    map[string]struct{}
	subscribed map[string]struct{}

	handler   KlineHandler
	handlerMu sync.RWMutex
}

// NewStreamClient создает клиент потока
func NewStreamClient(cfg StreamConfig, logger *utils.Logger) *StreamClient {
	def := DefaultStreamConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Interval == "" {
		cfg.Interval = def.Interval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	return &StreamClient{
		cfg:        cfg,
		logger:     utils.OrGlobal(logger).WithComponent("stream"),
		desired:    make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}
}

// OnMessage устанавливает обработчик свечей
func (c *StreamClient) OnMessage(handler KlineHandler) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// State возвращает текущее состояние соединения
func (c *StreamClient) State() StreamState {
	return StreamState(atomic.LoadInt32(&c.state))
}

func (c *StreamClient) setState(s StreamState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// LastMessageAt возвращает время последнего полученного сообщения
func (c *StreamClient) LastMessageAt() time.Time {
	ns := atomic.LoadInt64(&c.lastMessage)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Subscribed возвращает отсортированный список подписанных символов
func (c *StreamClient) Subscribed() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return sortedKeys(c.subscribed)
}

func (c *StreamClient) topic(symbol string) string {
	return "kline." + c.cfg.Interval + "." + symbol
}

// Run подключается и держит соединение до отмены ctx.
// При разрыве очищает состояние подписок, ждет ReconnectDelay,
// переподключается и подписывается на текущий набор символов.
func (c *StreamClient) Run(ctx context.Context, symbols []string) error {
	c.subMu.Lock()
	c.desired = toSet(symbols)
	c.subMu.Unlock()

	for {
		if ctx.Err() != nil {
			c.setState(StreamStateClosed)
			return ctx.Err()
		}

		c.setState(StreamStateConnecting)
		err := c.session(ctx)

		c.subMu.Lock()
		c.subscribed = make(map[string]struct{})
		c.subMu.Unlock()
		streamSubscriptions.Set(0)

		if ctx.Err() != nil {
			c.setState(StreamStateClosed)
			return ctx.Err()
		}

		c.setState(StreamStateReconnecting)
		streamReconnects.Inc()
		c.logger.Warn("stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", c.cfg.ReconnectDelay))

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StreamStateClosed)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session - одно соединение: dial, подписка, чтение до ошибки
func (c *StreamClient) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	// Закрытие соединения прерывает блокирующий ReadMessage
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	c.setState(StreamStateConnected)
	c.logger.Info("stream connected", zap.String("url", c.cfg.URL))

	if err := c.subscribePending(); err != nil {
		return fmt.Errorf("subscribe error: %w", err)
	}

	go c.pingLoop(stop)

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		atomic.StoreInt64(&c.lastMessage, time.Now().UnixNano())
		c.dispatch(message)
	}
}

func (c *StreamClient) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(map[string]interface{}{"op": "ping"}); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// send пишет JSON сообщение (gorilla допускает только одного писателя)
func (c *StreamClient) send(msg interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected (state: %s)", c.State())
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendOp отправляет subscribe/unsubscribe пачками по BatchSize топиков
func (c *StreamClient) sendOp(op string, symbols []string) error {
	for start := 0; start < len(symbols); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		args := make([]string, 0, end-start)
		for _, s := range symbols[start:end] {
			args = append(args, c.topic(s))
		}
		if err := c.send(map[string]interface{}{"op": op, "args": args}); err != nil {
			return err
		}
	}
	return nil
}

// subscribePending подписывает текущее соединение на все desired символы
func (c *StreamClient) subscribePending() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	var pending []string
	for s := range c.desired {
		if _, ok := c.subscribed[s]; !ok {
			pending = append(pending, s)
		}
	}
	sort.Strings(pending)

	if err := c.sendOp("subscribe", pending); err != nil {
		return err
	}
	for _, s := range pending {
		c.subscribed[s] = struct{}{}
	}
	streamSubscriptions.Set(float64(len(c.subscribed)))

	if len(pending) > 0 {
		c.logger.Info("stream subscribed", zap.Int("symbols", len(pending)))
	}
	return nil
}

// UpdateSubscription заменяет набор символов.
//
// Вычисляет симметричную разность со старым набором и отправляет только
// unsubscribe для удаленных и subscribe для добавленных. Без соединения
// запоминает набор; подписка произойдет при следующем подключении.
func (c *StreamClient) UpdateSubscription(symbols []string) (added, removed []string, err error) {
	next := toSet(symbols)

	c.subMu.Lock()
	defer c.subMu.Unlock()

	for s := range next {
		if _, ok := c.desired[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range c.desired {
		if _, ok := next[s]; !ok {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	c.desired = next

	if c.State() != StreamStateConnected {
		return added, removed, nil
	}

	var toUnsub, toSub []string
	for _, s := range removed {
		if _, ok := c.subscribed[s]; ok {
			toUnsub = append(toUnsub, s)
		}
	}
	for _, s := range added {
		if _, ok := c.subscribed[s]; !ok {
			toSub = append(toSub, s)
		}
	}

	if err := c.sendOp("unsubscribe", toUnsub); err != nil {
		return added, removed, err
	}
	for _, s := range toUnsub {
		delete(c.subscribed, s)
	}

	if err := c.sendOp("subscribe", toSub); err != nil {
		return added, removed, err
	}
	for _, s := range toSub {
		c.subscribed[s] = struct{}{}
	}
	streamSubscriptions.Set(float64(len(c.subscribed)))

	c.logger.Info("stream subscription updated",
		zap.Strings("added", added),
		zap.Strings("removed", removed))
	return added, removed, nil
}

type streamEnvelope struct {
	Op      string              `json:"op"`
	Success *bool               `json:"success"`
	RetMsg  string              `json:"ret_msg"`
	Topic   string              `json:"topic"`
	Data    jsoniter.RawMessage `json:"data"`
}

type streamKline struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

// dispatch разбирает сообщение: служебные обрабатываются на месте,
// свечи уходят в обработчик
func (c *StreamClient) dispatch(message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Debug("malformed stream message", zap.Error(err))
		return
	}

	switch {
	case env.Op == "ping":
		if err := c.send(map[string]interface{}{"op": "pong"}); err != nil {
			c.logger.Warn("pong failed", zap.Error(err))
		}
		return
	case env.Op != "":
		if env.Success != nil && !*env.Success {
			c.logger.Warn("stream request rejected", zap.String("op", env.Op), zap.String("ret_msg", env.RetMsg))
		}
		return
	case !strings.HasPrefix(env.Topic, "kline."):
		return
	}

	symbol := env.Topic[strings.LastIndex(env.Topic, ".")+1:]

	var klines []streamKline
	if err := json.Unmarshal(env.Data, &klines); err != nil {
		c.logger.Debug("malformed kline data", zap.String("topic", env.Topic), zap.Error(err))
		return
	}

	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	for _, k := range klines {
		bar, err := k.toBar()
		if err != nil {
			c.logger.Debug("bad kline values", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		handler(KlineUpdate{Symbol: symbol, Bar: bar, Confirmed: k.Confirm})
	}
}

func (k streamKline) toBar() (models.Bar, error) {
	vals := make([]float64, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Bar{}, err
		}
		vals[i] = v
	}
	return models.Bar{
		Timestamp: utils.FromUnixMillis(k.Start),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
