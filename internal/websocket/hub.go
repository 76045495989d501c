package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// broadcastBufferSize - очередь сообщений hub; при переполнении сообщения отбрасываются
const broadcastBufferSize = 256

// jsonBufferPool - буферы сериализации для Broadcast
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

// Hub управляет WebSocket соединениями dashboard.
//
// Рассылает всем клиентам:
//   - notification: уведомления (те же, что уходят в Telegram)
//   - tradesUpdate: список отслеживаемых сделок
//   - riskUpdate: состояние риск-менеджера
//
// Использование:
//
//	hub := NewHub(originChecker, logger)
//	go hub.Run()
//	defer hub.Stop()
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	origins *OriginChecker
	logger  *utils.Logger

	dropped atomic.Int64
	mu      sync.RWMutex
}

// NewHub создает Hub. origins == nil - разрешены любые Origin.
func NewHub(origins *OriginChecker, logger *utils.Logger) *Hub {
	if origins == nil {
		origins = NewOriginChecker(nil)
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    origins,
		logger:     utils.OrGlobal(logger).WithComponent("ws_hub"),
	}
}

// Run - главный цикл; запускается в отдельной горутине, завершается по Stop
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.Int("clients", total))

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// fanOut отправляет сообщение всем клиентам; не успевающие клиенты отключаются
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Warn("removed slow clients", zap.Int("removed", len(slow)), zap.Int("clients", total))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop останавливает Run и закрывает всех клиентов. Повторный вызов безопасен.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует message и ставит в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.logger.Error("marshal broadcast message", zap.Error(err))
		return
	}

	data := bytes.TrimRight(buf.Bytes(), "\n")
	msg := make([]byte, len(data))
	copy(msg, data)
	h.BroadcastRaw(msg)
}

// BroadcastRaw ставит уже сериализованное сообщение в очередь.
// Не блокирует: при полной очереди сообщение отбрасывается.
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastNotification рассылает уведомление
func (h *Hub) BroadcastNotification(n *models.Notification) {
	h.Broadcast(NewNotificationMessage(n))
}

// BroadcastTrades рассылает список отслеживаемых сделок
func (h *Hub) BroadcastTrades(trades []models.TradeRecord) {
	h.Broadcast(NewTradesUpdateMessage(trades))
}

// BroadcastRisk рассылает состояние риск-менеджера
func (h *Hub) BroadcastRisk(state models.RiskState) {
	h.Broadcast(NewRiskUpdateMessage(state))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - число сообщений, отброшенных из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
