package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания pong
	pongWait = 60 * time.Second

	// Интервал ping (меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Dashboard ничего не шлет, кроме control frames
	maxMessageSize = 4096

	// Размер буфера отправки клиента
	clientSendBufferSize = 64
)

// OriginChecker проверяет Origin за O(1). Только чтение после создания.
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker создает проверку по списку Origin. Пустой список - разрешены все.
func NewOriginChecker(origins []string) *OriginChecker {
	checker := &OriginChecker{
		allowedOrigins: make(map[string]struct{}, len(origins)),
		allowAll:       len(origins) == 0,
	}
	for _, origin := range origins {
		checker.allowedOrigins[origin] = struct{}{}
	}
	return checker
}

// Check проверяет origin
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // не браузер (curl, скрипты)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

// Client - одно WebSocket соединение.
//
// У клиента две горутины: readPump обслуживает pong и закрытие,
// writePump пишет сообщения из send и шлет ping.
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	// Исходящие сообщения; закрывается hub при отключении
	send chan []byte
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// досылаем накопившееся одним фреймом, разделитель - перевод строки
		drain:
			for {
				select {
				case msg, ok := <-c.send:
					if !ok {
						break drain
					}
					_, _ = w.Write([]byte{'\n'})
					_, _ = w.Write(msg)
				default:
					break drain
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS - HTTP handler для /ws: апгрейд соединения и регистрация клиента
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			return h.origins.Check(r.Header.Get("Origin"))
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, clientSendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
