package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pumptrader/internal/bot"
	"pumptrader/internal/config"
	"pumptrader/internal/models"
	"pumptrader/pkg/retry"
	"pumptrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// historySize - уведомлений в памяти для API
	historySize = 100
	// telegramMessageLimit - максимум символов в сообщении Bot API
	telegramMessageLimit = 4096
	// drainTimeout - дослать очередь при остановке
	drainTimeout = 5 * time.Second
)

// NotificationService доставляет уведомления оператору.
//
// Send не блокируется: уведомление ставится в буферизованную очередь,
// при переполнении отбрасывается. Единственный воркер (Run) рассылает
// уведомление клиентам dashboard и отправляет его в Telegram.
// Ошибки доставки только логируются.
type NotificationService struct {
	cfg     config.NotifyConfig
	client  *http.Client
	limiter *rate.Limiter
	queue   chan *models.Notification
	wsHub   WebSocketBroadcaster
	logger  *utils.Logger

	mu      sync.RWMutex
	history []*models.Notification // кольцо, новые в конце
}

// NewNotificationService создает новый экземпляр NotificationService
func NewNotificationService(cfg config.NotifyConfig, logger *utils.Logger) *NotificationService {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TelegramAPIURL == "" {
		cfg.TelegramAPIURL = "https://api.telegram.org"
	}
	return &NotificationService{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		queue:   make(chan *models.Notification, cfg.QueueSize),
		logger:  utils.OrGlobal(logger).WithComponent("notifications"),
	}
}

// SetWebSocketHub устанавливает hub для рассылки клиентам dashboard.
//
// Вызывается после создания Hub:
//
//	notifier := service.NewNotificationService(cfg.Notify, logger)
//	notifier.SetWebSocketHub(hub)
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// TelegramEnabled - заданы токен и чат
func (s *NotificationService) TelegramEnabled() bool {
	return s.cfg.TelegramToken != "" && s.cfg.TelegramChatID != ""
}

// Send ставит уведомление в очередь без блокировки
func (s *NotificationService) Send(n *models.Notification) {
	if n == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	select {
	case s.queue <- n:
	default:
		bot.RecordBufferOverflow("notification")
		s.logger.Warn("notification queue full, dropping",
			zap.String("type", n.Type),
			zap.String("message", n.Message))
	}
}

// Run - воркер доставки; блокируется до отмены ctx, затем досылает очередь
func (s *NotificationService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case n := <-s.queue:
			s.deliver(ctx, n)
		}
	}
}

func (s *NotificationService) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case n := <-s.queue:
			s.deliver(ctx, n)
		default:
			return
		}
	}
}

func (s *NotificationService) deliver(ctx context.Context, n *models.Notification) {
	s.remember(n)

	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(n)
	}

	if !s.TelegramEnabled() {
		return
	}
	if err := s.sendTelegram(ctx, formatTelegram(n)); err != nil && ctx.Err() == nil {
		s.logger.Warn("telegram send failed", zap.String("type", n.Type), zap.Error(err))
	}
}

func (s *NotificationService) remember(n *models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, n)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// GetNotifications возвращает последние уведомления, новые первыми.
//
// types - фильтр по типам (регистр не важен), пустой - все типы.
// limit по умолчанию 100, не больше размера истории.
func (s *NotificationService) GetNotifications(types []string, limit int) []*models.Notification {
	if limit <= 0 || limit > historySize {
		limit = historySize
	}

	filter := make(map[string]bool, len(types))
	for _, t := range types {
		if normalized := strings.ToUpper(strings.TrimSpace(t)); normalized != "" {
			filter[normalized] = true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Notification, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.history[i]
		if len(filter) > 0 && !filter[n.Type] {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ============================================================
// Telegram Bot API
// ============================================================

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// sendTelegram отправляет текст через sendMessage. 4xx (кроме 429) не повторяются.
func (s *NotificationService) sendTelegram(ctx context.Context, text string) error {
	body, err := json.Marshal(telegramRequest{
		ChatID:                s.cfg.TelegramChatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(s.cfg.TelegramAPIURL, "/"), s.cfg.TelegramToken)

	cfg := retry.RequestConfig()
	return retry.Do(ctx, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		return s.post(ctx, url, body)
	}, cfg)
}

func (s *NotificationService) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)

	if resp.StatusCode == http.StatusOK && tr.OK {
		return nil
	}

	err = fmt.Errorf("telegram: status %d: %s", resp.StatusCode, tr.Description)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

// formatTelegram - текст сообщения: уровень, символ, текст, обрезка до лимита
func formatTelegram(n *models.Notification) string {
	var b strings.Builder
	if n.Severity == models.SeverityError {
		b.WriteString("[ERROR] ")
	}
	b.WriteString(n.Message)
	if n.Symbol != "" && !strings.Contains(n.Message, n.Symbol) {
		b.WriteString(" [")
		b.WriteString(n.Symbol)
		b.WriteString("]")
	}

	text := b.String()
	if r := []rune(text); len(r) > telegramMessageLimit {
		text = string(r[:telegramMessageLimit-1]) + "…"
	}
	return text
}
