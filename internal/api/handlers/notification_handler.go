package handlers

import (
	"net/http"
	"strings"

	"pumptrader/internal/models"
)

// NotificationHandler - последние уведомления (то же, что ушло в Telegram)
//
// GET /api/notifications?types=open,close&limit=50
type NotificationHandler struct {
	notifications NotificationReader
}

// NewNotificationHandler создает NotificationHandler
func NewNotificationHandler(n NotificationReader) *NotificationHandler {
	return &NotificationHandler{notifications: n}
}

type notificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает уведомления, новые первыми.
// types - типы через запятую (регистр не важен), limit - по умолчанию 100.
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = strings.Split(raw, ",")
	}

	list := h.notifications.GetNotifications(types, queryInt(r, "limit", 100))
	if list == nil {
		list = []*models.Notification{}
	}
	respondWithJSON(w, http.StatusOK, notificationsResponse{Notifications: list, Total: len(list)})
}
