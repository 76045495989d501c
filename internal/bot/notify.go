package bot

import (
	"fmt"
	"time"

	"pumptrader/internal/models"
)

// Notifier принимает уведомления для оператора.
// Send не должен блокироваться: реализация ставит уведомление в очередь
// и отбрасывает его при переполнении.
type Notifier interface {
	Send(n *models.Notification)
}

// notify собирает и отправляет уведомление; nil Notifier игнорируется
func notify(n Notifier, typ, severity, symbol string, meta map[string]interface{}, format string, args ...interface{}) {
	if n == nil {
		return
	}
	n.Send(&models.Notification{
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Severity:  severity,
		Symbol:    symbol,
		Message:   fmt.Sprintf(format, args...),
		Meta:      meta,
	})
}
