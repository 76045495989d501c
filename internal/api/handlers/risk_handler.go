package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

// RiskHandler - состояние риск-менеджера и снятие остановки
//
// Endpoints:
//   - GET  /api/risk
//   - POST /api/risk/resume
type RiskHandler struct {
	risk   RiskControl
	engine TradingControl
	stream StreamStatus
	now    func() time.Time
	logger *utils.Logger
}

// NewRiskHandler создает RiskHandler; stream может быть nil
func NewRiskHandler(risk RiskControl, engine TradingControl, stream StreamStatus, logger *utils.Logger) *RiskHandler {
	return &RiskHandler{
		risk:   risk,
		engine: engine,
		stream: stream,
		now:    time.Now,
		logger: utils.OrGlobal(logger).WithComponent("api"),
	}
}

// streamHealth - состояние потока свечей
type streamHealth struct {
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	SilenceSec    float64    `json:"silence_sec"`
	Subscribed    int        `json:"subscribed"`
}

// riskResponse - состояние риска, остановка движка (watchdog) и ближайшие
// границы сброса лимитов
type riskResponse struct {
	Risk          models.RiskState `json:"risk"`
	EngineHalted  bool             `json:"engine_halted"`
	EngineReason  string           `json:"engine_halt_reason,omitempty"`
	ActiveTrades  int              `json:"active_trades"`
	DailyResetAt  time.Time        `json:"daily_reset_at"`
	WeeklyResetAt time.Time        `json:"weekly_reset_at"`
	Stream        *streamHealth    `json:"stream,omitempty"`
}

func (h *RiskHandler) snapshot(state models.RiskState) riskResponse {
	now := h.now().UTC()
	halted, reason := h.engine.Halted()
	resp := riskResponse{
		Risk:          state,
		EngineHalted:  halted,
		EngineReason:  reason,
		ActiveTrades:  h.engine.ActiveCount(),
		DailyResetAt:  utils.NextDailyReset(now),
		WeeklyResetAt: utils.NextWeeklyReset(now),
	}
	if h.stream != nil {
		health := &streamHealth{Subscribed: len(h.stream.Subscribed())}
		if last := h.stream.LastMessageAt(); !last.IsZero() {
			health.LastMessageAt = &last
			health.SilenceSec = now.Sub(last).Seconds()
		}
		resp.Stream = health
	}
	return resp
}

// GetRisk возвращает текущее состояние
func (h *RiskHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.snapshot(h.risk.State()))
}

// Resume снимает остановку риск-менеджера и движка.
// Позиции не открываются заново: вход возобновится на следующих сигналах.
func (h *RiskHandler) Resume(w http.ResponseWriter, r *http.Request) {
	state := h.risk.Resume()
	h.engine.Resume()

	h.logger.Warn("trading resumed by operator",
		zap.String("level", state.DrawdownLevel.String()),
		zap.Float64("multiplier", state.PositionSizeMultiplier))
	respondWithJSON(w, http.StatusOK, h.snapshot(state))
}
