package handlers

import (
	"net/http"
	"time"

	"pumptrader/internal/models"
)

// StatsHandler - отчеты, журнал сделок и история equity
//
// Endpoints:
//   - GET /api/report?from=&to=      (без параметров - текущая неделя)
//   - GET /api/journal?limit=
//   - GET /api/equity?period=daily&from=&to=
type StatsHandler struct {
	stats StatsServiceInterface
	risk  RiskControl
}

// NewStatsHandler создает StatsHandler. risk нужен для текущего equity, может быть nil.
func NewStatsHandler(stats StatsServiceInterface, risk RiskControl) *StatsHandler {
	return &StatsHandler{stats: stats, risk: risk}
}

func (h *StatsHandler) currentEquity() float64 {
	if h.risk == nil {
		return 0
	}
	return h.risk.State().LastEquity
}

// GetReport возвращает отчет за период
func (h *StatsHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" {
		rep, err := h.stats.CurrentWeek(r.Context(), h.currentEquity())
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, "failed to build report: "+err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, rep)
		return
	}

	now := time.Now().UTC()
	from, err := queryTime(r, "from", now.AddDate(0, 0, -7))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := queryTime(r, "to", now)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if !from.Before(to) {
		respondWithError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	rep, err := h.stats.Report(r.Context(), from, to, 0)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to build report: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, rep)
}

type journalResponse struct {
	Events []models.TradeEvent `json:"events"`
	Total  int                 `json:"total"`
}

// GetJournal возвращает последние события журнала
func (h *StatsHandler) GetJournal(w http.ResponseWriter, r *http.Request) {
	events, err := h.stats.RecentEvents(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to read journal: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, journalResponse{Events: events, Total: len(events)})
}

type equityResponse struct {
	Period    string                  `json:"period"`
	Snapshots []models.EquitySnapshot `json:"snapshots"`
}

// GetEquity возвращает снимки equity; по умолчанию дневные за 30 дней
func (h *StatsHandler) GetEquity(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = models.SnapshotDaily
	}
	if period != models.SnapshotDaily && period != models.SnapshotWeekly {
		respondWithError(w, http.StatusBadRequest, "period must be daily or weekly")
		return
	}

	now := time.Now().UTC()
	from, err := queryTime(r, "from", now.AddDate(0, 0, -30))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := queryTime(r, "to", now)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	snaps, err := h.stats.EquityHistory(r.Context(), period, from, to)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to read equity: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, equityResponse{Period: period, Snapshots: snaps})
}
