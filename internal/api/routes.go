package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pumptrader/internal/api/handlers"
	"pumptrader/internal/api/middleware"
	"pumptrader/pkg/utils"
)

// Dependencies - зависимости admin API. Nil-зависимость отключает свои маршруты.
type Dependencies struct {
	Engine        handlers.TradingControl
	Risk          handlers.RiskControl
	Stream        handlers.StreamStatus
	Blacklist     handlers.BlacklistServiceInterface
	Notifications handlers.NotificationReader
	Stats         handlers.StatsServiceInterface

	// WebSocket handler dashboard (hub.ServeWS)
	WebSocket http.HandlerFunc

	AdminTokenHash string
	AllowedOrigins []string
	Logger         *utils.Logger
}

// SetupRoutes настраивает маршруты admin API.
//
// Открытые:
//
//	GET  /health
//	GET  /metrics
//
// Под токеном (Authorization: Bearer <token>):
//
//	GET    /api/trades
//	POST   /api/trades/{symbol}/{rule}/close
//	GET    /api/symbols
//	GET    /api/risk
//	POST   /api/risk/resume
//	GET    /api/blacklist
//	POST   /api/blacklist
//	DELETE /api/blacklist/{symbol}
//	GET    /api/notifications
//	GET    /api/journal
//	GET    /api/report
//	GET    /api/equity
//	GET    /ws
//
// Middleware: Recovery -> Logging -> CORS, для /api и /ws еще Auth.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	auth := middleware.NewTokenAuth(deps.AdminTokenHash, deps.Logger)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware)

	if deps.Engine != nil {
		trades := handlers.NewTradesHandler(deps.Engine, deps.Logger)
		api.HandleFunc("/trades", trades.GetTrades).Methods(http.MethodGet)
		api.HandleFunc("/trades/{symbol}/{rule}/close", trades.CloseTrade).Methods(http.MethodPost)
		api.HandleFunc("/symbols", trades.GetSymbols).Methods(http.MethodGet)
	}

	if deps.Risk != nil && deps.Engine != nil {
		risk := handlers.NewRiskHandler(deps.Risk, deps.Engine, deps.Stream, deps.Logger)
		api.HandleFunc("/risk", risk.GetRisk).Methods(http.MethodGet)
		api.HandleFunc("/risk/resume", risk.Resume).Methods(http.MethodPost)
	}

	if deps.Blacklist != nil {
		blacklist := handlers.NewBlacklistHandler(deps.Blacklist)
		api.HandleFunc("/blacklist", blacklist.GetBlacklist).Methods(http.MethodGet)
		api.HandleFunc("/blacklist", blacklist.AddToBlacklist).Methods(http.MethodPost)
		api.HandleFunc("/blacklist/{symbol}", blacklist.RemoveFromBlacklist).Methods(http.MethodDelete)
	}

	if deps.Notifications != nil {
		notifications := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", notifications.GetNotifications).Methods(http.MethodGet)
	}

	if deps.Stats != nil {
		stats := handlers.NewStatsHandler(deps.Stats, deps.Risk)
		api.HandleFunc("/report", stats.GetReport).Methods(http.MethodGet)
		api.HandleFunc("/journal", stats.GetJournal).Methods(http.MethodGet)
		api.HandleFunc("/equity", stats.GetEquity).Methods(http.MethodGet)
	}

	if deps.WebSocket != nil {
		router.Handle("/ws", auth.Middleware(deps.WebSocket)).Methods(http.MethodGet)
	}

	return router
}
