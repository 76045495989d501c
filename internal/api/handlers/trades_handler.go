package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pumptrader/internal/bot"
	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

// TradesHandler - отслеживаемые сделки и ручное закрытие
//
// Endpoints:
//   - GET  /api/trades
//   - POST /api/trades/{symbol}/{rule}/close
//   - GET  /api/symbols
type TradesHandler struct {
	engine TradingControl
	logger *utils.Logger
}

// NewTradesHandler создает TradesHandler
func NewTradesHandler(engine TradingControl, logger *utils.Logger) *TradesHandler {
	return &TradesHandler{engine: engine, logger: utils.OrGlobal(logger).WithComponent("api")}
}

type tradesResponse struct {
	Trades []models.TradeRecord `json:"trades"`
	Total  int                  `json:"total"`
}

// GetTrades возвращает сделки, отсортированные по времени входа
func (h *TradesHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades := h.engine.Trades()
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].EntryTimestamp.Before(trades[j].EntryTimestamp)
	})
	respondWithJSON(w, http.StatusOK, tradesResponse{Trades: trades, Total: len(trades)})
}

// CloseTrade закрывает позицию сделки по рынку, причина "manual"
func (h *TradesHandler) CloseTrade(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := models.TradeKey{
		Symbol: strings.ToUpper(strings.TrimSpace(vars["symbol"])),
		RuleID: strings.TrimSpace(vars["rule"]),
	}
	if key.Symbol == "" || key.RuleID == "" {
		respondWithError(w, http.StatusBadRequest, "symbol and rule are required")
		return
	}

	err := h.engine.CloseTrade(r.Context(), key, models.CloseReasonManual)
	switch {
	case errors.Is(err, bot.ErrTradeNotFound):
		respondWithErrorCode(w, http.StatusNotFound, "TRADE_NOT_FOUND", "trade "+key.String()+" not found")
		return
	case err != nil:
		h.logger.Error("manual close failed", zap.String("trade", key.String()), zap.Error(err))
		respondWithError(w, http.StatusBadGateway, "close failed: "+err.Error())
		return
	}

	h.logger.Warn("trade closed manually", zap.String("trade", key.String()))
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "trade " + key.String() + " closed"})
}

type symbolsResponse struct {
	Symbols []string `json:"symbols"`
	Total   int      `json:"total"`
}

// GetSymbols возвращает текущий торговый список
func (h *TradesHandler) GetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := h.engine.Symbols()
	if symbols == nil {
		symbols = []string{}
	}
	respondWithJSON(w, http.StatusOK, symbolsResponse{Symbols: symbols, Total: len(symbols)})
}
