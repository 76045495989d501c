package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"pumptrader/internal/service"
)

// BlacklistHandler - черный список символов.
// Символы из списка исключаются из торговой вселенной при следующем обновлении.
//
// Endpoints:
//   - GET    /api/blacklist
//   - POST   /api/blacklist
//   - DELETE /api/blacklist/{symbol}
type BlacklistHandler struct {
	service BlacklistServiceInterface
}

// NewBlacklistHandler создает BlacklistHandler
func NewBlacklistHandler(svc BlacklistServiceInterface) *BlacklistHandler {
	return &BlacklistHandler{service: svc}
}

type addToBlacklistRequest struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

type blacklistEntryResponse struct {
	ID        int64  `json:"id"`
	Symbol    string `json:"symbol"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

type blacklistResponse struct {
	Entries []blacklistEntryResponse `json:"entries"`
	Total   int                      `json:"total"`
}

// GetBlacklist возвращает весь список
func (h *BlacklistHandler) GetBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to get blacklist: "+err.Error())
		return
	}

	resp := blacklistResponse{Entries: make([]blacklistEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, blacklistEntryResponse{
			ID:        e.ID,
			Symbol:    e.Symbol,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	resp.Total = len(resp.Entries)
	respondWithJSON(w, http.StatusOK, resp)
}

// AddToBlacklist добавляет символ
func (h *BlacklistHandler) AddToBlacklist(w http.ResponseWriter, r *http.Request) {
	var req addToBlacklistRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.service.Add(r.Context(), req.Symbol, req.Reason)
	switch {
	case errors.Is(err, service.ErrBlacklistSymbolEmpty):
		respondWithErrorCode(w, http.StatusBadRequest, "SYMBOL_EMPTY", err.Error())
		return
	case errors.Is(err, service.ErrBlacklistSymbolInvalid):
		respondWithErrorCode(w, http.StatusBadRequest, "SYMBOL_INVALID", err.Error())
		return
	case errors.Is(err, service.ErrBlacklistSymbolExists):
		respondWithErrorCode(w, http.StatusConflict, "SYMBOL_EXISTS", err.Error())
		return
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, "failed to add to blacklist: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusCreated, blacklistEntryResponse{
		ID:        entry.ID,
		Symbol:    entry.Symbol,
		Reason:    entry.Reason,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// RemoveFromBlacklist удаляет символ
func (h *BlacklistHandler) RemoveFromBlacklist(w http.ResponseWriter, r *http.Request) {
	err := h.service.Remove(r.Context(), mux.Vars(r)["symbol"])
	switch {
	case errors.Is(err, service.ErrBlacklistSymbolEmpty):
		respondWithErrorCode(w, http.StatusBadRequest, "SYMBOL_EMPTY", err.Error())
		return
	case errors.Is(err, service.ErrBlacklistEntryNotFound):
		respondWithErrorCode(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, "failed to remove from blacklist: "+err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
