package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pumptrader/internal/models"
	"pumptrader/internal/repository"
	"pumptrader/pkg/utils"
)

// Ошибки сервиса черного списка
var (
	ErrBlacklistSymbolEmpty   = errors.New("symbol cannot be empty")
	ErrBlacklistSymbolInvalid = errors.New("invalid symbol")
	ErrBlacklistSymbolExists  = errors.New("symbol already in blacklist")
	ErrBlacklistEntryNotFound = errors.New("blacklist entry not found")
)

// BlacklistService управляет черным списком символов.
//
// Символы из списка исключаются из вселенной при обновлении подписки.
// После изменения списка вызывается onChange (обновление вселенной),
// ошибка которого только логируется: периодическое обновление повторит его.
type BlacklistService struct {
	repo     BlacklistStore
	onChange func(ctx context.Context) error
	logger   *utils.Logger
}

// NewBlacklistService создает новый экземпляр BlacklistService
func NewBlacklistService(repo BlacklistStore, onChange func(ctx context.Context) error, logger *utils.Logger) *BlacklistService {
	return &BlacklistService{
		repo:     repo,
		onChange: onChange,
		logger:   utils.OrGlobal(logger).WithComponent("blacklist"),
	}
}

// Add добавляет символ в черный список. Символ приводится к виду биржи
// ("btc/usdt" -> "BTCUSDT") и должен быть USDT контрактом.
func (s *BlacklistService) Add(ctx context.Context, symbol, reason string) (*models.BlacklistEntry, error) {
	symbol = utils.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrBlacklistSymbolEmpty
	}
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlacklistSymbolInvalid, err)
	}

	entry := &models.BlacklistEntry{
		Symbol: symbol,
		Reason: strings.TrimSpace(reason),
	}
	if err := s.repo.Add(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrBlacklistEntryExists) {
			return nil, ErrBlacklistSymbolExists
		}
		return nil, err
	}

	s.logger.Info("symbol blacklisted", zap.String("symbol", symbol), zap.String("reason", entry.Reason))
	s.changed(ctx)
	return entry, nil
}

// List возвращает весь черный список (пустой срез вместо nil)
func (s *BlacklistService) List(ctx context.Context) ([]models.BlacklistEntry, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.BlacklistEntry{}
	}
	return entries, nil
}

// Remove удаляет символ из черного списка
func (s *BlacklistService) Remove(ctx context.Context, symbol string) error {
	symbol = utils.NormalizeSymbol(symbol)
	if symbol == "" {
		return ErrBlacklistSymbolEmpty
	}

	if err := s.repo.Remove(ctx, symbol); err != nil {
		if errors.Is(err, repository.ErrBlacklistEntryNotFound) {
			return ErrBlacklistEntryNotFound
		}
		return err
	}

	s.logger.Info("symbol removed from blacklist", zap.String("symbol", symbol))
	s.changed(ctx)
	return nil
}

// IsBlacklisted проверяет, находится ли символ в черном списке
func (s *BlacklistService) IsBlacklisted(ctx context.Context, symbol string) (bool, error) {
	symbol = utils.NormalizeSymbol(symbol)
	if symbol == "" {
		return false, ErrBlacklistSymbolEmpty
	}
	return s.repo.Exists(ctx, symbol)
}

func (s *BlacklistService) changed(ctx context.Context) {
	if s.onChange == nil {
		return
	}
	if err := s.onChange(ctx); err != nil {
		s.logger.Warn("symbol refresh after blacklist change failed", zap.Error(err))
	}
}
