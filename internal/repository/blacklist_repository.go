package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pumptrader/internal/models"
)

// Ошибки репозитория черного списка
var (
	ErrBlacklistEntryNotFound = errors.New("blacklist entry not found")
	ErrBlacklistEntryExists   = errors.New("symbol already in blacklist")
)

// BlacklistRepository - символы, исключенные из вселенной торговли
type BlacklistRepository struct {
	db *sql.DB
}

// NewBlacklistRepository создает новый экземпляр репозитория
func NewBlacklistRepository(db *sql.DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// Add добавляет символ в черный список
func (r *BlacklistRepository) Add(ctx context.Context, entry *models.BlacklistEntry) error {
	query := `
		INSERT INTO blacklist (symbol, reason, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	entry.Symbol = strings.ToUpper(entry.Symbol)
	entry.CreatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, query, entry.Symbol, entry.Reason, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBlacklistEntryExists
		}
		return err
	}

	return nil
}

// List возвращает весь черный список
func (r *BlacklistRepository) List(ctx context.Context) ([]models.BlacklistEntry, error) {
	query := `
		SELECT id, symbol, reason, created_at
		FROM blacklist
		ORDER BY symbol`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.BlacklistEntry
	for rows.Next() {
		var entry models.BlacklistEntry
		err := rows.Scan(
			&entry.ID,
			&entry.Symbol,
			&entry.Reason,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Symbols возвращает только символы черного списка
func (r *BlacklistRepository) Symbols(ctx context.Context) ([]string, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Symbol
	}
	return out, nil
}

// Remove удаляет символ из черного списка
func (r *BlacklistRepository) Remove(ctx context.Context, symbol string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM blacklist WHERE symbol = $1`, strings.ToUpper(symbol))
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrBlacklistEntryNotFound
	}

	return nil
}

// Exists проверяет наличие символа в черном списке
func (r *BlacklistRepository) Exists(ctx context.Context, symbol string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM blacklist WHERE symbol = $1)`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, strings.ToUpper(symbol)).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}
