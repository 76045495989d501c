package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pumptrader/internal/models"
)

// EquityRepository - снимки equity на границах дня и недели
type EquityRepository struct {
	db *sql.DB
}

// NewEquityRepository создает новый экземпляр репозитория
func NewEquityRepository(db *sql.DB) *EquityRepository {
	return &EquityRepository{db: db}
}

// Insert сохраняет снимок
func (r *EquityRepository) Insert(ctx context.Context, s *models.EquitySnapshot) error {
	query := `
		INSERT INTO equity_snapshots (period, equity, taken_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	return r.db.QueryRowContext(ctx, query, s.Period, s.Equity, s.TakenAt).Scan(&s.ID)
}

// Latest возвращает последний снимок периода; nil, если снимков нет
func (r *EquityRepository) Latest(ctx context.Context, period string) (*models.EquitySnapshot, error) {
	query := `
		SELECT id, period, equity, taken_at
		FROM equity_snapshots
		WHERE period = $1
		ORDER BY taken_at DESC
		LIMIT 1`

	s := &models.EquitySnapshot{}
	err := r.db.QueryRowContext(ctx, query, period).Scan(&s.ID, &s.Period, &s.Equity, &s.TakenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.TakenAt = s.TakenAt.UTC()
	return s, nil
}

// Range возвращает снимки периода в интервале [from, to)
func (r *EquityRepository) Range(ctx context.Context, period string, from, to time.Time) ([]models.EquitySnapshot, error) {
	query := `
		SELECT id, period, equity, taken_at
		FROM equity_snapshots
		WHERE period = $1 AND taken_at >= $2 AND taken_at < $3
		ORDER BY taken_at`

	rows, err := r.db.QueryContext(ctx, query, period, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []models.EquitySnapshot
	for rows.Next() {
		var s models.EquitySnapshot
		if err := rows.Scan(&s.ID, &s.Period, &s.Equity, &s.TakenAt); err != nil {
			return nil, err
		}
		s.TakenAt = s.TakenAt.UTC()
		snaps = append(snaps, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return snaps, nil
}
