package repository

import (
	"context"
	"database/sql"
	"time"

	"pumptrader/internal/models"
)

// JournalRepository - журнал восстановления в таблице trade_events.
// Записи только добавляются; удаляются лишь устаревшие.
type JournalRepository struct {
	db *sql.DB
}

// NewJournalRepository создает новый экземпляр репозитория
func NewJournalRepository(db *sql.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Append добавляет событие
func (r *JournalRepository) Append(ctx context.Context, e *models.TradeEvent) error {
	query := `
		INSERT INTO trade_events (ts, event, symbol, rule_id, entry_price, position_size, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	return r.db.QueryRowContext(
		ctx,
		query,
		e.Timestamp,
		e.Event,
		e.Symbol,
		e.RuleID,
		e.EntryPrice,
		e.PositionSize,
		e.Reason,
		nullPayload(e.Payload),
	).Scan(&e.ID)
}

// ReadSince возвращает события начиная с since в порядке записи
func (r *JournalRepository) ReadSince(ctx context.Context, since time.Time) ([]models.TradeEvent, error) {
	query := `
		SELECT id, ts, event, symbol, rule_id, entry_price, position_size, reason, payload
		FROM trade_events
		WHERE ts >= $1
		ORDER BY ts, id`

	return r.query(ctx, query, since)
}

// Recent возвращает последние limit событий, новые первыми
func (r *JournalRepository) Recent(ctx context.Context, limit int) ([]models.TradeEvent, error) {
	query := `
		SELECT id, ts, event, symbol, rule_id, entry_price, position_size, reason, payload
		FROM trade_events
		ORDER BY ts DESC, id DESC
		LIMIT $1`

	return r.query(ctx, query, limit)
}

// DeleteOlderThan удаляет события старше before
func (r *JournalRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM trade_events WHERE ts < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *JournalRepository) query(ctx context.Context, query string, args ...interface{}) ([]models.TradeEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.TradeEvent
	for rows.Next() {
		var e models.TradeEvent
		var payload []byte
		err := rows.Scan(
			&e.ID,
			&e.Timestamp,
			&e.Event,
			&e.Symbol,
			&e.RuleID,
			&e.EntryPrice,
			&e.PositionSize,
			&e.Reason,
			&payload,
		)
		if err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Payload = payload
		events = append(events, e)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// nullPayload - пустой payload пишется как NULL
func nullPayload(p []byte) interface{} {
	if len(p) == 0 {
		return nil
	}
	return p
}
