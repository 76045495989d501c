package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"pumptrader/internal/config"
)

// Open создает пул соединений и проверяет подключение
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Нагрузка небольшая: журнал, снимки и черный список
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// schema - таблицы трейдера. Все операторы идемпотентны.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS trade_events (
		id            BIGSERIAL PRIMARY KEY,
		ts            TIMESTAMPTZ NOT NULL,
		event         VARCHAR(16) NOT NULL,
		symbol        VARCHAR(32) NOT NULL,
		rule_id       VARCHAR(32) NOT NULL,
		entry_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
		position_size DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason        VARCHAR(64) NOT NULL DEFAULT '',
		payload       JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_events_ts ON trade_events (ts)`,
	`CREATE TABLE IF NOT EXISTS equity_snapshots (
		id       BIGSERIAL PRIMARY KEY,
		period   VARCHAR(8) NOT NULL,
		equity   DOUBLE PRECISION NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_equity_snapshots_period ON equity_snapshots (period, taken_at)`,
	`CREATE TABLE IF NOT EXISTS blacklist (
		id         BIGSERIAL PRIMARY KEY,
		symbol     VARCHAR(32) NOT NULL UNIQUE,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate создает схему в одной транзакции
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// isUniqueViolation - нарушение UNIQUE (код 23505)
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
