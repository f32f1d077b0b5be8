package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/clob-sync/internal/config"
)

// Schema holds the tables the writers expect. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		client_id      TEXT PRIMARY KEY,
		venue_id       TEXT NOT NULL DEFAULT '',
		market         TEXT NOT NULL,
		asset_id       TEXT NOT NULL,
		side           TEXT NOT NULL,
		price          NUMERIC NOT NULL,
		original_size  NUMERIC NOT NULL,
		filled_size    NUMERIC NOT NULL,
		remaining_size NUMERIC NOT NULL,
		status         TEXT NOT NULL,
		status_rank    SMALLINT NOT NULL,
		order_type     TEXT NOT NULL DEFAULT '',
		source         TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		terminal_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS orders_venue_id_idx ON orders (venue_id) WHERE venue_id <> ''`,
	`CREATE TABLE IF NOT EXISTS chain_operations (
		tx_hash      TEXT NOT NULL,
		log_index    INTEGER NOT NULL,
		kind         TEXT NOT NULL,
		condition_id TEXT NOT NULL,
		token_ids    TEXT[] NOT NULL,
		amount       NUMERIC NOT NULL,
		block_number BIGINT NOT NULL,
		source       TEXT NOT NULL,
		observed_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tx_hash, log_index)
	)`,
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, applicationName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg, applicationName))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
