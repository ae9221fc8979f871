package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/newscast/forecaster/internal/api"
)

// Schema creates the tables PostgresStore writes. The long table is kept
// relational so dashboards can query it without decoding snapshots.
const Schema = `
CREATE TABLE IF NOT EXISTS forecast_snapshots (
	run_key      TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	target_date  DATE NOT NULL,
	snapshot     JSONB NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forecast_snapshots_expires ON forecast_snapshots(expires_at);

CREATE TABLE IF NOT EXISTS rating_forecasts (
	run_key     TEXT NOT NULL,
	channel     TEXT NOT NULL,
	date        DATE NOT NULL,
	forecast    NUMERIC(10,3) NOT NULL,
	lower_95    NUMERIC(10,3) NOT NULL,
	upper_95    NUMERIC(10,3) NOT NULL,
	lower_90    NUMERIC(10,3) NOT NULL,
	upper_90    NUMERIC(10,3) NOT NULL,
	sunset_time NUMERIC(5,2) NOT NULL,
	run_id      TEXT NOT NULL,
	PRIMARY KEY (run_key, channel, date)
);
`

// PostgresStore keeps snapshots as JSONB and mirrors each snapshot's long
// table into rating_forecasts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connStr, verifies the connection and
// applies Schema.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key api.RunKey) (*api.Snapshot, error) {
	query := `
		SELECT snapshot
		FROM forecast_snapshots
		WHERE run_key = $1 AND expires_at > NOW()
	`

	var data []byte
	err := p.pool.QueryRow(ctx, query, key.String()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var snap api.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Put replaces the snapshot and its long-table rows in one transaction.
func (p *PostgresStore) Put(ctx context.Context, key api.RunKey, snap *api.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO forecast_snapshots (run_key, run_id, target_date, snapshot, generated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_key) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			target_date = EXCLUDED.target_date,
			snapshot = EXCLUDED.snapshot,
			generated_at = EXCLUDED.generated_at,
			expires_at = EXCLUDED.expires_at
	`, key.String(), snap.RunID, snap.TargetDate, data, snap.GeneratedAt, snap.GeneratedAt.Add(ttl))
	batch.Queue(`DELETE FROM rating_forecasts WHERE run_key = $1`, key.String())
	for _, r := range snap.Table {
		batch.Queue(`
			INSERT INTO rating_forecasts (
				run_key, channel, date, forecast,
				lower_95, upper_95, lower_90, upper_90,
				sunset_time, run_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (run_key, channel, date) DO UPDATE SET
				forecast = EXCLUDED.forecast,
				lower_95 = EXCLUDED.lower_95,
				upper_95 = EXCLUDED.upper_95,
				lower_90 = EXCLUDED.lower_90,
				upper_90 = EXCLUDED.upper_90,
				sunset_time = EXCLUDED.sunset_time,
				run_id = EXCLUDED.run_id
		`, key.String(), r.Channel, r.Date, r.Forecast,
			r.Lower95, r.Upper95, r.Lower90, r.Upper90,
			r.SunsetTime, snap.RunID)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("snapshot batch statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
