package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bsaid97/hexdensity/density"
	"github.com/bsaid97/hexdensity/logging"
)

// querier is the subset of *pgxpool.Pool the sink uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresSink upserts one row per hexagon into Table and records completed
// jobs in hex_density_jobs.
type PostgresSink struct {
	pool    *pgxpool.Pool
	db      querier
	table   string
	ceiling int
	retry   RetryPolicy
}

type PostgresOptions struct {
	DSN          string
	Table        string
	BatchCeiling int
}

// NewPostgresSink connects to opts.DSN and creates the tables if needed.
func NewPostgresSink(ctx context.Context, opts PostgresOptions) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := newPostgresSink(pool, opts.Table, opts.BatchCeiling)
	s.pool = pool
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSink(db querier, table string, ceiling int) *PostgresSink {
	if table == "" {
		table = "hex_density"
	}
	if ceiling < 2 {
		ceiling = DefaultBatchCeiling
	}
	return &PostgresSink{db: db, table: pgx.Identifier{table}.Sanitize(), ceiling: ceiling, retry: DefaultRetryPolicy()}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			hex_id TEXT PRIMARY KEY,
			region TEXT NOT NULL,
			resolution INTEGER NOT NULL,
			density DOUBLE PRECISION,
			estimated_population DOUBLE PRECISION NOT NULL,
			degenerate BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS hex_density_jobs (
			region TEXT NOT NULL,
			resolution INTEGER NOT NULL,
			hexagons INTEGER NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (region, resolution)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Exists(ctx context.Context, job Job) (bool, error) {
	var done bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM hex_density_jobs WHERE region = $1 AND resolution = $2)`,
		job.Region, job.Resolution).Scan(&done)
	if err != nil {
		return false, err
	}
	return done, nil
}

func (s *PostgresSink) Write(ctx context.Context, job Job, records map[string]density.Record) error {
	log := logging.Job(job.Region, job.Resolution)
	upsert := `INSERT INTO ` + s.table + ` (hex_id, region, resolution, density, estimated_population, degenerate)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hex_id) DO UPDATE SET
			region = EXCLUDED.region,
			resolution = EXCLUDED.resolution,
			density = EXCLUDED.density,
			estimated_population = EXCLUDED.estimated_population,
			degenerate = EXCLUDED.degenerate`

	keys := sortedKeys(records)
	batches := PlanBatches(len(keys), s.ceiling)
	for i, b := range batches {
		err := s.retry.retry(ctx, s.Name(), func() error {
			batch := &pgx.Batch{}
			for _, id := range keys[b[0]:b[1]] {
				rec := records[id]
				batch.Queue(upsert, rec.Hex, job.Region, job.Resolution, rec.Density, rec.EstimatedPopulation, rec.Degenerate)
			}
			return s.db.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return fmt.Errorf("postgres batch %d/%d: %w", i+1, len(batches), err)
		}
		log.Debug().Int("batch", i+1).Int("batches", len(batches)).Msg("committed batch")
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO hex_density_jobs (region, resolution, hexagons) VALUES ($1, $2, $3)
		ON CONFLICT (region, resolution) DO UPDATE SET hexagons = EXCLUDED.hexagons, completed_at = now()`,
		job.Region, job.Resolution, len(records))
	if err != nil {
		return fmt.Errorf("postgres job marker: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
