package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the Postgres instance, the migrated pool and the teardown of
// an isolated schema when a shared database is reused.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness starts Postgres 16 (or reuses overrideDSN / SharedDSNEnv)
// and applies the migrations.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	pgC, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	shared := pgC.C == nil

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: pgC, pool: pool, teardown: teardown, dsn: dsn}, nil
}

func (h *Harness) Pool() *pgxpool.Pool { return h.pool }

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string { return h.dsn }

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if cerr := h.container.Terminate(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
// TRUNCATE bypasses the row-level no-delete triggers.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"dispute_timeline",
		"disputes",
		"seller_stats",
		"orders",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
