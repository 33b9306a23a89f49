package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/migrate"
)

//go:embed *.sql
var migrationFS embed.FS

// FS exposes the embedded SQL for external runners.
var FS = migrationFS

// Migrations is a bun/migrate registry for this module.
var Migrations = migrate.NewMigrations()

func init() {
	// Discover SQL migrations from embedded filesystem.
	_ = Migrations.Discover(migrationFS)
}

// Runner applies the embedded schema through bun's migrator, sharing the
// service's pgx pool.
type Runner struct {
	db  *bun.DB
	m   *migrate.Migrator
	log logrus.FieldLogger
}

func NewRunner(pool *pgxpool.Pool, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	return &Runner{db: db, m: migrate.NewMigrator(db, Migrations), log: log}
}

func (r *Runner) Close() error { return r.db.Close() }

// Up applies every pending migration under bun's advisory table lock.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.m.Init(ctx); err != nil {
		return fmt.Errorf("init migration tables: %w", err)
	}
	if err := r.m.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() { _ = r.m.Unlock(ctx) }()

	group, err := r.m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if group.IsZero() {
		r.log.Info("schema up to date")
		return nil
	}
	r.log.WithField("group", group.String()).Info("schema migrated")
	return nil
}

// Down rolls back the most recent migration group.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.m.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() { _ = r.m.Unlock(ctx) }()

	group, err := r.m.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if group.IsZero() {
		r.log.Info("nothing to roll back")
		return nil
	}
	r.log.WithField("group", group.String()).Info("schema rolled back")
	return nil
}

// Pending lists migrations not yet applied.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	if err := r.m.Init(ctx); err != nil {
		return nil, err
	}
	ms, err := r.m.MigrationsWithStatus(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range ms.Unapplied() {
		out = append(out, m.Name)
	}
	return out, nil
}
