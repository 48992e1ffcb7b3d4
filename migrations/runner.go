package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// migrationsTable is where golang-migrate records applied versions.
const migrationsTable = "schema_migrations"

// Runner applies the embedded migrations to a PostgreSQL database.
// The other dialects receive their schema through the storage layer's
// SystemTablesSQL path instead.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	set     *Set
	log     *slog.Logger
}

// migrateLogger adapts slog to the migrate.Logger interface.
type migrateLogger struct {
	log *slog.Logger
}

var _ migrate.Logger = (*migrateLogger)(nil)

// NewRunner creates a migration runner against the given database URL.
// The embedded set is validated before any connection is opened.
func NewRunner(ctx context.Context, databaseURL string, log *slog.Logger) (*Runner, error) {
	set := NewSet(nil)

	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("creating postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(set.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("creating embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	m.Log = &migrateLogger{log: log}

	return &Runner{migrate: m, db: db, set: set, log: log}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := r.set.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.log.Info("no new migrations to apply")
	} else {
		r.log.Info("all migrations applied")
	}

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if err := r.set.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.log.Info("no migrations to roll back")
	} else {
		r.log.Info("last migration rolled back")
	}

	return nil
}

// Status logs the current database version against what the binary
// embeds.
func (r *Runner) Status() error {
	version, dirty, err := r.migrate.Version()

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		r.log.Info("migration status",
			slog.String("database", "no migrations applied"),
			slog.Int("available", r.set.MaxVersion()))

		return nil
	case err != nil:
		return fmt.Errorf("reading migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	r.log.Info("migration status",
		slog.Uint64("version", uint64(version)),
		slog.String("state", state),
		slog.Int("available", r.set.MaxVersion()))

	return nil
}

// Version logs the current database schema version.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		r.log.Info("no migrations applied")

		return nil
	case err != nil:
		return fmt.Errorf("reading migration version: %w", err)
	}

	r.log.Info("current version",
		slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))

	return nil
}

// Drop removes every table in the database. Destructive; only the CLI
// exposes it, behind an explicit subcommand.
func (r *Runner) Drop() error {
	r.log.Warn("dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.log.Info("all tables dropped")

	return nil
}

// Close releases the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("closing migration source: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("closing migrate database handle: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database connection: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
