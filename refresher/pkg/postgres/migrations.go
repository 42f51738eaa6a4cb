package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/gridscoutlabs/gridscout/refresher"
)

const migrationsDir = "db/postgres/migrations"

// slogGooseLogger adapts slog.Logger to the goose.Logger interface.
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func openForMigrations(connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	return db, nil
}

// RunMigrations applies all pending migrations (alias for Up).
func RunMigrations(ctx context.Context, log *slog.Logger, connStr string) error {
	return Up(ctx, log, connStr)
}

// Up runs all pending migrations.
func Up(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("running postgres migrations (up)")

	db, err := openForMigrations(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(refresher.PostgresMigrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("postgres migrations completed successfully")
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("rolling back postgres migration (down)")

	db, err := openForMigrations(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(refresher.PostgresMigrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	log.Info("postgres migration rolled back successfully")
	return nil
}

// Status prints the migration status.
func Status(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openForMigrations(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(refresher.PostgresMigrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.StatusContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}

// Version prints the current migration version.
func Version(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openForMigrations(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(refresher.PostgresMigrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.VersionContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	return nil
}
