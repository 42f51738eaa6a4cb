package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"

	"github.com/gridscoutlabs/gridscout/refresher"
)

const migrationsDir = "db/clickhouse/migrations"

// MigrationConfig points goose at a ClickHouse endpoint.
type MigrationConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

// CreateDatabase creates the target database if missing; migrations
// assume it already exists.
func CreateDatabase(ctx context.Context, log *slog.Logger, conn Connection, database string) error {
	log.Info("creating clickhouse database", "database", database)
	return conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database))
}

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

// RunMigrations applies all pending migrations (alias for Up).
func RunMigrations(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	return Up(ctx, log, cfg)
}

// Up runs all pending migrations.
func Up(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Info("running clickhouse migrations (up)")

	db := openForMigrations(cfg)
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(refresher.ClickHouseMigrationsFS)

	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("clickhouse migrations completed successfully")
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Info("rolling back clickhouse migration (down)")

	db := openForMigrations(cfg)
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(refresher.ClickHouseMigrationsFS)

	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	log.Info("clickhouse migration rolled back successfully")
	return nil
}

// Status prints the migration status.
func Status(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	db := openForMigrations(cfg)
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(refresher.ClickHouseMigrationsFS)

	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.StatusContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}

// openForMigrations returns a database/sql handle for goose.
func openForMigrations(cfg MigrationConfig) *sql.DB {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return clickhouse.OpenDB(options)
}
