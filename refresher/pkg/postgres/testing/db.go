package pgtesting

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
)

// DBConfig holds the PostgreSQL test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "gridscout_test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB represents a PostgreSQL test container shared by a package's
// tests. Each test gets its own database on the container, so parallel
// tests never see each other's rows and promotion table swaps stay
// isolated.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	connStr   string
	admin     *pgxpool.Pool
	container *tcpostgres.PostgresContainer
}

// ConnStr returns the container's admin connection string.
func (db *DB) ConnStr() string {
	return db.connStr
}

// Close terminates the PostgreSQL container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db.admin.Close()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// NewDB starts a PostgreSQL test container.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	// Container start can flake on busy hosts, retry a few times.
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}

	admin, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create admin pool: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		connStr:   connStr,
		admin:     admin,
		container: container,
	}, nil
}

// goose keeps dialect and base FS in package globals, so concurrent
// migration runs from parallel tests must be serialized.
var migrateMu sync.Mutex

// NewTestDatabase creates a uniquely named database on the container,
// applies the refresher migrations, and registers a forced drop on test
// cleanup. Returns the database's connection string.
func (db *DB) NewTestDatabase(t *testing.T, log *slog.Logger) string {
	name := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	_, err := db.admin.Exec(context.Background(), "CREATE DATABASE "+name)
	require.NoError(t, err, "failed to create test database")

	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := db.admin.Exec(dropCtx, "DROP DATABASE IF EXISTS "+name+" WITH (FORCE)"); err != nil {
			db.log.Error("failed to drop test database", "database", name, "error", err)
		}
	})

	u, err := url.Parse(db.connStr)
	require.NoError(t, err, "failed to parse connection string")
	u.Path = "/" + name
	connStr := u.String()

	migrateMu.Lock()
	err = postgres.Up(context.Background(), log, connStr)
	migrateMu.Unlock()
	require.NoError(t, err, "failed to run migrations")

	return connStr
}

// NewTestClient creates a postgres client connected to a fresh migrated
// database, closed on test cleanup.
func NewTestClient(t *testing.T, log *slog.Logger, db *DB) *postgres.Client {
	connStr := db.NewTestDatabase(t, log)

	client, err := postgres.New(t.Context(), postgres.Config{
		Logger:  log,
		ConnStr: connStr,
	})
	require.NoError(t, err, "failed to create postgres client")

	t.Cleanup(client.Close)
	return client
}

// NewTestPool creates a bare pgx pool on a fresh migrated database.
func NewTestPool(t *testing.T, log *slog.Logger, db *DB) *pgxpool.Pool {
	connStr := db.NewTestDatabase(t, log)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err, "failed to parse pool config")

	pool, err := pgxpool.NewWithConfig(t.Context(), poolConfig)
	require.NoError(t, err, "failed to create pool")

	t.Cleanup(pool.Close)
	return pool
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
