package chtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/clickhouse"
)

// DBConfig holds the ClickHouse test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "gridscout_test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// DB is a ClickHouse test container shared by a package's tests. Each
// test gets its own database on the container.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

// MigrationConfig returns a migration config targeting the given
// database on the container.
func (db *DB) MigrationConfig(database string) clickhouse.MigrationConfig {
	return clickhouse.MigrationConfig{
		Addr:     db.addr,
		Database: database,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
		Secure:   false,
	}
}

// Close terminates the ClickHouse container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// NewDB starts a ClickHouse test container.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	// Container start can flake on busy hosts, retry a few times.
	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(cfg.Port+"/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

// goose keeps dialect and base FS in package globals, so concurrent
// migration runs from parallel tests must be serialized.
var migrateMu sync.Mutex

// NewTestClient connects to a uniquely named, fully migrated database
// on the container. The database is dropped on test cleanup.
func NewTestClient(t *testing.T, log *slog.Logger, db *DB) clickhouse.Client {
	t.Helper()

	admin := newClient(t, log, db, db.cfg.Database)
	adminConn, err := admin.Conn(t.Context())
	require.NoError(t, err)

	name := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	require.NoError(t, adminConn.Exec(t.Context(), "CREATE DATABASE IF NOT EXISTS "+name))

	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminConn.Exec(dropCtx, "DROP DATABASE IF EXISTS "+name); err != nil {
			db.log.Error("failed to drop test database", "database", name, "error", err)
		}
		admin.Close()
	})

	client := newClient(t, log, db, name)
	t.Cleanup(func() { _ = client.Close() })

	migrateMu.Lock()
	err = clickhouse.Up(context.Background(), log, db.MigrationConfig(name))
	migrateMu.Unlock()
	require.NoError(t, err, "failed to run migrations")

	return client
}

// NewTestConn returns a Connection bound to a fresh migrated database.
func NewTestConn(t *testing.T, log *slog.Logger, db *DB) clickhouse.Connection {
	t.Helper()
	client := NewTestClient(t, log, db)
	conn, err := client.Conn(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// newClient dials the container with connection retries: ClickHouse can
// accept TCP before it is ready to handshake.
func newClient(t *testing.T, log *slog.Logger, db *DB, database string) clickhouse.Client {
	t.Helper()
	var client clickhouse.Client
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		client, err = clickhouse.NewClient(t.Context(), log, db.addr, database, db.cfg.Username, db.cfg.Password, false)
		if err == nil {
			return client
		}
		if !isRetryableConnectionErr(err) || attempt == 3 {
			break
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	require.NoError(t, err, "failed to create clickhouse client")
	return client
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

func isRetryableConnectionErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "handshake") ||
		strings.Contains(s, "packet") ||
		strings.Contains(s, "failed to ping") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "dial tcp")
}
