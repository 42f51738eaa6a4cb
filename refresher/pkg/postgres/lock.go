package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// cycleLockKey identifies the session advisory lock that guards refresh
// cycles. Replicas contend on the same key, so at most one cycle runs
// across all processes sharing the database.
const cycleLockKey int64 = 0x67726964

// CycleLock holds a session-level advisory lock on a dedicated pooled
// connection. The lock is released explicitly or when the session dies,
// so a crashed cycle never wedges the pipeline.
type CycleLock struct {
	log  *slog.Logger
	conn *pgxpool.Conn
	key  int64
}

// AcquireCycleLock attempts to take the cycle guard without blocking.
// The second return value reports whether the lock was acquired.
func AcquireCycleLock(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) (*CycleLock, bool, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for cycle lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", cycleLockKey).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take cycle lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	log.Debug("cycle lock acquired", "key", cycleLockKey)
	return &CycleLock{log: log, conn: conn, key: cycleLockKey}, true, nil
}

// Release unlocks the advisory lock and returns the connection to the
// pool. Safe to call once.
func (l *CycleLock) Release(ctx context.Context) {
	defer l.conn.Release()
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
		l.log.Warn("failed to release cycle lock, session teardown will reclaim it", "error", err)
	}
}
