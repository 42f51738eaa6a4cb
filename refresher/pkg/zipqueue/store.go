package zipqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

// queueTable survives promotion: it is keyed by cycle id, not by the
// staging/serving split.
const queueTable = "zip_refresh_queue"

// Progress reports how far a cycle's ZIP work has come.
type Progress struct {
	Done  int
	Total int
}

// Complete is true once every enqueued ZIP is processed. An empty queue
// is trivially complete.
func (p Progress) Complete() bool {
	return p.Done >= p.Total
}

// Fraction is Done over Total, 1 for an empty queue.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Done) / float64(p.Total)
}

type StoreConfig struct {
	Logger *slog.Logger
	DB     *postgres.Client
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store persists the per-cycle ZIP work queue. Rows are inserted once
// when change detection finishes and flipped to processed chunk by
// chunk; the rows themselves are the resumption marker.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// Enqueue adds the keys to the cycle's queue. Re-enqueueing is a no-op,
// so a resumed cycle can replay its change set safely.
func (s *Store) Enqueue(ctx context.Context, cycleID uuid.UUID, keys []stations.ZipKey) (err error) {
	if len(keys) == 0 {
		return nil
	}
	defer postgres.RecordQuery(time.Now(), &err)

	states := make([]string, len(keys))
	zips := make([]string, len(keys))
	for i, k := range keys {
		states[i] = k.StateCode
		zips[i] = k.ZipCode
	}

	_, err = s.cfg.DB.Pool().Exec(ctx, `
		INSERT INTO `+queueTable+` (cycle_id, state_code, zip_code, enqueued_at)
		SELECT $1, k.state_code, k.zip_code, $4
		FROM unnest($2::text[], $3::text[]) AS k(state_code, zip_code)
		ON CONFLICT DO NOTHING`,
		cycleID, states, zips, s.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue zips: %w", err)
	}
	return nil
}

// Pending returns up to limit unprocessed keys in lexicographic
// zip-code order, strictly after the given cursor key. A zero cursor
// starts from the beginning.
func (s *Store) Pending(ctx context.Context, cycleID uuid.UUID, after stations.ZipKey, limit int) ([]stations.ZipKey, error) {
	rows, err := s.cfg.DB.Pool().Query(ctx, `
		SELECT state_code, zip_code
		FROM `+queueTable+`
		WHERE cycle_id = $1 AND processed_at IS NULL
		  AND (zip_code, state_code) > ($2, $3)
		ORDER BY zip_code, state_code
		LIMIT $4`,
		cycleID, after.ZipCode, after.StateCode, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending zips: %w", err)
	}
	defer rows.Close()

	var keys []stations.ZipKey
	for rows.Next() {
		var k stations.ZipKey
		if err := rows.Scan(&k.StateCode, &k.ZipCode); err != nil {
			return nil, fmt.Errorf("failed to scan pending zip: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending zips: %w", err)
	}
	return keys, nil
}

// MarkProcessed stamps the keys as done for this cycle.
func (s *Store) MarkProcessed(ctx context.Context, cycleID uuid.UUID, keys []stations.ZipKey) (err error) {
	if len(keys) == 0 {
		return nil
	}
	defer postgres.RecordQuery(time.Now(), &err)

	states := make([]string, len(keys))
	zips := make([]string, len(keys))
	for i, k := range keys {
		states[i] = k.StateCode
		zips[i] = k.ZipCode
	}

	_, err = s.cfg.DB.Pool().Exec(ctx, `
		UPDATE `+queueTable+` q
		SET processed_at = $4
		FROM unnest($2::text[], $3::text[]) AS k(state_code, zip_code)
		WHERE q.cycle_id = $1
		  AND q.state_code = k.state_code AND q.zip_code = k.zip_code`,
		cycleID, states, zips, s.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark zips processed: %w", err)
	}
	return nil
}

// Progress counts the cycle's processed and total queue rows.
func (s *Store) Progress(ctx context.Context, cycleID uuid.UUID) (Progress, error) {
	var p Progress
	err := s.cfg.DB.Pool().QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE processed_at IS NOT NULL), count(*)
		FROM `+queueTable+`
		WHERE cycle_id = $1`,
		cycleID,
	).Scan(&p.Done, &p.Total)
	if err != nil {
		return Progress{}, fmt.Errorf("failed to count zip queue: %w", err)
	}
	return p, nil
}
