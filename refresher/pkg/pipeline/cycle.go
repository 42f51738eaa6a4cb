package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/changes"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
)

// CycleState is the persisted position of a refresh cycle. The row in
// refresh_cycles is the source of truth for resumption after a crash or
// a deadline yield.
type CycleState string

const (
	StateIngesting           CycleState = "ingesting"
	StateDetecting           CycleState = "detecting"
	StateAggregatingStates   CycleState = "aggregating_states"
	StateAggregatingCounties CycleState = "aggregating_counties"
	StateAggregatingZips     CycleState = "aggregating_zips"
	StatePromotable          CycleState = "promotable"
	StatePromoted            CycleState = "promoted"
	StateFailed              CycleState = "failed"
	StateNoChanges           CycleState = "no_changes"
)

// resumableStates are the only states worth picking back up: everything
// earlier is redone from scratch because staging work is idempotent.
var resumableStates = []string{
	string(StateAggregatingZips),
	string(StatePromotable),
}

// Cycle is one refresh_cycles row.
type Cycle struct {
	ID         uuid.UUID
	State      CycleState
	Message    string
	Inserted   int
	Rejected   int
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// ChangeLogEntry is one change_log row, the per-cycle record of what
// the detector found.
type ChangeLogEntry struct {
	Added    int
	Removed  int
	Modified int
	States   []string
	Counties []string
	Zips     []string
}

const cycleColumns = "id, state, message, inserted, rejected, started_at, updated_at, finished_at"

type CycleStoreConfig struct {
	Logger *slog.Logger
	DB     *postgres.Client
	Clock  clockwork.Clock
}

func (cfg *CycleStoreConfig) Validate() error {
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

// CycleStore persists refresh cycle rows and the change log.
type CycleStore struct {
	log *slog.Logger
	cfg CycleStoreConfig
}

func NewCycleStore(cfg CycleStoreConfig) (*CycleStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CycleStore{log: cfg.Logger, cfg: cfg}, nil
}

// Begin inserts a fresh cycle row in the ingesting state.
func (s *CycleStore) Begin(ctx context.Context) (*Cycle, error) {
	now := s.cfg.Clock.Now().UTC()
	cyc := &Cycle{ID: uuid.New(), State: StateIngesting, StartedAt: now, UpdatedAt: now}
	_, err := s.cfg.DB.Pool().Exec(ctx, `
		INSERT INTO refresh_cycles (id, state, started_at, updated_at)
		VALUES ($1, $2, $3, $4)`,
		cyc.ID, string(cyc.State), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cycle: %w", err)
	}
	return cyc, nil
}

// SetState records a transition.
func (s *CycleStore) SetState(ctx context.Context, id uuid.UUID, state CycleState, message string) error {
	_, err := s.cfg.DB.Pool().Exec(ctx, `
		UPDATE refresh_cycles SET state = $2, message = $3, updated_at = $4 WHERE id = $1`,
		id, string(state), message, s.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set cycle state %s: %w", state, err)
	}
	return nil
}

// SetCounts records the ingest outcome on the cycle row.
func (s *CycleStore) SetCounts(ctx context.Context, id uuid.UUID, inserted, rejected int) error {
	_, err := s.cfg.DB.Pool().Exec(ctx, `
		UPDATE refresh_cycles SET inserted = $2, rejected = $3, updated_at = $4 WHERE id = $1`,
		id, inserted, rejected, s.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set cycle counts: %w", err)
	}
	return nil
}

// Finish stamps a terminal state.
func (s *CycleStore) Finish(ctx context.Context, id uuid.UUID, state CycleState, message string) error {
	now := s.cfg.Clock.Now().UTC()
	_, err := s.cfg.DB.Pool().Exec(ctx, `
		UPDATE refresh_cycles
		SET state = $2, message = $3, updated_at = $4, finished_at = $4
		WHERE id = $1`,
		id, string(state), message, now,
	)
	if err != nil {
		return fmt.Errorf("failed to finish cycle: %w", err)
	}
	return nil
}

// FinishTx is Finish inside the caller's transaction. Promotion uses it
// so the table swap and the promoted stamp commit together; replaying a
// swap that already committed would swap serving back out.
func (s *CycleStore) FinishTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, state CycleState, message string) error {
	now := s.cfg.Clock.Now().UTC()
	_, err := tx.Exec(ctx, `
		UPDATE refresh_cycles
		SET state = $2, message = $3, updated_at = $4, finished_at = $4
		WHERE id = $1`,
		id, string(state), message, now,
	)
	if err != nil {
		return fmt.Errorf("failed to finish cycle: %w", err)
	}
	return nil
}

// Resumable returns the most recent unfinished cycle parked in a
// resumable state, or nil.
func (s *CycleStore) Resumable(ctx context.Context) (*Cycle, error) {
	row := s.cfg.DB.Pool().QueryRow(ctx, `
		SELECT `+cycleColumns+`
		FROM refresh_cycles
		WHERE finished_at IS NULL AND state = ANY($1)
		ORDER BY started_at DESC
		LIMIT 1`,
		resumableStates,
	)
	return scanCycle(row)
}

// Latest returns the most recently started cycle, or nil when none
// exist.
func (s *CycleStore) Latest(ctx context.Context) (*Cycle, error) {
	row := s.cfg.DB.Pool().QueryRow(ctx, `
		SELECT `+cycleColumns+`
		FROM refresh_cycles
		ORDER BY started_at DESC
		LIMIT 1`,
	)
	return scanCycle(row)
}

// SupersedeStale fails unfinished cycles stuck in non-resumable states.
// Under the cycle lock any such row belongs to a crashed run.
func (s *CycleStore) SupersedeStale(ctx context.Context) error {
	tag, err := s.cfg.DB.Pool().Exec(ctx, `
		UPDATE refresh_cycles
		SET state = $1, message = 'superseded by a newer cycle', updated_at = $2, finished_at = $2
		WHERE finished_at IS NULL AND state <> ALL($3)`,
		string(StateFailed), s.cfg.Clock.Now().UTC(), resumableStates,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede stale cycles: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Warn("pipeline: superseded crashed cycles", "count", n)
	}
	return nil
}

// WriteChangeLog records what the detector found, keyed by cycle.
// Written at detection time so a resumed cycle still has its summary.
func (s *CycleStore) WriteChangeLog(ctx context.Context, id uuid.UUID, cs *changes.ChangeSet) (err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	states := make([]string, 0, len(cs.States))
	for code := range cs.States {
		states = append(states, code)
	}
	sort.Strings(states)

	counties := make([]string, 0, len(cs.Counties))
	for fips := range cs.Counties {
		counties = append(counties, fips)
	}
	sort.Strings(counties)

	zips := make([]string, 0, len(cs.Zips))
	for key := range cs.Zips {
		zips = append(zips, key.StateCode+":"+key.ZipCode)
	}
	sort.Strings(zips)

	_, err = s.cfg.DB.Pool().Exec(ctx, `
		INSERT INTO change_log (cycle_id, detected_at, added, removed, modified,
			affected_states, affected_counties, affected_zips)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, s.cfg.Clock.Now().UTC(), cs.Added, cs.Removed, cs.Modified,
		states, counties, zips,
	)
	if err != nil {
		return fmt.Errorf("failed to write change log: %w", err)
	}
	return nil
}

// ChangeLogFor returns the cycle's change log entry, or nil when the
// cycle never reached detection.
func (s *CycleStore) ChangeLogFor(ctx context.Context, id uuid.UUID) (*ChangeLogEntry, error) {
	var e ChangeLogEntry
	err := s.cfg.DB.Pool().QueryRow(ctx, `
		SELECT added, removed, modified, affected_states, affected_counties, affected_zips
		FROM change_log
		WHERE cycle_id = $1
		ORDER BY detected_at DESC
		LIMIT 1`,
		id,
	).Scan(&e.Added, &e.Removed, &e.Modified, &e.States, &e.Counties, &e.Zips)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}
	return &e, nil
}

func scanCycle(row pgx.Row) (*Cycle, error) {
	var cyc Cycle
	var state string
	err := row.Scan(&cyc.ID, &state, &cyc.Message, &cyc.Inserted, &cyc.Rejected,
		&cyc.StartedAt, &cyc.UpdatedAt, &cyc.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cycle: %w", err)
	}
	cyc.State = CycleState(state)
	return &cyc, nil
}
