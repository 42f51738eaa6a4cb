package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/aggregate"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/changes"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/geo"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	pgtesting "github.com/gridscoutlabs/gridscout/refresher/pkg/postgres/testing"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/zipqueue"
	gridtesting "github.com/gridscoutlabs/gridscout/utils/pkg/testing"
)

func testStart() time.Time {
	return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
}

type mockIngestor struct {
	IngestFunc func(ctx context.Context) (int, int, error)
}

func (m *mockIngestor) Ingest(ctx context.Context) (int, int, error) {
	return m.IngestFunc(ctx)
}

type mockDetector struct {
	DetectFunc func(ctx context.Context) (*changes.ChangeSet, error)
}

func (m *mockDetector) Detect(ctx context.Context) (*changes.ChangeSet, error) {
	return m.DetectFunc(ctx)
}

type mockAggregator struct {
	StatesFunc      func(ctx context.Context) (int, error)
	AllCountiesFunc func(ctx context.Context) (int, error)
	CountiesFunc    func(ctx context.Context, targets map[string]geo.CountyRef) (int, error)
}

func (m *mockAggregator) States(ctx context.Context) (int, error) {
	return m.StatesFunc(ctx)
}

func (m *mockAggregator) AllCounties(ctx context.Context) (int, error) {
	return m.AllCountiesFunc(ctx)
}

func (m *mockAggregator) Counties(ctx context.Context, targets map[string]geo.CountyRef) (int, error) {
	return m.CountiesFunc(ctx, targets)
}

type mockCounter struct {
	counts map[string]int64
}

func (m *mockCounter) Count(ctx context.Context, table string) (int64, error) {
	return m.counts[table], nil
}

// drainRunner marks the whole queue processed. Scenario aggregate rows
// come from the engine mocks instead.
type drainRunner struct {
	queue *zipqueue.Store
}

func (d *drainRunner) Run(ctx context.Context, cycleID uuid.UUID, deadline time.Time) (zipqueue.Progress, error) {
	var cursor stations.ZipKey
	for {
		keys, err := d.queue.Pending(ctx, cycleID, cursor, 500)
		if err != nil {
			return zipqueue.Progress{}, err
		}
		if len(keys) == 0 {
			break
		}
		if err := d.queue.MarkProcessed(ctx, cycleID, keys); err != nil {
			return zipqueue.Progress{}, err
		}
		cursor = keys[len(keys)-1]
	}
	return d.queue.Progress(ctx, cycleID)
}

// boundedRunner marks at most limit keys per invocation, standing in
// for a run that hits the cycle deadline mid-queue.
type boundedRunner struct {
	queue *zipqueue.Store
	limit int
}

func (b *boundedRunner) Run(ctx context.Context, cycleID uuid.UUID, deadline time.Time) (zipqueue.Progress, error) {
	remaining := b.limit
	var cursor stations.ZipKey
	for remaining > 0 {
		keys, err := b.queue.Pending(ctx, cycleID, cursor, remaining)
		if err != nil {
			return zipqueue.Progress{}, err
		}
		if len(keys) == 0 {
			break
		}
		if err := b.queue.MarkProcessed(ctx, cycleID, keys); err != nil {
			return zipqueue.Progress{}, err
		}
		cursor = keys[len(keys)-1]
		remaining -= len(keys)
	}
	return b.queue.Progress(ctx, cycleID)
}

type recordingReporter struct {
	reports []CycleReport
}

func (r *recordingReporter) ReportCycle(ctx context.Context, report CycleReport) error {
	r.reports = append(r.reports, report)
	return nil
}

type failingReporter struct{}

func (r *failingReporter) ReportCycle(ctx context.Context, report CycleReport) error {
	return errors.New("sink offline")
}

func stateRow(code, name string, total int) aggregate.Row {
	return aggregate.Row{
		StateCode:  code,
		Name:       name,
		Latitude:   39.5,
		Longitude:  -105.2,
		Population: 1_000_000,
		Tally:      aggregate.Tally{Total: total, Level2: total, TotalPorts: total * 2},
		ZoomRange:  aggregate.ZoomStates,
		ComputedAt: testStart(),
	}
}

func countyRow(fips, state, name string, total int) aggregate.Row {
	return aggregate.Row{
		CountyFIPS: fips,
		StateCode:  state,
		Name:       name,
		Latitude:   37.7,
		Longitude:  -122.4,
		Population: 800_000,
		Tally:      aggregate.Tally{Total: total, DCFast: total, TotalPorts: total * 4},
		ZoomRange:  aggregate.ZoomCounties,
		ComputedAt: testStart(),
	}
}

func testChangeSet() *changes.ChangeSet {
	cs := changes.NewChangeSet()
	cs.Added = 3
	cs.States["CA"] = struct{}{}
	cs.States["NV"] = struct{}{}
	cs.Counties["06075"] = geo.CountyRef{FIPS: "06075", StateCode: "CA", Name: "San Francisco"}
	cs.Zips[stations.ZipKey{StateCode: "CA", ZipCode: "94110"}] = struct{}{}
	cs.Zips[stations.ZipKey{StateCode: "NV", ZipCode: "89109"}] = struct{}{}
	return cs
}

type fixture struct {
	log       *slog.Logger
	client    *postgres.Client
	pool      *pgxpool.Pool
	clock     *clockwork.FakeClock
	cycles    *CycleStore
	queue     *zipqueue.Store
	aggs      *aggregate.Store
	stns      *mockCounter
	ing       *mockIngestor
	det       *mockDetector
	eng       *mockAggregator
	runner    ZipRunner
	reporters []Reporter
}

// newFixture wires a pipeline against a real per-test database: real
// cycle, queue, and aggregate stores, mock ingest/detect/engine
// collaborators that write through the real stores.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := gridtesting.NewLogger()
	client := pgtesting.NewTestClient(t, log, sharedDB)
	clock := clockwork.NewFakeClockAt(testStart())

	cycles, err := NewCycleStore(CycleStoreConfig{Logger: log, DB: client, Clock: clock})
	require.NoError(t, err)
	queue, err := zipqueue.NewStore(zipqueue.StoreConfig{Logger: log, DB: client, Clock: clock})
	require.NoError(t, err)
	aggs, err := aggregate.NewStore(aggregate.StoreConfig{Logger: log, DB: client})
	require.NoError(t, err)

	f := &fixture{
		log:    log,
		client: client,
		pool:   client.Pool(),
		clock:  clock,
		cycles: cycles,
		queue:  queue,
		aggs:   aggs,
		stns:   &mockCounter{counts: map[string]int64{stations.StagingTable: 100}},
	}
	f.ing = &mockIngestor{
		IngestFunc: func(ctx context.Context) (int, int, error) { return 100, 0, nil },
	}
	f.det = &mockDetector{
		DetectFunc: func(ctx context.Context) (*changes.ChangeSet, error) { return testChangeSet(), nil },
	}
	f.eng = &mockAggregator{
		StatesFunc: func(ctx context.Context) (int, error) {
			rows := []aggregate.Row{stateRow("CA", "California", 5), stateRow("NV", "Nevada", 2)}
			if err := aggs.ReplaceStateRows(ctx, rows); err != nil {
				return 0, err
			}
			return len(rows), nil
		},
		AllCountiesFunc: func(ctx context.Context) (int, error) {
			rows := []aggregate.Row{countyRow("06075", "CA", "San Francisco", 5)}
			if err := aggs.ReplaceCountyRows(ctx, rows); err != nil {
				return 0, err
			}
			return len(rows), nil
		},
		CountiesFunc: func(ctx context.Context, targets map[string]geo.CountyRef) (int, error) {
			rows := make([]aggregate.Row, 0, len(targets))
			for fips, ref := range targets {
				rows = append(rows, countyRow(fips, ref.StateCode, ref.Name, 3))
			}
			if err := aggs.ReplaceCountyRows(ctx, rows); err != nil {
				return 0, err
			}
			return len(rows), nil
		},
	}
	f.runner = &drainRunner{queue: queue}
	return f
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Logger:     f.log,
		Clock:      f.clock,
		DB:         f.client,
		Cycles:     f.cycles,
		Ingestor:   f.ing,
		Detector:   f.det,
		Engine:     f.eng,
		ZipQueue:   f.queue,
		ZipRunner:  f.runner,
		Stations:   f.stns,
		Aggregates: f.aggs,
		Reporters:  f.reporters,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) cycleCount(t *testing.T, ctx context.Context) int {
	t.Helper()
	var n int
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT count(*) FROM refresh_cycles").Scan(&n))
	return n
}

func TestGridScout_Pipeline_Run_BootstrapPromotes(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	allCounties := false
	base := f.eng.AllCountiesFunc
	f.eng.AllCountiesFunc = func(ctx context.Context) (int, error) {
		allCounties = true
		return base(ctx)
	}
	rec := &recordingReporter{}
	f.reporters = []Reporter{rec, &failingReporter{}}

	res, err := f.pipeline(t).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPromoted, res.Status)
	require.Equal(t, 1.0, res.Completion)
	require.Equal(t, 100, res.Counts.Inserted)
	require.Equal(t, 3, res.Counts.Added)
	require.Equal(t, 2, res.Counts.States)
	require.Equal(t, 1, res.Counts.Counties)
	require.Equal(t, 2, res.Counts.Zips)
	require.True(t, allCounties, "empty serving must rebuild every county")

	// The swap moved staging into serving and resynced staging.
	serving, err := f.aggs.Count(ctx, aggregate.StateServing)
	require.NoError(t, err)
	require.EqualValues(t, 2, serving)
	staging, err := f.aggs.Count(ctx, aggregate.StateStaging)
	require.NoError(t, err)
	require.EqualValues(t, 2, staging)
	counties, err := f.aggs.Count(ctx, aggregate.CountyServing)
	require.NoError(t, err)
	require.EqualValues(t, 1, counties)

	cyc, err := f.cycles.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, res.CycleID, cyc.ID)
	require.Equal(t, StatePromoted, cyc.State)
	require.NotNil(t, cyc.FinishedAt)

	entry, err := f.cycles.ChangeLogFor(ctx, res.CycleID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 3, entry.Added)
	require.Equal(t, []string{"CA", "NV"}, entry.States)

	// The failing reporter was logged and ignored; the recorder saw
	// the terminal report.
	require.Len(t, rec.reports, 1)
	require.True(t, rec.reports[0].Promoted)
	require.Equal(t, StatusPromoted, rec.reports[0].Status)
	require.Equal(t, 2, rec.reports[0].AffectedZips)
}

func TestGridScout_Pipeline_Run_NoChangesLeavesServingUntouched(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	f.det.DetectFunc = func(ctx context.Context) (*changes.ChangeSet, error) {
		return changes.NewChangeSet(), nil
	}
	statesCalled := false
	f.eng.StatesFunc = func(ctx context.Context) (int, error) {
		statesCalled = true
		return 0, nil
	}

	res, err := f.pipeline(t).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusNoChanges, res.Status)
	require.Equal(t, 1.0, res.Completion)
	require.False(t, statesCalled, "no changes must skip aggregation")

	serving, err := f.aggs.Count(ctx, aggregate.StateServing)
	require.NoError(t, err)
	require.Zero(t, serving)

	cyc, err := f.cycles.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, StateNoChanges, cyc.State)
	require.NotNil(t, cyc.FinishedAt)
}

func TestGridScout_Pipeline_Run_EmptyRegistryAborts(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	f.ing.IngestFunc = func(ctx context.Context) (int, int, error) { return 0, 40, nil }

	res, err := f.pipeline(t).Run(ctx)
	require.ErrorIs(t, err, ErrInvariant)
	require.Equal(t, StatusFailed, res.Status)

	cyc, err := f.cycles.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, StateFailed, cyc.State)
	require.NotNil(t, cyc.FinishedAt)
}

func TestGridScout_Pipeline_Run_ShrunkenFeedAborts(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	// Staging at exactly half of serving is still a rejection.
	f.stns.counts = map[string]int64{
		stations.StagingTable: 5,
		stations.ServingTable: 10,
	}
	f.ing.IngestFunc = func(ctx context.Context) (int, int, error) { return 5, 0, nil }

	res, err := f.pipeline(t).Run(ctx)
	require.ErrorIs(t, err, ErrInvariant)
	require.Equal(t, StatusFailed, res.Status)
	require.Contains(t, res.Message, "half")

	serving, err := f.aggs.Count(ctx, aggregate.StateServing)
	require.NoError(t, err)
	require.Zero(t, serving, "serving must stay untouched on an aborted cycle")

	// Recovery: the next run with a healthy feed promotes.
	f.stns.counts = map[string]int64{
		stations.StagingTable: 100,
		stations.ServingTable: 10,
	}
	f.ing.IngestFunc = func(ctx context.Context) (int, int, error) { return 100, 0, nil }

	res, err = f.pipeline(t).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPromoted, res.Status)
}

func TestGridScout_Pipeline_Run_UpstreamFailureMapsToSentinel(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	f.ing.IngestFunc = func(ctx context.Context) (int, int, error) {
		return 0, 0, errors.New("registry returned 503")
	}

	res, err := f.pipeline(t).Run(ctx)
	require.ErrorIs(t, err, ErrUpstream)
	require.Equal(t, StatusFailed, res.Status)
	require.Contains(t, res.Message, "503")

	cyc, err := f.cycles.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, StateFailed, cyc.State)
}

func TestGridScout_Pipeline_Run_RefusesConcurrentCycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	lock, ok, err := postgres.AcquireCycleLock(ctx, f.log, f.pool)
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Release(ctx)

	res, err := f.pipeline(t).Run(ctx)
	require.ErrorIs(t, err, ErrCycleInProgress)
	require.Nil(t, res)
	require.Zero(t, f.cycleCount(t, ctx), "a refused run must not open a cycle row")
}

func TestGridScout_Pipeline_Run_PartialZipYieldsAndResumes(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	cs := testChangeSet()
	cs.Zips = map[stations.ZipKey]struct{}{}
	for i := 0; i < 5; i++ {
		cs.Zips[stations.ZipKey{StateCode: "CA", ZipCode: fmt.Sprintf("9410%d", i)}] = struct{}{}
	}
	f.det.DetectFunc = func(ctx context.Context) (*changes.ChangeSet, error) { return cs, nil }
	f.runner = &boundedRunner{queue: f.queue, limit: 3}

	p := f.pipeline(t)
	res, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, res.Status)
	require.True(t, res.Partial())
	require.Equal(t, 3, res.Counts.Zips)
	require.InDelta(t, 0.6, res.Completion, 1e-9)
	require.Contains(t, res.Message, "3/5")

	cyc, err := f.cycles.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, StateAggregatingZips, cyc.State)
	require.Nil(t, cyc.FinishedAt)

	// Second invocation resumes the same cycle instead of starting
	// over, finishes the queue, and promotes.
	res, err = p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPromoted, res.Status)
	require.Equal(t, res.CycleID, cyc.ID)
	require.Equal(t, 100, res.Counts.Inserted, "counts carry over from the parked cycle row")
	require.Equal(t, 3, res.Counts.Added)
	require.Equal(t, 5, res.Counts.Zips)
	require.Equal(t, 1, f.cycleCount(t, ctx))

	cyc, err = f.cycles.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, StatePromoted, cyc.State)
	require.NotNil(t, cyc.FinishedAt)
}

func TestGridScout_Pipeline_Run_FailedSwapStaysPromotable(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	// Breaking one rename target makes the swap transaction fail after
	// the station and state renames already ran.
	_, err := f.pool.Exec(ctx, "DROP TABLE "+aggregate.ZipStaging)
	require.NoError(t, err)

	p := f.pipeline(t)
	res, err := p.Run(ctx)
	require.ErrorIs(t, err, ErrPromotionFailed)
	require.Equal(t, StatusFailed, res.Status)

	// The transaction rolled back as a unit: serving still empty,
	// staging still loaded, cycle parked in promotable.
	serving, err := f.aggs.Count(ctx, aggregate.StateServing)
	require.NoError(t, err)
	require.Zero(t, serving)
	staging, err := f.aggs.Count(ctx, aggregate.StateStaging)
	require.NoError(t, err)
	require.EqualValues(t, 2, staging)

	cyc, err := f.cycles.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, StatePromotable, cyc.State)
	require.Nil(t, cyc.FinishedAt)

	// Once the table is back, the next invocation resumes at
	// promotable and retries only the swap.
	_, err = f.pool.Exec(ctx,
		"CREATE TABLE "+aggregate.ZipStaging+" (LIKE "+aggregate.ZipServing+" INCLUDING ALL)")
	require.NoError(t, err)

	res, err = p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPromoted, res.Status)
	require.Equal(t, cyc.ID, res.CycleID)

	serving, err = f.aggs.Count(ctx, aggregate.StateServing)
	require.NoError(t, err)
	require.EqualValues(t, 2, serving)
	require.Equal(t, 1, f.cycleCount(t, ctx))
}

func TestGridScout_Pipeline_Run_SupersedesCrashedCycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	staleID := uuid.New()
	_, err := f.pool.Exec(ctx, `
		INSERT INTO refresh_cycles (id, state, started_at, updated_at)
		VALUES ($1, 'detecting', $2, $2)`,
		staleID, testStart().Add(-time.Hour),
	)
	require.NoError(t, err)

	res, err := f.pipeline(t).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPromoted, res.Status)
	require.NotEqual(t, staleID, res.CycleID)

	var state, message string
	var finished *time.Time
	require.NoError(t, f.pool.QueryRow(ctx,
		"SELECT state, message, finished_at FROM refresh_cycles WHERE id = $1", staleID,
	).Scan(&state, &message, &finished))
	require.Equal(t, string(StateFailed), state)
	require.Equal(t, "superseded by a newer cycle", message)
	require.NotNil(t, finished)
}

func TestGridScout_Pipeline_Run_WarmRunTargetsChangedCounties(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	f.stns.counts = map[string]int64{
		stations.StagingTable: 100,
		stations.ServingTable: 98,
	}

	var got []string
	base := f.eng.CountiesFunc
	f.eng.CountiesFunc = func(ctx context.Context, targets map[string]geo.CountyRef) (int, error) {
		for fips := range targets {
			got = append(got, fips)
		}
		return base(ctx, targets)
	}
	allCounties := false
	f.eng.AllCountiesFunc = func(ctx context.Context) (int, error) {
		allCounties = true
		return 0, nil
	}

	res, err := f.pipeline(t).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPromoted, res.Status)
	require.Equal(t, []string{"06075"}, got)
	require.False(t, allCounties, "warm runs only rebuild changed counties")
}
