package zipqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/aggregate"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/refdata"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
	gridtesting "github.com/gridscoutlabs/gridscout/utils/pkg/testing"
)

func testStart() time.Time {
	return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
}

type mockZipStations struct {
	ByZipsFunc func(ctx context.Context, keys []stations.ZipKey) ([]stations.Station, error)
}

func (m *mockZipStations) ByZips(ctx context.Context, keys []stations.ZipKey) ([]stations.Station, error) {
	return m.ByZipsFunc(ctx, keys)
}

type mockPopulations struct {
	BatchFunc func(ctx context.Context, zips []string) (map[string]refdata.Population, error)
}

func (m *mockPopulations) PopulationBatchZIP(ctx context.Context, zips []string) (map[string]refdata.Population, error) {
	return m.BatchFunc(ctx, zips)
}

// failingWriter refuses any chunk containing failZip and delegates the
// rest.
type failingWriter struct {
	inner   RowWriter
	failZip string
}

func (w *failingWriter) ReplaceZipRows(ctx context.Context, keys []stations.ZipKey, rows []aggregate.Row) error {
	for _, k := range keys {
		if k.ZipCode == w.failZip {
			return errors.New("writer exploded")
		}
	}
	return w.inner.ReplaceZipRows(ctx, keys, rows)
}

func stationFor(k stations.ZipKey) stations.Station {
	return stations.Station{
		ExternalID: 1,
		Name:       "Depot " + k.ZipCode,
		StateCode:  k.StateCode,
		ZipCode:    k.ZipCode,
		Level:      stations.LevelDCFast,
		NumPorts:   2,
		Latitude:   37.7,
		Longitude:  -122.4,
		Connectors: []stations.Connector{stations.ConnectorCCS},
	}
}

// onePerKey serves exactly one dcfast station for every requested key.
func onePerKey() *mockZipStations {
	return &mockZipStations{
		ByZipsFunc: func(ctx context.Context, keys []stations.ZipKey) ([]stations.Station, error) {
			out := make([]stations.Station, len(keys))
			for i, k := range keys {
				out[i] = stationFor(k)
			}
			return out, nil
		},
	}
}

func estimatedPops() *mockPopulations {
	return &mockPopulations{
		BatchFunc: func(ctx context.Context, zips []string) (map[string]refdata.Population, error) {
			out := make(map[string]refdata.Population, len(zips))
			for _, z := range zips {
				out[z] = refdata.Population{Value: 15_000, Source: refdata.SourceEstimate}
			}
			return out, nil
		},
	}
}

func testRunner(t *testing.T, clock clockwork.Clock, queue *Store, st StationsByZip, pops PopulationBatcher, writer RowWriter, chunkSize int) *Runner {
	t.Helper()
	runner, err := NewRunner(RunnerConfig{
		Logger:      gridtesting.NewLogger(),
		Clock:       clock,
		Queue:       queue,
		Stations:    st,
		Populations: pops,
		Aggregates:  writer,
		ChunkSize:   chunkSize,
		ChunkPace:   time.Millisecond,
	})
	require.NoError(t, err)
	return runner
}

func TestGridScout_ZipQueue_Runner_DrainsQueueInChunks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testStart())
	queue, agg, pool := testStores(t, clock)
	cycleID := seedCycle(t, pool)
	ctx := t.Context()

	keys := []stations.ZipKey{
		key("CA", "94110"), key("CA", "94103"), key("NV", "89109"),
		key("WA", "98101"), key("CA", "90210"),
	}
	require.NoError(t, queue.Enqueue(ctx, cycleID, keys))

	runner := testRunner(t, clock, queue, onePerKey(), estimatedPops(), agg, 2)
	p, err := runner.Run(ctx, cycleID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, Progress{Done: 5, Total: 5}, p)
	require.True(t, p.Complete())

	n, err := agg.Count(ctx, aggregate.ZipStaging)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	var total, score int
	var pop int64
	var estimated bool
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT total_chargers, ev_infrastructure_score, population, population_estimated
		FROM `+aggregate.ZipStaging+`
		WHERE state_code = 'CA' AND zip_code = '94110'`,
	).Scan(&total, &score, &pop, &estimated))
	require.Equal(t, 1, total)
	require.Positive(t, score)
	require.EqualValues(t, 15_000, pop)
	require.True(t, estimated)
}

func TestGridScout_ZipQueue_Runner_DeadlineYieldsThenResumes(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testStart())
	queue, agg, pool := testStores(t, clock)
	cycleID := seedCycle(t, pool)
	ctx := t.Context()

	var keys []stations.ZipKey
	for i := 1; i <= 250; i++ {
		keys = append(keys, key("CA", fmt.Sprintf("%05d", i)))
	}
	require.NoError(t, queue.Enqueue(ctx, cycleID, keys))

	// Every chunk fetch burns a simulated minute; the 90s deadline
	// admits exactly two chunks.
	slowStations := &mockZipStations{
		ByZipsFunc: func(ctx context.Context, ks []stations.ZipKey) ([]stations.Station, error) {
			clock.Advance(time.Minute)
			out := make([]stations.Station, len(ks))
			for i, k := range ks {
				out[i] = stationFor(k)
			}
			return out, nil
		},
	}
	runner := testRunner(t, clock, queue, slowStations, estimatedPops(), agg, 100)

	p, err := runner.Run(ctx, cycleID, clock.Now().Add(90*time.Second))
	require.NoError(t, err)
	require.Equal(t, Progress{Done: 200, Total: 250}, p)
	require.False(t, p.Complete())
	require.InDelta(t, 0.8, p.Fraction(), 1e-9)

	// Next invocation picks up the residual fifty.
	p, err = runner.Run(ctx, cycleID, clock.Now().Add(90*time.Second))
	require.NoError(t, err)
	require.Equal(t, Progress{Done: 250, Total: 250}, p)
	require.True(t, p.Complete())

	n, err := agg.Count(ctx, aggregate.ZipStaging)
	require.NoError(t, err)
	require.EqualValues(t, 250, n)
}

func TestGridScout_ZipQueue_Runner_FailedChunkStaysQueued(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testStart())
	queue, agg, pool := testStores(t, clock)
	cycleID := seedCycle(t, pool)
	ctx := t.Context()

	keys := []stations.ZipKey{
		key("CA", "11111"), key("CA", "22222"), key("CA", "33333"), key("CA", "99999"),
	}
	require.NoError(t, queue.Enqueue(ctx, cycleID, keys))

	flaky := testRunner(t, clock, queue, onePerKey(), estimatedPops(),
		&failingWriter{inner: agg, failZip: "99999"}, 2)
	p, err := flaky.Run(ctx, cycleID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, Progress{Done: 2, Total: 4}, p)

	pending, err := queue.Pending(ctx, cycleID, stations.ZipKey{}, 10)
	require.NoError(t, err)
	require.Equal(t, []stations.ZipKey{key("CA", "33333"), key("CA", "99999")}, pending)

	healthy := testRunner(t, clock, queue, onePerKey(), estimatedPops(), agg, 2)
	p, err = healthy.Run(ctx, cycleID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, Progress{Done: 4, Total: 4}, p)

	n, err := agg.Count(ctx, aggregate.ZipStaging)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
}

func TestGridScout_ZipQueue_Runner_RetiresZipWhoseLastStationLeft(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testStart())
	queue, agg, pool := testStores(t, clock)
	cycleID := seedCycle(t, pool)
	ctx := t.Context()

	gone := key("CA", "94103")
	seedRow := aggregate.NewZipRow(gone,
		aggregate.Tally{Total: 1, DCFast: 1, TotalPorts: 2},
		refdata.Population{Value: 15_000, Source: refdata.SourceEstimate},
		clock.Now().UTC())
	require.NoError(t, agg.ReplaceZipRows(ctx, []stations.ZipKey{gone}, []aggregate.Row{seedRow}))

	require.NoError(t, queue.Enqueue(ctx, cycleID, []stations.ZipKey{gone}))

	empty := &mockZipStations{
		ByZipsFunc: func(ctx context.Context, ks []stations.ZipKey) ([]stations.Station, error) {
			return nil, nil
		},
	}
	runner := testRunner(t, clock, queue, empty, estimatedPops(), agg, 100)
	p, err := runner.Run(ctx, cycleID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, Progress{Done: 1, Total: 1}, p)
	require.True(t, p.Complete())

	n, err := agg.Count(ctx, aggregate.ZipStaging)
	require.NoError(t, err)
	require.Zero(t, n)
}
