package aggregate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

func testStateRow(code, name string, total, dcfast, level2, level1 int) Row {
	r := Row{
		StateCode: code, Name: name,
		Latitude: 37.0, Longitude: -120.0,
		Population: 1_000_000,
		Tally: Tally{
			Total: total, DCFast: dcfast, Level2: level2, Level1: level1,
			TotalPorts: total * 2,
		},
		ZoomRange:  ZoomStates,
		ComputedAt: time.Now().UTC(),
	}
	r.score(nil)
	return r
}

func readMetrics(t *testing.T, pool *pgxpool.Pool, table, where string, args ...any) (total int, population int64, readiness int, vmt *float64) {
	t.Helper()
	err := pool.QueryRow(context.Background(),
		"SELECT total_chargers, population, ev_infrastructure_score, vmt_per_capita FROM "+table+" WHERE "+where,
		args...,
	).Scan(&total, &population, &readiness, &vmt)
	require.NoError(t, err)
	return total, population, readiness, vmt
}

func TestGridScout_Aggregate_Store_ReplaceStateRows_OnlyTouchesGivenStates(t *testing.T) {
	t.Parallel()

	store, pool := testStore(t)
	ctx := t.Context()

	require.NoError(t, store.ReplaceStateRows(ctx, []Row{
		testStateRow("CA", "California", 10, 4, 5, 1),
		testStateRow("NV", "Nevada", 3, 3, 0, 0),
	}))

	require.NoError(t, store.ReplaceStateRows(ctx, []Row{
		testStateRow("CA", "California", 12, 6, 5, 1),
	}))

	n, err := store.Count(ctx, StateStaging)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	caTotal, _, _, _ := readMetrics(t, pool, StateStaging, "state_code = $1", "CA")
	require.Equal(t, 12, caTotal)
	nvTotal, _, _, _ := readMetrics(t, pool, StateStaging, "state_code = $1", "NV")
	require.Equal(t, 3, nvTotal)
}

func TestGridScout_Aggregate_Store_ReplaceCountyRows_RoundTrip(t *testing.T) {
	t.Parallel()

	store, pool := testStore(t)
	ctx := t.Context()

	vmt := 12.5
	row := Row{
		StateCode: "CA", Name: "San Francisco", CountyFIPS: "06075",
		Latitude: 37.77, Longitude: -122.42,
		Population: 800_000,
		Tally: Tally{
			Total: 5, DCFast: 2, Level2: 3,
			CCSCount: 2, CCSPorts: 8, TotalPorts: 14,
		},
		ZoomRange:  ZoomCounties,
		ComputedAt: time.Now().UTC(),
	}
	row.score(&vmt)
	require.NoError(t, store.ReplaceCountyRows(ctx, []Row{row}))

	var name, state string
	var gotVMT *float64
	err := pool.QueryRow(ctx,
		"SELECT county_name, state_code, vmt_per_capita FROM "+CountyStaging+" WHERE county_fips = $1", "06075",
	).Scan(&name, &state, &gotVMT)
	require.NoError(t, err)
	require.Equal(t, "San Francisco", name)
	require.Equal(t, "CA", state)
	require.NotNil(t, gotVMT)
	require.InDelta(t, 12.5, *gotVMT, 1e-9)
}

func TestGridScout_Aggregate_Store_ReplaceZipRows_RetiresKeysWithoutRows(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)
	ctx := t.Context()

	zipRow := func(zip string, total int) Row {
		r := Row{
			StateCode: "CA", ZipCode: zip,
			Latitude: 37.76, Longitude: -122.41,
			Population: 69_333,
			Tally:      Tally{Total: total, DCFast: total, TotalPorts: total * 4},
			ZoomRange:  ZoomZips,
			ComputedAt: time.Now().UTC(),
		}
		r.score(nil)
		return r
	}
	keys := []stations.ZipKey{
		{StateCode: "CA", ZipCode: "94110"},
		{StateCode: "CA", ZipCode: "94103"},
	}

	require.NoError(t, store.ReplaceZipRows(ctx, keys, []Row{
		zipRow("94110", 2), zipRow("94103", 1),
	}))
	n, err := store.Count(ctx, ZipStaging)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// 94103 lost its last station: its key is deleted, no replacement row.
	require.NoError(t, store.ReplaceZipRows(ctx, keys, []Row{zipRow("94110", 3)}))
	n, err = store.Count(ctx, ZipStaging)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestGridScout_Aggregate_Store_Replace_InconsistentLevelsAbort(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)
	ctx := t.Context()

	bad := testStateRow("CA", "California", 4, 1, 1, 1)
	bad.Total = 4 // levels sum to 3

	err := store.ReplaceStateRows(ctx, []Row{
		testStateRow("NV", "Nevada", 1, 1, 0, 0),
		bad,
	})
	require.ErrorContains(t, err, "level counts")

	n, err := store.Count(ctx, StateStaging)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGridScout_Aggregate_Store_ReplaceZipRows_BatchesLargeSets(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)
	ctx := t.Context()

	var keys []stations.ZipKey
	var rows []Row
	for i := 0; i < insertBatch+107; i++ {
		zip := fmt.Sprintf("9%04d", i)
		keys = append(keys, stations.ZipKey{StateCode: "CA", ZipCode: zip})
		r := Row{
			StateCode: "CA", ZipCode: zip,
			Latitude: 37.0, Longitude: -120.0,
			Population: 15_000,
			Tally:      Tally{Total: 1, Level2: 1, TotalPorts: 2},
			ZoomRange:  ZoomZips,
			ComputedAt: time.Now().UTC(),
		}
		r.score(nil)
		rows = append(rows, r)
	}

	require.NoError(t, store.ReplaceZipRows(ctx, keys, rows))
	n, err := store.Count(ctx, ZipStaging)
	require.NoError(t, err)
	require.EqualValues(t, insertBatch+107, n)
}
