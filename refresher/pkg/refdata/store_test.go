package refdata

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestGridScout_RefData_Store_PopulationCacheRoundTrip(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	store := testRefStore(t, clock)
	ctx := t.Context()

	missing, err := store.CachedPopulation(ctx, RegionZip, "94110")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, store.UpsertPopulation(ctx, RegionZip, "94110", "ZCTA5 94110", 69333))

	got, err := store.CachedPopulation(ctx, RegionZip, "94110")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, RegionZip, got.RegionType)
	require.Equal(t, "ZCTA5 94110", got.RegionName)
	require.EqualValues(t, 69333, got.Population)
	require.Equal(t, start, got.FetchedAt.UTC())
	require.True(t, got.Fresh(clock.Now()))

	// A figure ages out of the TTL after thirty days.
	clock.Advance(31 * 24 * time.Hour)
	require.False(t, got.Fresh(clock.Now()))

	// Re-upserting refreshes both the value and the timestamp.
	require.NoError(t, store.UpsertPopulation(ctx, RegionZip, "94110", "ZCTA5 94110", 70000))
	got, err = store.CachedPopulation(ctx, RegionZip, "94110")
	require.NoError(t, err)
	require.EqualValues(t, 70000, got.Population)
	require.True(t, got.Fresh(clock.Now()))
}

func TestGridScout_RefData_Store_RegionTypesDoNotCollide(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := testRefStore(t, clock)
	ctx := t.Context()

	// The same code under two region types is two distinct rows.
	require.NoError(t, store.UpsertPopulation(ctx, RegionCounty, "06075", "San Francisco County", 873965))
	require.NoError(t, store.UpsertPopulation(ctx, RegionZip, "06075", "ZCTA5 06075", 1234))

	county, err := store.CachedPopulation(ctx, RegionCounty, "06075")
	require.NoError(t, err)
	require.EqualValues(t, 873965, county.Population)

	zip, err := store.CachedPopulation(ctx, RegionZip, "06075")
	require.NoError(t, err)
	require.EqualValues(t, 1234, zip.Population)
}

func TestGridScout_RefData_Store_CachedPopulationsSubset(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := testRefStore(t, clock)
	ctx := t.Context()

	require.NoError(t, store.UpsertPopulation(ctx, RegionZip, "94110", "ZCTA5 94110", 69333))
	require.NoError(t, store.UpsertPopulation(ctx, RegionZip, "89109", "ZCTA5 89109", 5216))

	got, err := store.CachedPopulations(ctx, RegionZip, []string{"94110", "89109", "98101"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.EqualValues(t, 69333, got["94110"].Population)
	require.EqualValues(t, 5216, got["89109"].Population)
	require.NotContains(t, got, "98101")
}

func TestGridScout_RefData_Store_ReplaceVMTIsWholesale(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := testRefStore(t, clock)
	ctx := t.Context()

	require.NoError(t, store.ReplaceVMT(ctx, []VMTRecord{
		{CountyFIPS: "06075", AnnualVMT: 3650},
		{CountyFIPS: "06001", AnnualVMT: 7300},
	}))

	daily, err := store.DailyVMT(ctx)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	require.InDelta(t, 10.0, daily["06075"], 1e-9)
	require.InDelta(t, 20.0, daily["06001"], 1e-9)

	// The next ingestion replaces everything, including rows absent
	// from the new set.
	require.NoError(t, store.ReplaceVMT(ctx, []VMTRecord{
		{CountyFIPS: "32003", AnnualVMT: 365},
	}))

	daily, err = store.DailyVMT(ctx)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	require.InDelta(t, 1.0, daily["32003"], 1e-9)
}
