package changes

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	pgtesting "github.com/gridscoutlabs/gridscout/refresher/pkg/postgres/testing"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
	gridtesting "github.com/gridscoutlabs/gridscout/utils/pkg/testing"
)

func seedZipAggregate(t *testing.T, pool *pgxpool.Pool, state, zip string, total, dcfast, level2, level1 int) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO zip_aggregates (
			state_code, zip_code, latitude, longitude, population,
			total_chargers, dcfast_count, level2_count, level1_count,
			tesla_count, ccs_count, j1772_count, chademo_count,
			tesla_ports, ccs_ports, j1772_ports, chademo_ports, total_ports,
			need_score, ev_infrastructure_score, opportunity_score
		) VALUES ($1, $2, 37.76, -122.41, 69333, $3, $4, $5, $6,
			0, $3, 0, 0, 0, $3, 0, 0, $3, 10, 50, 40)`,
		state, zip, total, dcfast, level2, level1,
	)
	require.NoError(t, err)
}

func TestGridScout_Changes_Store_ServingZipLevelCounts(t *testing.T) {
	t.Parallel()

	log := gridtesting.NewLogger()
	client := pgtesting.NewTestClient(t, log, sharedDB)
	store, err := NewStore(StoreConfig{Logger: log, DB: client})
	require.NoError(t, err)
	ctx := t.Context()

	seedZipAggregate(t, client.Pool(), "CA", "94110", 3, 1, 2, 0)
	seedZipAggregate(t, client.Pool(), "NV", "89109", 1, 1, 0, 0)

	got, err := store.ServingZipLevelCounts(ctx, []stations.ZipKey{
		{StateCode: "CA", ZipCode: "94110"},
		{StateCode: "NV", ZipCode: "89109"},
		{StateCode: "WA", ZipCode: "98101"}, // no serving row
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, LevelCounts{Total: 3, DCFast: 1, Level2: 2}, got[stations.ZipKey{StateCode: "CA", ZipCode: "94110"}])
	require.Equal(t, LevelCounts{Total: 1, DCFast: 1}, got[stations.ZipKey{StateCode: "NV", ZipCode: "89109"}])

	empty, err := store.ServingZipLevelCounts(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}
