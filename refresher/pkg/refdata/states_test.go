package refdata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGridScout_RefData_States_FixtureIntegrity(t *testing.T) {
	t.Parallel()

	require.Len(t, States, 51) // 50 states plus DC

	codes := make(map[string]struct{}, len(States))
	fips := make(map[string]struct{}, len(States))
	for _, s := range States {
		require.Len(t, s.Code, 2, "state code %q", s.Code)
		require.Len(t, s.FIPS, 2, "state fips %q", s.FIPS)
		require.NotEmpty(t, s.Name)
		require.Positive(t, s.Population, "population for %s", s.Code)

		// Centroids stay inside the ingest envelope.
		require.GreaterOrEqual(t, s.CentroidLat, 18.0, "latitude for %s", s.Code)
		require.LessOrEqual(t, s.CentroidLat, 72.0, "latitude for %s", s.Code)
		require.GreaterOrEqual(t, s.CentroidLng, -180.0, "longitude for %s", s.Code)
		require.LessOrEqual(t, s.CentroidLng, -66.0, "longitude for %s", s.Code)

		_, dupCode := codes[s.Code]
		require.False(t, dupCode, "duplicate code %s", s.Code)
		codes[s.Code] = struct{}{}

		_, dupFIPS := fips[s.FIPS]
		require.False(t, dupFIPS, "duplicate fips %s", s.FIPS)
		fips[s.FIPS] = struct{}{}
	}
}

func TestGridScout_RefData_States_Lookups(t *testing.T) {
	t.Parallel()

	ca, ok := StateByCode("CA")
	require.True(t, ok)
	require.Equal(t, "06", ca.FIPS)
	require.Equal(t, "California", ca.Name)
	require.EqualValues(t, 39538223, ca.Population)

	byFIPS, ok := StateByFIPS("06")
	require.True(t, ok)
	require.Equal(t, ca, byFIPS)

	_, ok = StateByCode("PR")
	require.False(t, ok)
	_, ok = StateByFIPS("72")
	require.False(t, ok)
}
