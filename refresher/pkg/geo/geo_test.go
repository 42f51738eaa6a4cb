package geo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	gridtesting "github.com/gridscoutlabs/gridscout/utils/pkg/testing"
)

// countyFixture holds two square test counties in California and
// Nevada, one Puerto Rico feature that must be skipped, and one feature
// with a short GEOID.
const countyFixture = `{
	"type": "FeatureCollection",
	"features": [
		{
			"type": "Feature",
			"properties": {"GEOID": "06075", "NAME": "San Francisco", "STATEFP": "06"},
			"geometry": {"type": "Polygon", "coordinates": [[
				[-123.0, 37.0], [-122.0, 37.0], [-122.0, 38.0], [-123.0, 38.0], [-123.0, 37.0]
			]]}
		},
		{
			"type": "Feature",
			"properties": {"GEOID": "32003", "NAME": "Clark", "STATEFP": "32"},
			"geometry": {"type": "MultiPolygon", "coordinates": [[[
				[-116.0, 35.5], [-114.0, 35.5], [-114.0, 36.5], [-116.0, 36.5], [-116.0, 35.5]
			]]]}
		},
		{
			"type": "Feature",
			"properties": {"GEOID": "72001", "NAME": "Adjuntas", "STATEFP": "72"},
			"geometry": {"type": "Polygon", "coordinates": [[
				[-66.8, 18.1], [-66.7, 18.1], [-66.7, 18.2], [-66.8, 18.2], [-66.8, 18.1]
			]]}
		},
		{
			"type": "Feature",
			"properties": {"GEOID": "99", "NAME": "Bogus"},
			"geometry": {"type": "Polygon", "coordinates": [[
				[0, 0], [1, 0], [1, 1], [0, 1], [0, 0]
			]]}
		}
	]
}`

func fixtureIndex(t *testing.T) *Index {
	t.Helper()

	path := filepath.Join(t.TempDir(), "counties.geojson")
	require.NoError(t, os.WriteFile(path, []byte(countyFixture), 0o644))

	idx, err := LoadCounties(t.Context(), LoadConfig{
		Logger: gridtesting.NewLogger(),
		Source: path,
	})
	require.NoError(t, err)
	return idx
}

func TestGridScout_Geo_LoadCounties_SkipsUnusableFeatures(t *testing.T) {
	t.Parallel()

	idx := fixtureIndex(t)
	require.Equal(t, 2, idx.Len())

	_, ok := idx.ByFIPS("72001")
	require.False(t, ok, "territory county must be skipped")
	_, ok = idx.ByFIPS("99")
	require.False(t, ok, "malformed GEOID must be skipped")
}

func TestGridScout_Geo_Index_ByFIPSAndState(t *testing.T) {
	t.Parallel()

	idx := fixtureIndex(t)

	sf, ok := idx.ByFIPS("06075")
	require.True(t, ok)
	require.Equal(t, CountyRef{FIPS: "06075", StateCode: "CA", Name: "San Francisco"}, sf.Ref())

	// Square bound and its centroid.
	require.InDelta(t, -123.0, sf.Bound.Min[0], 1e-9)
	require.InDelta(t, 38.0, sf.Bound.Max[1], 1e-9)
	require.InDelta(t, -122.5, sf.Centroid[0], 1e-9)
	require.InDelta(t, 37.5, sf.Centroid[1], 1e-9)

	ca := idx.ForState("CA")
	require.Len(t, ca, 1)
	require.Equal(t, "06075", ca[0].FIPS)
	require.Empty(t, idx.ForState("WA"))
}

func TestGridScout_Geo_Index_Locate(t *testing.T) {
	t.Parallel()

	idx := fixtureIndex(t)

	tests := []struct {
		name     string
		lat, lng float64
		wantFIPS string
		wantHit  bool
	}{
		{name: "inside california square", lat: 37.5, lng: -122.5, wantFIPS: "06075", wantHit: true},
		{name: "inside nevada square", lat: 36.0, lng: -115.0, wantFIPS: "32003", wantHit: true},
		{name: "between the squares", lat: 37.5, lng: -118.0, wantHit: false},
		{name: "far outside", lat: 47.0, lng: -122.0, wantHit: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, ok := idx.Locate(tt.lat, tt.lng)
			require.Equal(t, tt.wantHit, ok)
			if tt.wantHit {
				require.Equal(t, tt.wantFIPS, c.FIPS)
			}
		})
	}
}

func TestGridScout_Geo_LoadCounties_Errors(t *testing.T) {
	t.Parallel()

	log := gridtesting.NewLogger()

	_, err := LoadCounties(t.Context(), LoadConfig{Logger: log, Source: filepath.Join(t.TempDir(), "missing.geojson")})
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.geojson")
	require.NoError(t, os.WriteFile(bad, []byte("not geojson"), 0o644))
	_, err = LoadCounties(t.Context(), LoadConfig{Logger: log, Source: bad})
	require.ErrorContains(t, err, "failed to parse county topology")

	empty := filepath.Join(t.TempDir(), "empty.geojson")
	require.NoError(t, os.WriteFile(empty, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644))
	_, err = LoadCounties(t.Context(), LoadConfig{Logger: log, Source: empty})
	require.ErrorContains(t, err, "no usable counties")
}
