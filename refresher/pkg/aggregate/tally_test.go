package aggregate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

func TestGridScout_Aggregate_Tally_LevelsPortsAndClasses(t *testing.T) {
	t.Parallel()

	var tally Tally
	tally.Add(stations.Station{
		Level: stations.LevelDCFast, NumPorts: 4,
		Connectors: []stations.Connector{stations.ConnectorCCS, stations.ConnectorCHAdeMO},
		Latitude:   37.0, Longitude: -122.0,
	})
	tally.Add(stations.Station{
		Level: stations.Level2, NumPorts: 2,
		Connectors: []stations.Connector{stations.ConnectorJ1772},
		Latitude:   39.0, Longitude: -120.0,
	})
	tally.Add(stations.Station{
		Level: stations.Level1, NumPorts: 1,
		Latitude: 38.0, Longitude: -121.0,
	})

	require.Equal(t, 3, tally.Total)
	require.Equal(t, 1, tally.DCFast)
	require.Equal(t, 1, tally.Level2)
	require.Equal(t, 1, tally.Level1)
	require.True(t, tally.LevelsConsistent())

	require.Equal(t, 7, tally.TotalPorts)

	// The dcfast station counts toward both of its connector classes,
	// and its four ports do too.
	require.Equal(t, 1, tally.CCSCount)
	require.Equal(t, 1, tally.ChademoCount)
	require.Equal(t, 1, tally.J1772Count)
	require.Equal(t, 0, tally.TeslaCount)
	require.Equal(t, 4, tally.CCSPorts)
	require.Equal(t, 4, tally.ChademoPorts)
	require.Equal(t, 2, tally.J1772Ports)
	require.Equal(t, 0, tally.TeslaPorts)

	lat, lng, ok := tally.Centroid()
	require.True(t, ok)
	require.InDelta(t, 38.0, lat, 1e-9)
	require.InDelta(t, -121.0, lng, 1e-9)
}

func TestGridScout_Aggregate_Tally_DuplicateConnectorCountsOnce(t *testing.T) {
	t.Parallel()

	var tally Tally
	tally.Add(stations.Station{
		Level: stations.LevelDCFast, NumPorts: 8,
		Connectors: []stations.Connector{
			stations.ConnectorCCS, stations.ConnectorCCS, stations.ConnectorTesla,
		},
	})

	require.Equal(t, 1, tally.CCSCount)
	require.Equal(t, 8, tally.CCSPorts)
	require.Equal(t, 1, tally.TeslaCount)
	require.Equal(t, 8, tally.TeslaPorts)
	require.Equal(t, 8, tally.TotalPorts)
}

func TestGridScout_Aggregate_Tally_OtherConnectorHasNoClass(t *testing.T) {
	t.Parallel()

	var tally Tally
	tally.Add(stations.Station{
		Level: stations.Level2, NumPorts: 2,
		Connectors: []stations.Connector{stations.ConnectorOther},
	})

	require.Equal(t, 1, tally.Total)
	require.Equal(t, 2, tally.TotalPorts)
	require.Zero(t, tally.TeslaCount+tally.CCSCount+tally.J1772Count+tally.ChademoCount)
	require.Zero(t, tally.TeslaPorts+tally.CCSPorts+tally.J1772Ports+tally.ChademoPorts)
}

func TestGridScout_Aggregate_Tally_EmptyCentroid(t *testing.T) {
	t.Parallel()

	var tally Tally
	_, _, ok := tally.Centroid()
	require.False(t, ok)
	require.True(t, tally.LevelsConsistent())
}
