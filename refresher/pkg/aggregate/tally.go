package aggregate

import (
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

// Tally accumulates one region's station counts: chargers by level,
// stations and ports by connector class, and the coordinate sums behind
// the mean centroid.
type Tally struct {
	Total  int
	DCFast int
	Level2 int
	Level1 int

	TeslaCount   int
	CCSCount     int
	J1772Count   int
	ChademoCount int

	TeslaPorts   int
	CCSPorts     int
	J1772Ports   int
	ChademoPorts int
	TotalPorts   int

	latSum float64
	lngSum float64
}

// Add folds one station into the tally. A station counts once per
// connector class it exposes; its ports likewise contribute once per
// class, and once to the total.
func (t *Tally) Add(st stations.Station) {
	t.Total++
	switch st.Level {
	case stations.LevelDCFast:
		t.DCFast++
	case stations.Level2:
		t.Level2++
	case stations.Level1:
		t.Level1++
	}

	t.TotalPorts += st.NumPorts
	t.latSum += st.Latitude
	t.lngSum += st.Longitude

	seen := make(map[stations.Connector]struct{}, len(st.Connectors))
	for _, c := range st.Connectors {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		switch c {
		case stations.ConnectorTesla:
			t.TeslaCount++
			t.TeslaPorts += st.NumPorts
		case stations.ConnectorCCS:
			t.CCSCount++
			t.CCSPorts += st.NumPorts
		case stations.ConnectorJ1772:
			t.J1772Count++
			t.J1772Ports += st.NumPorts
		case stations.ConnectorCHAdeMO:
			t.ChademoCount++
			t.ChademoPorts += st.NumPorts
		}
	}
}

// Centroid is the arithmetic mean of the member coordinates. ok is
// false for an empty tally.
func (t *Tally) Centroid() (lat, lng float64, ok bool) {
	if t.Total == 0 {
		return 0, 0, false
	}
	n := float64(t.Total)
	return t.latSum / n, t.lngSum / n, true
}

// LevelsConsistent checks the per-level counts sum to the total.
func (t *Tally) LevelsConsistent() bool {
	return t.DCFast+t.Level2+t.Level1 == t.Total
}
