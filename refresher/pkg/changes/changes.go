package changes

import (
	"math"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/geo"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

// coordEpsilon is the coordinate delta below which a station has not
// moved for change-detection purposes.
const coordEpsilon = 0.001

// ChangeSet is the outcome of one staging-vs-serving diff: the regions
// whose aggregates must be recomputed plus station-level totals.
type ChangeSet struct {
	States   map[string]struct{}
	Counties map[string]geo.CountyRef
	Zips     map[stations.ZipKey]struct{}

	Added    int
	Removed  int
	Modified int
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		States:   make(map[string]struct{}),
		Counties: make(map[string]geo.CountyRef),
		Zips:     make(map[stations.ZipKey]struct{}),
	}
}

// Empty reports whether the diff found nothing at all. An empty set
// short-circuits aggregation and promotion.
func (cs *ChangeSet) Empty() bool {
	return cs.Total() == 0
}

// Total is the number of station-level changes of any kind.
func (cs *ChangeSet) Total() int {
	return cs.Added + cs.Removed + cs.Modified
}

// ZipKeys returns the affected ZIPs as a slice, for store queries.
func (cs *ChangeSet) ZipKeys() []stations.ZipKey {
	keys := make([]stations.ZipKey, 0, len(cs.Zips))
	for key := range cs.Zips {
		keys = append(keys, key)
	}
	return keys
}

// Differs reports whether two versions of the same station count as a
// modification: level, state, ZIP, a coordinate delta beyond 0.001°, or
// a different connector multiset.
func Differs(a, b stations.Station) bool {
	if a.Level != b.Level {
		return true
	}
	if a.StateCode != b.StateCode {
		return true
	}
	if a.ZipCode != b.ZipCode {
		return true
	}
	if math.Abs(a.Latitude-b.Latitude) > coordEpsilon {
		return true
	}
	if math.Abs(a.Longitude-b.Longitude) > coordEpsilon {
		return true
	}
	return !sameConnectors(a.Connectors, b.Connectors)
}

func sameConnectors(a, b []stations.Connector) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[stations.Connector]int, len(a))
	for _, c := range a {
		counts[c]++
	}
	for _, c := range b {
		counts[c]--
		if counts[c] < 0 {
			return false
		}
	}
	return true
}
