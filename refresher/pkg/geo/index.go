package geo

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// CountyRef identifies one county without carrying its geometry.
type CountyRef struct {
	FIPS      string
	StateCode string
	Name      string
}

// County is one county polygon with its precomputed bound and centroid.
type County struct {
	FIPS      string
	StateCode string
	Name      string
	Geometry  orb.MultiPolygon
	Bound     orb.Bound
	Centroid  orb.Point
}

// Ref strips the geometry.
func (c *County) Ref() CountyRef {
	return CountyRef{FIPS: c.FIPS, StateCode: c.StateCode, Name: c.Name}
}

// Index answers county lookups by FIPS, by state, and by coordinate.
type Index struct {
	counties []*County
	byFIPS   map[string]*County
	byState  map[string][]*County
}

func NewIndex(counties []*County) *Index {
	idx := &Index{
		counties: counties,
		byFIPS:   make(map[string]*County, len(counties)),
		byState:  make(map[string][]*County),
	}
	for _, c := range counties {
		idx.byFIPS[c.FIPS] = c
		idx.byState[c.StateCode] = append(idx.byState[c.StateCode], c)
	}
	for _, group := range idx.byState {
		sort.Slice(group, func(i, j int) bool { return group[i].FIPS < group[j].FIPS })
	}
	return idx
}

// Len returns the number of indexed counties.
func (idx *Index) Len() int {
	return len(idx.counties)
}

// All returns every indexed county.
func (idx *Index) All() []*County {
	return idx.counties
}

// ByFIPS looks a county up by its five-digit FIPS code.
func (idx *Index) ByFIPS(fips string) (*County, bool) {
	c, ok := idx.byFIPS[fips]
	return c, ok
}

// ForState returns the counties of one state, ordered by FIPS.
func (idx *Index) ForState(stateCode string) []*County {
	return idx.byState[stateCode]
}

// Locate finds the county containing the point. Bounds filter first;
// only bound hits pay for the full point-in-polygon test.
func (idx *Index) Locate(lat, lng float64) (*County, bool) {
	pt := orb.Point{lng, lat}
	for _, c := range idx.counties {
		if !c.Bound.Contains(pt) {
			continue
		}
		if planar.MultiPolygonContains(c.Geometry, pt) {
			return c, true
		}
	}
	return nil, false
}
