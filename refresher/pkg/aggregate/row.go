package aggregate

import (
	"time"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/refdata"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/scoring"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

// Zoom tiers selecting which display resolution consumes a row.
const (
	ZoomStates   = "0-5"
	ZoomCounties = "6-8"
	ZoomZips     = "9-16"
)

// Row is one staging aggregate row. Which key fields are set depends on
// the resolution: StateCode alone for states, CountyFIPS plus Name for
// counties, StateCode plus ZipCode for ZIPs.
type Row struct {
	StateCode  string
	Name       string
	CountyFIPS string
	ZipCode    string

	Latitude  float64
	Longitude float64

	Population          int64
	PopulationEstimated bool

	Tally

	NeedScore        int
	ReadinessScore   int
	OpportunityScore int

	VMTPerCapita *float64
	ZoomRange    string
	ComputedAt   time.Time
}

// score fills the three score columns from the tally and population.
// vmt is daily VMT per capita, nil when the county join has nothing.
func (r *Row) score(vmt *float64) {
	weighted := scoring.Weighted(r.DCFast, r.Level2, r.Level1)
	r.ReadinessScore = scoring.Readiness(weighted, r.Population, vmt, false)
	r.OpportunityScore = scoring.Opportunity(r.Total, r.Population, vmt)
	r.NeedScore = scoring.Need(r.Population, r.Total)
	r.VMTPerCapita = vmt
}

// NewZipRow builds one ZIP staging row. The centroid is the arithmetic
// mean of the member stations; ZIP rows carry no VMT join.
func NewZipRow(key stations.ZipKey, t Tally, pop refdata.Population, computedAt time.Time) Row {
	lat, lng, _ := t.Centroid()
	row := Row{
		StateCode:           key.StateCode,
		ZipCode:             key.ZipCode,
		Latitude:            lat,
		Longitude:           lng,
		Population:          pop.Value,
		PopulationEstimated: pop.Estimated(),
		Tally:               t,
		ZoomRange:           ZoomZips,
		ComputedAt:          computedAt,
	}
	row.score(nil)
	return row
}
