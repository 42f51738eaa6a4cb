package refdata

// RegionType distinguishes the three aggregation resolutions a
// population lookup can target.
type RegionType string

const (
	RegionState  RegionType = "state"
	RegionCounty RegionType = "county"
	RegionZip    RegionType = "zip"
)

// PopulationSource records where a population figure came from.
type PopulationSource string

const (
	SourceLive     PopulationSource = "live"
	SourceCached   PopulationSource = "cached"
	SourceEstimate PopulationSource = "estimate"
)

// Population is one resolved population figure. Estimated figures are
// fallbacks and are never written back to the cache.
type Population struct {
	Value  int64
	Source PopulationSource
}

// Estimated reports whether the figure is a fallback rather than a
// census number.
func (p Population) Estimated() bool {
	return p.Source == SourceEstimate
}

// regionEstimate is the fallback population for counties and ZIPs when
// the census is unreachable and no cached figure exists.
const regionEstimate = 15000

// VMTRecord is one county's annual vehicle miles traveled as served by
// the VMT feature service.
type VMTRecord struct {
	CountyFIPS string
	AnnualVMT  float64
}

// DailyVMT is the annual figure averaged over the year.
func (r VMTRecord) DailyVMT() float64 {
	return r.AnnualVMT / 365
}
