package refdata

// StateInfo is the static record for one US state: identity, the 2020
// decennial census population used as the estimate fallback, and the
// geographic center used for zero-station aggregate rows.
type StateInfo struct {
	Code        string
	FIPS        string
	Name        string
	Population  int64
	CentroidLat float64
	CentroidLng float64
}

// States lists the 50 states plus the District of Columbia, ordered by
// two-letter code.
var States = []StateInfo{
	{Code: "AK", FIPS: "02", Name: "Alaska", Population: 733391, CentroidLat: 64.0685, CentroidLng: -152.2782},
	{Code: "AL", FIPS: "01", Name: "Alabama", Population: 5024279, CentroidLat: 32.7794, CentroidLng: -86.8287},
	{Code: "AR", FIPS: "05", Name: "Arkansas", Population: 3011524, CentroidLat: 34.8938, CentroidLng: -92.4426},
	{Code: "AZ", FIPS: "04", Name: "Arizona", Population: 7151502, CentroidLat: 34.2744, CentroidLng: -111.6602},
	{Code: "CA", FIPS: "06", Name: "California", Population: 39538223, CentroidLat: 37.1841, CentroidLng: -119.4696},
	{Code: "CO", FIPS: "08", Name: "Colorado", Population: 5773714, CentroidLat: 38.9972, CentroidLng: -105.5478},
	{Code: "CT", FIPS: "09", Name: "Connecticut", Population: 3605944, CentroidLat: 41.6219, CentroidLng: -72.7273},
	{Code: "DC", FIPS: "11", Name: "District of Columbia", Population: 689545, CentroidLat: 38.9101, CentroidLng: -77.0147},
	{Code: "DE", FIPS: "10", Name: "Delaware", Population: 989948, CentroidLat: 38.9896, CentroidLng: -75.5050},
	{Code: "FL", FIPS: "12", Name: "Florida", Population: 21538187, CentroidLat: 28.6305, CentroidLng: -82.4497},
	{Code: "GA", FIPS: "13", Name: "Georgia", Population: 10711908, CentroidLat: 32.6415, CentroidLng: -83.4426},
	{Code: "HI", FIPS: "15", Name: "Hawaii", Population: 1455271, CentroidLat: 20.2927, CentroidLng: -156.3737},
	{Code: "IA", FIPS: "19", Name: "Iowa", Population: 3190369, CentroidLat: 42.0751, CentroidLng: -93.4960},
	{Code: "ID", FIPS: "16", Name: "Idaho", Population: 1839106, CentroidLat: 44.3509, CentroidLng: -114.6130},
	{Code: "IL", FIPS: "17", Name: "Illinois", Population: 12812508, CentroidLat: 40.0417, CentroidLng: -89.1965},
	{Code: "IN", FIPS: "18", Name: "Indiana", Population: 6785528, CentroidLat: 39.8942, CentroidLng: -86.2816},
	{Code: "KS", FIPS: "20", Name: "Kansas", Population: 2937880, CentroidLat: 38.4937, CentroidLng: -98.3804},
	{Code: "KY", FIPS: "21", Name: "Kentucky", Population: 4505836, CentroidLat: 37.5347, CentroidLng: -85.3021},
	{Code: "LA", FIPS: "22", Name: "Louisiana", Population: 4657757, CentroidLat: 31.0689, CentroidLng: -91.9968},
	{Code: "MA", FIPS: "25", Name: "Massachusetts", Population: 7029917, CentroidLat: 42.2596, CentroidLng: -71.8083},
	{Code: "MD", FIPS: "24", Name: "Maryland", Population: 6177224, CentroidLat: 39.0550, CentroidLng: -76.7909},
	{Code: "ME", FIPS: "23", Name: "Maine", Population: 1362359, CentroidLat: 45.3695, CentroidLng: -69.2428},
	{Code: "MI", FIPS: "26", Name: "Michigan", Population: 10077331, CentroidLat: 44.3467, CentroidLng: -85.4102},
	{Code: "MN", FIPS: "27", Name: "Minnesota", Population: 5706494, CentroidLat: 46.2807, CentroidLng: -94.3053},
	{Code: "MO", FIPS: "29", Name: "Missouri", Population: 6154913, CentroidLat: 38.3566, CentroidLng: -92.4580},
	{Code: "MS", FIPS: "28", Name: "Mississippi", Population: 2961279, CentroidLat: 32.7364, CentroidLng: -89.6678},
	{Code: "MT", FIPS: "30", Name: "Montana", Population: 1084225, CentroidLat: 47.0527, CentroidLng: -109.6333},
	{Code: "NC", FIPS: "37", Name: "North Carolina", Population: 10439388, CentroidLat: 35.5557, CentroidLng: -79.3877},
	{Code: "ND", FIPS: "38", Name: "North Dakota", Population: 779094, CentroidLat: 47.4501, CentroidLng: -100.4659},
	{Code: "NE", FIPS: "31", Name: "Nebraska", Population: 1961504, CentroidLat: 41.5378, CentroidLng: -99.7951},
	{Code: "NH", FIPS: "33", Name: "New Hampshire", Population: 1377529, CentroidLat: 43.6805, CentroidLng: -71.5811},
	{Code: "NJ", FIPS: "34", Name: "New Jersey", Population: 9288994, CentroidLat: 40.1907, CentroidLng: -74.6728},
	{Code: "NM", FIPS: "35", Name: "New Mexico", Population: 2117522, CentroidLat: 34.4071, CentroidLng: -106.1126},
	{Code: "NV", FIPS: "32", Name: "Nevada", Population: 3104614, CentroidLat: 39.3289, CentroidLng: -116.6312},
	{Code: "NY", FIPS: "36", Name: "New York", Population: 20201249, CentroidLat: 42.9538, CentroidLng: -75.5268},
	{Code: "OH", FIPS: "39", Name: "Ohio", Population: 11799448, CentroidLat: 40.2862, CentroidLng: -82.7937},
	{Code: "OK", FIPS: "40", Name: "Oklahoma", Population: 3959353, CentroidLat: 35.5889, CentroidLng: -97.4943},
	{Code: "OR", FIPS: "41", Name: "Oregon", Population: 4237256, CentroidLat: 43.9336, CentroidLng: -120.5583},
	{Code: "PA", FIPS: "42", Name: "Pennsylvania", Population: 13002700, CentroidLat: 40.8781, CentroidLng: -77.7996},
	{Code: "RI", FIPS: "44", Name: "Rhode Island", Population: 1097379, CentroidLat: 41.6762, CentroidLng: -71.5562},
	{Code: "SC", FIPS: "45", Name: "South Carolina", Population: 5118425, CentroidLat: 33.9169, CentroidLng: -80.8964},
	{Code: "SD", FIPS: "46", Name: "South Dakota", Population: 886667, CentroidLat: 44.4443, CentroidLng: -100.2263},
	{Code: "TN", FIPS: "47", Name: "Tennessee", Population: 6910840, CentroidLat: 35.8580, CentroidLng: -86.3505},
	{Code: "TX", FIPS: "48", Name: "Texas", Population: 29145505, CentroidLat: 31.4757, CentroidLng: -99.3312},
	{Code: "UT", FIPS: "49", Name: "Utah", Population: 3271616, CentroidLat: 39.3055, CentroidLng: -111.6703},
	{Code: "VA", FIPS: "51", Name: "Virginia", Population: 8631393, CentroidLat: 37.5215, CentroidLng: -78.8537},
	{Code: "VT", FIPS: "50", Name: "Vermont", Population: 643077, CentroidLat: 44.0687, CentroidLng: -72.6658},
	{Code: "WA", FIPS: "53", Name: "Washington", Population: 7705281, CentroidLat: 47.3826, CentroidLng: -120.4472},
	{Code: "WI", FIPS: "55", Name: "Wisconsin", Population: 5893718, CentroidLat: 44.6243, CentroidLng: -89.9941},
	{Code: "WV", FIPS: "54", Name: "West Virginia", Population: 1793716, CentroidLat: 38.6409, CentroidLng: -80.6227},
	{Code: "WY", FIPS: "56", Name: "Wyoming", Population: 576851, CentroidLat: 42.9957, CentroidLng: -107.5512},
}

var (
	statesByCode = buildStateIndex(func(s StateInfo) string { return s.Code })
	statesByFIPS = buildStateIndex(func(s StateInfo) string { return s.FIPS })
)

func buildStateIndex(key func(StateInfo) string) map[string]StateInfo {
	m := make(map[string]StateInfo, len(States))
	for _, s := range States {
		m[key(s)] = s
	}
	return m
}

// StateByCode looks up a state by its two-letter code.
func StateByCode(code string) (StateInfo, bool) {
	s, ok := statesByCode[code]
	return s, ok
}

// StateByFIPS looks up a state by its two-digit FIPS code.
func StateByFIPS(fips string) (StateInfo, bool) {
	s, ok := statesByFIPS[fips]
	return s, ok
}
