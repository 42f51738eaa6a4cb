// Package stations ingests the upstream charging-station registry and
// normalizes it into the canonical station records the rest of the
// pipeline operates on.
package stations

import "time"

// Level classifies a station by its highest-capability charger.
type Level string

const (
	LevelDCFast Level = "dcfast"
	Level2      Level = "level2"
	Level1      Level = "level1"
)

// Connector identifies a connector type a station exposes. Values match
// the upstream registry's enum; anything unrecognized maps to
// ConnectorOther.
type Connector string

const (
	ConnectorTesla   Connector = "TESLA"
	ConnectorJ1772   Connector = "J1772"
	ConnectorCCS     Connector = "J1772COMBO"
	ConnectorCHAdeMO Connector = "CHADEMO"
	ConnectorOther   Connector = "OTHER"
)

// Station is the canonical station record. Stations are immutable once
// written; a refreshed record with the same ExternalID replaces the
// previous one wholesale.
type Station struct {
	ExternalID int64
	Name       string
	Latitude   float64
	Longitude  float64
	Address    string
	City       string
	StateCode  string
	ZipCode    string // 5-digit, empty when the raw ZIP was unusable
	Level      Level
	NumPorts   int
	Connectors []Connector // sorted, duplicates preserved
	Network    string
	CreatedAt  time.Time
}

// HasConnector reports whether the station exposes the given connector
// class at least once.
func (s Station) HasConnector(c Connector) bool {
	for _, have := range s.Connectors {
		if have == c {
			return true
		}
	}
	return false
}

// ZipKey identifies a ZIP group. The state code disambiguates the rare
// ZIP prefixes reused across state lines.
type ZipKey struct {
	StateCode string
	ZipCode   string
}

// ZipKeyOf returns the station's ZIP group key, or false when the
// station has no usable ZIP.
func ZipKeyOf(s Station) (ZipKey, bool) {
	if s.ZipCode == "" {
		return ZipKey{}, false
	}
	return ZipKey{StateCode: s.StateCode, ZipCode: s.ZipCode}, true
}

// RawStation mirrors one record of the registry response. Pointer
// fields distinguish absent values from zeroes.
type RawStation struct {
	ID               int64    `json:"id"`
	StationName      string   `json:"station_name"`
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	StreetAddress    string   `json:"street_address"`
	City             string   `json:"city"`
	State            string   `json:"state"`
	Zip              string   `json:"zip"`
	EVConnectorTypes []string `json:"ev_connector_types"`
	EVDCFastNum      *int     `json:"ev_dc_fast_num"`
	EVLevel2EVSENum  *int     `json:"ev_level2_evse_num"`
	EVLevel1EVSENum  *int     `json:"ev_level1_evse_num"`
	EVNetwork        string   `json:"ev_network"`
}
