package stations

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// U.S. coordinate envelope. Anything outside is rejected rather than
// coerced; the registry occasionally carries transposed or zeroed
// coordinates and those must not land in an aggregate.
const (
	MinLatitude  = 24.5
	MaxLatitude  = 71.5
	MinLongitude = -179.0
	MaxLongitude = -66.0
)

// RejectReason classifies why a raw record was dropped during
// normalization.
type RejectReason string

const (
	RejectMissingCoordinates RejectReason = "missing-coordinates"
	RejectMissingName        RejectReason = "missing-name"
	RejectOutsideEnvelope    RejectReason = "outside-us-envelope"
)

// RejectionError reports a per-record validation failure. Rejections are
// counted by the ingestor but never abort a cycle.
type RejectionError struct {
	ID     int64
	Reason RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("station %d rejected: %s", e.ID, e.Reason)
}

// Normalize maps one raw registry record to the canonical station
// record. It is pure: the caller supplies the created-at timestamp. The
// returned error is a *RejectionError when the record fails validation.
func Normalize(raw RawStation, now time.Time) (Station, error) {
	if raw.Latitude == nil || raw.Longitude == nil {
		return Station{}, &RejectionError{ID: raw.ID, Reason: RejectMissingCoordinates}
	}

	name := strings.TrimSpace(raw.StationName)
	if name == "" {
		return Station{}, &RejectionError{ID: raw.ID, Reason: RejectMissingName}
	}

	lat, lng := *raw.Latitude, *raw.Longitude
	if lat < MinLatitude || lat > MaxLatitude || lng < MinLongitude || lng > MaxLongitude {
		return Station{}, &RejectionError{ID: raw.ID, Reason: RejectOutsideEnvelope}
	}

	connectors := normalizeConnectors(raw.EVConnectorTypes)
	level := classifyLevel(raw, connectors)

	return Station{
		ExternalID: raw.ID,
		Name:       name,
		Latitude:   lat,
		Longitude:  lng,
		Address:    strings.TrimSpace(raw.StreetAddress),
		City:       strings.TrimSpace(raw.City),
		StateCode:  strings.ToUpper(strings.TrimSpace(raw.State)),
		ZipCode:    CleanZip(raw.Zip),
		Level:      level,
		NumPorts:   portsForLevel(raw, level),
		Connectors: connectors,
		Network:    strings.TrimSpace(raw.EVNetwork),
		CreatedAt:  now,
	}, nil
}

// classifyLevel picks the single highest-capability level present in the
// record. A DC-fast port count or any DC-capable connector (CCS,
// CHAdeMO, Tesla) marks the station dcfast regardless of slower ports.
func classifyLevel(raw RawStation, connectors []Connector) Level {
	if raw.EVDCFastNum != nil && *raw.EVDCFastNum > 0 {
		return LevelDCFast
	}
	for _, c := range connectors {
		switch c {
		case ConnectorCCS, ConnectorCHAdeMO, ConnectorTesla:
			return LevelDCFast
		}
	}
	if raw.EVLevel2EVSENum != nil && *raw.EVLevel2EVSENum > 0 {
		return Level2
	}
	return Level1
}

// portsForLevel returns the raw port count for the chosen level, floored
// at one so every station contributes at least one port.
func portsForLevel(raw RawStation, level Level) int {
	var n *int
	switch level {
	case LevelDCFast:
		n = raw.EVDCFastNum
	case Level2:
		n = raw.EVLevel2EVSENum
	default:
		n = raw.EVLevel1EVSENum
	}
	if n == nil || *n < 1 {
		return 1
	}
	return *n
}

// normalizeConnectors maps the raw enum strings onto the canonical
// connector set, sorted so that multiset comparison reduces to slice
// equality. Unrecognized values collapse to ConnectorOther rather than
// being dropped.
func normalizeConnectors(raw []string) []Connector {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Connector, 0, len(raw))
	for _, r := range raw {
		switch strings.ToUpper(strings.TrimSpace(r)) {
		case string(ConnectorTesla):
			out = append(out, ConnectorTesla)
		case string(ConnectorJ1772):
			out = append(out, ConnectorJ1772)
		case string(ConnectorCCS):
			out = append(out, ConnectorCCS)
		case string(ConnectorCHAdeMO):
			out = append(out, ConnectorCHAdeMO)
		default:
			out = append(out, ConnectorOther)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CleanZip canonicalizes a raw ZIP to its 5-digit form. ZIP+4 values
// truncate to the prefix; anything whose first five characters are not
// all digits yields the empty string.
func CleanZip(raw string) string {
	z := strings.TrimSpace(raw)
	if len(z) < 5 {
		return ""
	}
	z = z[:5]
	for _, r := range z {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return z
}
