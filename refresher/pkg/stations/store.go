package stations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
)

// Serving and staging table names. The promotion swap exchanges them.
const (
	ServingTable = "stations"
	StagingTable = "stations_staging"
)

const stationColumns = `external_id, name, latitude, longitude, street_address, city,
	state_code, zip_code, level, num_ports, connector_types, network, created_at`

type StoreConfig struct {
	Logger *slog.Logger
	DB     *postgres.Client
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres client is required")
	}
	return nil
}

// Store reads and writes the canonical station tables. Writes only ever
// touch staging; serving is replaced wholesale by promotion.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// TruncateStaging empties the staging station table so an ingest always
// starts from a clean slate.
func (s *Store) TruncateStaging(ctx context.Context) error {
	_, err := s.cfg.DB.Pool().Exec(ctx, "TRUNCATE TABLE "+StagingTable)
	if err != nil {
		return fmt.Errorf("failed to truncate staging stations: %w", err)
	}
	return nil
}

// InsertStagingChunk bulk-inserts one chunk of canonical stations into
// staging via the postgres COPY protocol.
func (s *Store) InsertStagingChunk(ctx context.Context, chunk []Station) (err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	rows := make([][]any, len(chunk))
	for i, st := range chunk {
		var zip any
		if st.ZipCode != "" {
			zip = st.ZipCode
		}
		rows[i] = []any{
			st.ExternalID, st.Name, st.Latitude, st.Longitude, st.Address, st.City,
			st.StateCode, zip, string(st.Level), st.NumPorts,
			connectorsToStrings(st.Connectors), st.Network, st.CreatedAt,
		}
	}

	_, err = s.cfg.DB.Pool().CopyFrom(ctx,
		pgx.Identifier{StagingTable},
		[]string{
			"external_id", "name", "latitude", "longitude", "street_address", "city",
			"state_code", "zip_code", "level", "num_ports", "connector_types", "network", "created_at",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy station chunk: %w", err)
	}
	return nil
}

// Count returns the number of stations in the given table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.cfg.DB.Pool().QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// All returns every station in the given table.
func (s *Store) All(ctx context.Context, table string) ([]Station, error) {
	rows, err := s.cfg.DB.Pool().Query(ctx, "SELECT "+stationColumns+" FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return scanStations(rows)
}

// AllByID returns the given table's stations keyed by external id.
func (s *Store) AllByID(ctx context.Context, table string) (map[int64]Station, error) {
	all, err := s.All(ctx, table)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Station, len(all))
	for _, st := range all {
		byID[st.ExternalID] = st
	}
	return byID, nil
}

// ByZips returns the staging stations whose (state, ZIP) pair is in
// keys, in one round-trip.
func (s *Store) ByZips(ctx context.Context, keys []ZipKey) (res []Station, err error) {
	if len(keys) == 0 {
		return nil, nil
	}
	defer postgres.RecordQuery(time.Now(), &err)

	states := make([]string, len(keys))
	zips := make([]string, len(keys))
	for i, k := range keys {
		states[i] = k.StateCode
		zips[i] = k.ZipCode
	}

	rows, err := s.cfg.DB.Pool().Query(ctx, `
		SELECT `+stationColumns+`
		FROM `+StagingTable+` s
		JOIN unnest($1::text[], $2::text[]) AS k(state_code, zip_code)
		  ON s.state_code = k.state_code AND s.zip_code = k.zip_code`,
		states, zips,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations by zips: %w", err)
	}
	return scanStations(rows)
}

// InBBox returns the staging stations of one state whose coordinates
// fall inside the given bounding box.
func (s *Store) InBBox(ctx context.Context, stateCode string, minLat, maxLat, minLng, maxLng float64) ([]Station, error) {
	rows, err := s.cfg.DB.Pool().Query(ctx, `
		SELECT `+stationColumns+`
		FROM `+StagingTable+`
		WHERE state_code = $1
		  AND latitude BETWEEN $2 AND $3
		  AND longitude BETWEEN $4 AND $5`,
		stateCode, minLat, maxLat, minLng, maxLng,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations in bbox: %w", err)
	}
	return scanStations(rows)
}

func scanStations(rows pgx.Rows) ([]Station, error) {
	defer rows.Close()

	var out []Station
	for rows.Next() {
		var st Station
		var zip *string
		var level string
		var connectors []string
		if err := rows.Scan(
			&st.ExternalID, &st.Name, &st.Latitude, &st.Longitude, &st.Address, &st.City,
			&st.StateCode, &zip, &level, &st.NumPorts, &connectors, &st.Network, &st.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		if zip != nil {
			st.ZipCode = *zip
		}
		st.Level = Level(level)
		st.Connectors = stringsToConnectors(connectors)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stations: %w", err)
	}
	return out, nil
}

func connectorsToStrings(cs []Connector) []string {
	if len(cs) == 0 {
		return []string{}
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func stringsToConnectors(ss []string) []Connector {
	if len(ss) == 0 {
		return nil
	}
	out := make([]Connector, len(ss))
	for i, s := range ss {
		out[i] = Connector(s)
	}
	return out
}
