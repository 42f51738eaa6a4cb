package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

// Aggregate table names per resolution. The promotion swap exchanges
// each serving table with its staging twin.
const (
	StateServing  = "state_aggregates"
	StateStaging  = "state_aggregates_staging"
	CountyServing = "county_aggregates"
	CountyStaging = "county_aggregates_staging"
	ZipServing    = "zip_aggregates"
	ZipStaging    = "zip_aggregates_staging"
)

// insertBatch caps how many rows go into one COPY call.
const insertBatch = 500

// aggregateColumns is the metric tail shared by all three tables; each
// Replace method prepends its own key columns.
var aggregateColumns = []string{
	"latitude", "longitude",
	"population", "population_estimated",
	"total_chargers", "dcfast_count", "level2_count", "level1_count",
	"tesla_count", "ccs_count", "j1772_count", "chademo_count",
	"tesla_ports", "ccs_ports", "j1772_ports", "chademo_ports", "total_ports",
	"need_score", "ev_infrastructure_score", "opportunity_score",
	"vmt_per_capita", "zoom_range", "computed_at",
}

func aggregateValues(r Row) []any {
	return []any{
		r.Latitude, r.Longitude,
		r.Population, r.PopulationEstimated,
		r.Total, r.DCFast, r.Level2, r.Level1,
		r.TeslaCount, r.CCSCount, r.J1772Count, r.ChademoCount,
		r.TeslaPorts, r.CCSPorts, r.J1772Ports, r.ChademoPorts, r.TotalPorts,
		r.NeedScore, r.ReadinessScore, r.OpportunityScore,
		r.VMTPerCapita, r.ZoomRange, r.ComputedAt,
	}
}

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

// Store writes aggregate rows into the staging tables. Staging rows
// survive across cycles; a replace only touches the keys it is given,
// so untargeted regions keep their previous rows.
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

// ReplaceStateRows rewrites the staging rows for the states present in
// rows. Rows with inconsistent level counts abort before any write.
func (s *Store) ReplaceStateRows(ctx context.Context, rows []Row) error {
	if err := checkLevels(rows, func(r Row) string { return "state " + r.StateCode }); err != nil {
		return err
	}
	codes := make([]string, len(rows))
	values := make([][]any, len(rows))
	for i, r := range rows {
		codes[i] = r.StateCode
		values[i] = append([]any{r.StateCode, r.Name}, aggregateValues(r)...)
	}
	return s.replace(ctx, StateStaging,
		"DELETE FROM "+StateStaging+" WHERE state_code = ANY($1)", []any{codes},
		append([]string{"state_code", "name"}, aggregateColumns...), values)
}

// ReplaceCountyRows rewrites the staging rows for the counties present
// in rows.
func (s *Store) ReplaceCountyRows(ctx context.Context, rows []Row) error {
	if err := checkLevels(rows, func(r Row) string { return "county " + r.CountyFIPS }); err != nil {
		return err
	}
	fips := make([]string, len(rows))
	values := make([][]any, len(rows))
	for i, r := range rows {
		fips[i] = r.CountyFIPS
		values[i] = append([]any{r.CountyFIPS, r.StateCode, r.Name}, aggregateValues(r)...)
	}
	return s.replace(ctx, CountyStaging,
		"DELETE FROM "+CountyStaging+" WHERE county_fips = ANY($1)", []any{fips},
		append([]string{"county_fips", "state_code", "county_name"}, aggregateColumns...), values)
}

// ReplaceZipRows deletes the staging rows for every key and re-inserts
// the given rows. Keys without a row are ZIPs whose last station left;
// the delete is what retires them.
func (s *Store) ReplaceZipRows(ctx context.Context, keys []stations.ZipKey, rows []Row) error {
	if len(keys) == 0 && len(rows) == 0 {
		return nil
	}
	if err := checkLevels(rows, func(r Row) string { return "zip " + r.StateCode + " " + r.ZipCode }); err != nil {
		return err
	}
	states := make([]string, len(keys))
	zips := make([]string, len(keys))
	for i, k := range keys {
		states[i] = k.StateCode
		zips[i] = k.ZipCode
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = append([]any{r.StateCode, r.ZipCode}, aggregateValues(r)...)
	}
	return s.replace(ctx, ZipStaging, `
		DELETE FROM `+ZipStaging+` z
		USING unnest($1::text[], $2::text[]) AS k(state_code, zip_code)
		WHERE z.state_code = k.state_code AND z.zip_code = k.zip_code`,
		[]any{states, zips},
		append([]string{"state_code", "zip_code"}, aggregateColumns...), values)
}

// Count returns the number of rows in the given aggregate table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.cfg.DB.Pool().QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) replace(ctx context.Context, table, deleteSQL string, deleteArgs []any, columns []string, values [][]any) (err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	tx, err := s.cfg.DB.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin %s replace: %w", table, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err = tx.Exec(ctx, deleteSQL, deleteArgs...); err != nil {
		return fmt.Errorf("failed to delete stale %s rows: %w", table, err)
	}
	for start := 0; start < len(values); start += insertBatch {
		end := min(start+insertBatch, len(values))
		if _, err = tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(values[start:end])); err != nil {
			return fmt.Errorf("failed to copy %s rows: %w", table, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s replace: %w", table, err)
	}
	return nil
}

func checkLevels(rows []Row, describe func(Row) string) error {
	for _, r := range rows {
		if !r.LevelsConsistent() {
			return fmt.Errorf("%s: level counts %d+%d+%d do not sum to %d chargers",
				describe(r), r.DCFast, r.Level2, r.Level1, r.Total)
		}
	}
	return nil
}
