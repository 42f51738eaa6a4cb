package refdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
)

// populationTTL is how long a cached population figure stays
// authoritative before a live refetch is attempted.
const populationTTL = 30 * 24 * time.Hour

type StoreConfig struct {
	Logger *slog.Logger
	DB     *postgres.Client
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CachedPopulation is one row of the population cache.
type CachedPopulation struct {
	RegionType RegionType
	RegionCode string
	RegionName string
	Population int64
	FetchedAt  time.Time
}

// Fresh reports whether the row is still within the cache TTL.
func (c CachedPopulation) Fresh(now time.Time) bool {
	return now.Sub(c.FetchedAt) <= populationTTL
}

// Store persists the population cache and the county VMT table.
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

// CachedPopulation returns the cache row for one region, or nil when
// the region has never been cached. Staleness is the caller's call.
func (s *Store) CachedPopulation(ctx context.Context, rt RegionType, code string) (_ *CachedPopulation, err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	row := s.cfg.DB.Pool().QueryRow(ctx,
		`SELECT region_type, region_code, region_name, population, fetched_at
		 FROM population_cache WHERE region_type = $1 AND region_code = $2`,
		string(rt), code,
	)
	var c CachedPopulation
	if err := row.Scan(&c.RegionType, &c.RegionCode, &c.RegionName, &c.Population, &c.FetchedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read population cache: %w", err)
	}
	return &c, nil
}

// CachedPopulations returns the cache rows present for the given codes
// of one region type, keyed by code. Absent codes are simply missing
// from the map.
func (s *Store) CachedPopulations(ctx context.Context, rt RegionType, codes []string) (_ map[string]CachedPopulation, err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	rows, err := s.cfg.DB.Pool().Query(ctx,
		`SELECT region_type, region_code, region_name, population, fetched_at
		 FROM population_cache WHERE region_type = $1 AND region_code = ANY($2)`,
		string(rt), codes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read population cache: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CachedPopulation, len(codes))
	for rows.Next() {
		var c CachedPopulation
		if err := rows.Scan(&c.RegionType, &c.RegionCode, &c.RegionName, &c.Population, &c.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan population cache row: %w", err)
		}
		out[c.RegionCode] = c
	}
	return out, rows.Err()
}

// UpsertPopulation records a live census figure. Last writer wins; a
// lost race only costs one extra live fetch next cycle.
func (s *Store) UpsertPopulation(ctx context.Context, rt RegionType, code, name string, population int64) (err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	_, err = s.cfg.DB.Pool().Exec(ctx,
		`INSERT INTO population_cache (region_type, region_code, region_name, population, fetched_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (region_type, region_code)
		 DO UPDATE SET region_name = EXCLUDED.region_name,
		               population  = EXCLUDED.population,
		               fetched_at  = EXCLUDED.fetched_at`,
		string(rt), code, name, population, s.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert population cache: %w", err)
	}
	return nil
}

// ReplaceVMT swaps the whole county VMT table for the given records in
// one transaction. The table has no TTL; each ingestion replaces it.
func (s *Store) ReplaceVMT(ctx context.Context, records []VMTRecord) (err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	tx, err := s.cfg.DB.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin vmt replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM vmt_by_county"); err != nil {
		return fmt.Errorf("failed to clear vmt table: %w", err)
	}

	now := s.cfg.Clock.Now().UTC()
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.CountyFIPS, r.AnnualVMT, r.DailyVMT(), now}
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"vmt_by_county"},
		[]string{"county_fips", "annual_vmt", "daily_vmt", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy vmt rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit vmt replace: %w", err)
	}
	s.log.Info("refdata: replaced county vmt table", "counties", len(records))
	return nil
}

// DailyVMT returns daily vehicle miles traveled for every county on
// record, keyed by 5-digit FIPS.
func (s *Store) DailyVMT(ctx context.Context) (_ map[string]float64, err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	rows, err := s.cfg.DB.Pool().Query(ctx, "SELECT county_fips, daily_vmt FROM vmt_by_county")
	if err != nil {
		return nil, fmt.Errorf("failed to read vmt table: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var fips string
		var daily float64
		if err := rows.Scan(&fips, &daily); err != nil {
			return nil, fmt.Errorf("failed to scan vmt row: %w", err)
		}
		out[fips] = daily
	}
	return out, rows.Err()
}
