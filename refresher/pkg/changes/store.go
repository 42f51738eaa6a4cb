package changes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

// LevelCounts is a ZIP's station tally broken down by charger level.
type LevelCounts struct {
	Total  int
	DCFast int
	Level2 int
	Level1 int
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

// Store reads the serving ZIP aggregates the detector filters against.
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

// ServingZipLevelCounts returns per-level counts from the serving ZIP
// aggregate table for the given keys. ZIPs with no serving row are
// absent from the result.
func (s *Store) ServingZipLevelCounts(ctx context.Context, keys []stations.ZipKey) (_ map[stations.ZipKey]LevelCounts, err error) {
	defer postgres.RecordQuery(time.Now(), &err)

	if len(keys) == 0 {
		return map[stations.ZipKey]LevelCounts{}, nil
	}

	states := make([]string, len(keys))
	zips := make([]string, len(keys))
	for i, key := range keys {
		states[i] = key.StateCode
		zips[i] = key.ZipCode
	}

	rows, err := s.cfg.DB.Pool().Query(ctx,
		`SELECT z.state_code, z.zip_code, z.total_chargers, z.dcfast_count, z.level2_count, z.level1_count
		 FROM zip_aggregates z
		 JOIN unnest($1::text[], $2::text[]) AS k(state_code, zip_code)
		   ON z.state_code = k.state_code AND z.zip_code = k.zip_code`,
		states, zips,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query serving zip counts: %w", err)
	}
	defer rows.Close()

	out := make(map[stations.ZipKey]LevelCounts, len(keys))
	for rows.Next() {
		var key stations.ZipKey
		var counts LevelCounts
		if err := rows.Scan(&key.StateCode, &key.ZipCode, &counts.Total, &counts.DCFast, &counts.Level2, &counts.Level1); err != nil {
			return nil, fmt.Errorf("failed to scan serving zip counts: %w", err)
		}
		out[key] = counts
	}
	return out, rows.Err()
}
