package refdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
)

const (
	// zipBatchSize caps ZCTA codes per census request.
	zipBatchSize = 50
	// zipBatchConcurrency caps in-flight census requests per batch.
	zipBatchConcurrency = 10
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *Store
	Census *CensusClient
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("refdata store is required")
	}
	if cfg.Census == nil {
		return errors.New("census client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Cache resolves region populations: cache first, then a live census
// fetch, then an estimate. It never fails a lookup outright unless the
// caller's context is done; scoring always gets a figure to work with.
type Cache struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{log: cfg.Logger, cfg: cfg}, nil
}

// Population resolves one region's population. Estimated figures are
// returned but never written to the cache.
func (c *Cache) Population(ctx context.Context, rt RegionType, code string) (Population, error) {
	now := c.cfg.Clock.Now()

	cached, err := c.cfg.Store.CachedPopulation(ctx, rt, code)
	if err != nil {
		if ctx.Err() != nil {
			return Population{}, ctx.Err()
		}
		c.log.Warn("refdata: population cache read failed",
			"region_type", string(rt), "code", code, "error", err)
	}
	if cached != nil && cached.Fresh(now) {
		metrics.PopulationLookupsTotal.WithLabelValues(string(SourceCached)).Inc()
		return Population{Value: cached.Population, Source: SourceCached}, nil
	}

	live, err := c.fetchLive(ctx, rt, code)
	if err != nil {
		if ctx.Err() != nil {
			return Population{}, ctx.Err()
		}
		c.log.Warn("refdata: live population fetch failed, estimating",
			"region_type", string(rt), "code", code, "error", err)
		metrics.PopulationLookupsTotal.WithLabelValues(string(SourceEstimate)).Inc()
		return c.estimate(rt, code), nil
	}

	if err := c.cfg.Store.UpsertPopulation(ctx, rt, code, live.Name, live.Population); err != nil {
		c.log.Warn("refdata: population cache write failed",
			"region_type", string(rt), "code", code, "error", err)
	}
	metrics.PopulationLookupsTotal.WithLabelValues(string(SourceLive)).Inc()
	return Population{Value: live.Population, Source: SourceLive}, nil
}

// PopulationBatchZIP resolves many ZIP populations at once: cached rows
// are taken first, the rest fetched in census batches of up to
// 50 codes with at most 10 requests in flight. ZIPs the census does not
// recognize get the estimate; they are never an error.
func (c *Cache) PopulationBatchZIP(ctx context.Context, zips []string) (map[string]Population, error) {
	codes := dedupe(zips)
	out := make(map[string]Population, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	now := c.cfg.Clock.Now()

	cached, err := c.cfg.Store.CachedPopulations(ctx, RegionZip, codes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("refdata: population cache read failed", "codes", len(codes), "error", err)
	}

	var missing []string
	for _, code := range codes {
		if row, ok := cached[code]; ok && row.Fresh(now) {
			out[code] = Population{Value: row.Population, Source: SourceCached}
			metrics.PopulationLookupsTotal.WithLabelValues(string(SourceCached)).Inc()
			continue
		}
		missing = append(missing, code)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(zipBatchConcurrency)

	for start := 0; start < len(missing); start += zipBatchSize {
		chunk := missing[start:min(start+zipBatchSize, len(missing))]
		g.Go(func() error {
			live, err := c.cfg.Census.ZipPopulations(gctx, chunk)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.log.Warn("refdata: zip population batch failed, estimating",
					"zips", len(chunk), "error", err)
			}

			mu.Lock()
			for _, code := range chunk {
				if rp, ok := live[code]; ok {
					out[code] = Population{Value: rp.Population, Source: SourceLive}
					metrics.PopulationLookupsTotal.WithLabelValues(string(SourceLive)).Inc()
				} else {
					out[code] = Population{Value: regionEstimate, Source: SourceEstimate}
					metrics.PopulationLookupsTotal.WithLabelValues(string(SourceEstimate)).Inc()
				}
			}
			mu.Unlock()

			for code, rp := range live {
				if err := c.cfg.Store.UpsertPopulation(gctx, RegionZip, code, rp.Name, rp.Population); err != nil {
					c.log.Warn("refdata: population cache write failed", "zip", code, "error", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DailyVMT exposes the county VMT table for the aggregation passes.
func (c *Cache) DailyVMT(ctx context.Context) (map[string]float64, error) {
	return c.cfg.Store.DailyVMT(ctx)
}

func (c *Cache) fetchLive(ctx context.Context, rt RegionType, code string) (RegionPopulation, error) {
	switch rt {
	case RegionState:
		info, ok := StateByCode(code)
		if !ok {
			return RegionPopulation{}, fmt.Errorf("unknown state code %q", code)
		}
		return c.cfg.Census.StatePopulation(ctx, info.FIPS)
	case RegionCounty:
		return c.cfg.Census.CountyPopulation(ctx, code)
	case RegionZip:
		m, err := c.cfg.Census.ZipPopulations(ctx, []string{code})
		if err != nil {
			return RegionPopulation{}, err
		}
		rp, ok := m[code]
		if !ok {
			return RegionPopulation{}, ErrRegionUnknown
		}
		return rp, nil
	default:
		return RegionPopulation{}, fmt.Errorf("unknown region type %q", rt)
	}
}

func (c *Cache) estimate(rt RegionType, code string) Population {
	if rt == RegionState {
		if info, ok := StateByCode(code); ok {
			return Population{Value: info.Population, Source: SourceEstimate}
		}
	}
	return Population{Value: regionEstimate, Source: SourceEstimate}
}

func dedupe(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
