package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"golang.org/x/sync/errgroup"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/geo"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/refdata"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

const (
	// defaultCountyWorkers bounds concurrent county passes; each pass
	// costs one bbox query plus a population lookup.
	defaultCountyWorkers = 8
	// countyBBoxBuffer widens county bounds by ~5km so border stations
	// reach the point-in-polygon test.
	countyBBoxBuffer = 0.05
)

type StationReader interface {
	All(ctx context.Context, table string) ([]stations.Station, error)
	InBBox(ctx context.Context, stateCode string, minLat, maxLat, minLng, maxLng float64) ([]stations.Station, error)
}

type PopulationResolver interface {
	Population(ctx context.Context, rt refdata.RegionType, code string) (refdata.Population, error)
	DailyVMT(ctx context.Context) (map[string]float64, error)
}

type EngineConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Stations StationReader
	RefData  PopulationResolver
	Counties *geo.Index
	Store    *Store

	// CountyWorkers caps concurrent county aggregation. Defaults to 8.
	CountyWorkers int
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Stations == nil {
		return errors.New("station reader is required")
	}
	if cfg.RefData == nil {
		return errors.New("population resolver is required")
	}
	if cfg.Counties == nil {
		return errors.New("county index is required")
	}
	if cfg.Store == nil {
		return errors.New("aggregate store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CountyWorkers <= 0 {
		cfg.CountyWorkers = defaultCountyWorkers
	}
	return nil
}

// Engine computes the state and county aggregate rows from staging
// stations. ZIP rows are computed by the zip queue runner, which reuses
// this package's tally and store.
type Engine struct {
	log *slog.Logger
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// States rewrites every state row from one scan of staging stations.
// All fifty-one rows are always written so states that lost their last
// station still render with zero chargers.
func (e *Engine) States(ctx context.Context) (int, error) {
	all, err := e.cfg.Stations.All(ctx, stations.StagingTable)
	if err != nil {
		return 0, fmt.Errorf("failed to load staging stations: %w", err)
	}

	tallies := make(map[string]*Tally)
	for _, st := range all {
		t, ok := tallies[st.StateCode]
		if !ok {
			t = &Tally{}
			tallies[st.StateCode] = t
		}
		t.Add(st)
	}

	computedAt := e.cfg.Clock.Now().UTC()
	rows := make([]Row, 0, len(refdata.States))
	for _, info := range refdata.States {
		var t Tally
		if got, ok := tallies[info.Code]; ok {
			t = *got
			delete(tallies, info.Code)
		}

		pop, err := e.cfg.RefData.Population(ctx, refdata.RegionState, info.Code)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve population for state %s: %w", info.Code, err)
		}

		lat, lng, ok := t.Centroid()
		if !ok {
			lat, lng = info.CentroidLat, info.CentroidLng
		}

		row := Row{
			StateCode:           info.Code,
			Name:                info.Name,
			Latitude:            lat,
			Longitude:           lng,
			Population:          pop.Value,
			PopulationEstimated: pop.Estimated(),
			Tally:               t,
			ZoomRange:           ZoomStates,
			ComputedAt:          computedAt,
		}
		row.score(nil)
		rows = append(rows, row)
	}
	if len(tallies) > 0 {
		e.log.Debug("aggregate: stations outside known states skipped", "states", len(tallies))
	}

	if err := e.cfg.Store.ReplaceStateRows(ctx, rows); err != nil {
		return 0, err
	}
	e.log.Info("aggregate: state rows replaced", "rows", len(rows))
	return len(rows), nil
}

// AllCounties rewrites every county row. Used on bootstrap, when no
// serving baseline exists to diff against.
func (e *Engine) AllCounties(ctx context.Context) (int, error) {
	return e.countyPass(ctx, e.cfg.Counties.All())
}

// Counties rewrites the rows of just the targeted counties. Unknown
// FIPS codes are skipped; an empty target set writes nothing.
func (e *Engine) Counties(ctx context.Context, targets map[string]geo.CountyRef) (int, error) {
	list := make([]*geo.County, 0, len(targets))
	for fips := range targets {
		county, ok := e.cfg.Counties.ByFIPS(fips)
		if !ok {
			e.log.Warn("aggregate: targeted county not in topology", "fips", fips)
			continue
		}
		list = append(list, county)
	}
	return e.countyPass(ctx, list)
}

func (e *Engine) countyPass(ctx context.Context, list []*geo.County) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}
	sorted := make([]*geo.County, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FIPS < sorted[j].FIPS })

	daily, err := e.cfg.RefData.DailyVMT(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// VMT enriches county scores but never blocks them.
		e.log.Warn("aggregate: county vmt unavailable", "error", err)
		daily = nil
	}

	computedAt := e.cfg.Clock.Now().UTC()
	rows := make([]Row, len(sorted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.CountyWorkers)
	for i, county := range sorted {
		g.Go(func() error {
			dailyVMT, hasVMT := daily[county.FIPS]
			row, err := e.countyRow(gctx, county, dailyVMT, hasVMT, computedAt)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := e.cfg.Store.ReplaceCountyRows(ctx, rows); err != nil {
		return 0, err
	}
	e.log.Info("aggregate: county rows replaced", "rows", len(rows))
	return len(rows), nil
}

func (e *Engine) countyRow(ctx context.Context, county *geo.County, dailyVMT float64, hasVMT bool, computedAt time.Time) (Row, error) {
	b := county.Bound
	candidates, err := e.cfg.Stations.InBBox(ctx, county.StateCode,
		b.Min[1]-countyBBoxBuffer, b.Max[1]+countyBBoxBuffer,
		b.Min[0]-countyBBoxBuffer, b.Max[0]+countyBBoxBuffer)
	if err != nil {
		return Row{}, fmt.Errorf("failed to load stations for county %s: %w", county.FIPS, err)
	}

	var t Tally
	for _, st := range candidates {
		if planar.MultiPolygonContains(county.Geometry, orb.Point{st.Longitude, st.Latitude}) {
			t.Add(st)
		}
	}

	pop, err := e.cfg.RefData.Population(ctx, refdata.RegionCounty, county.FIPS)
	if err != nil {
		return Row{}, fmt.Errorf("failed to resolve population for county %s: %w", county.FIPS, err)
	}

	var vmtPC *float64
	if hasVMT && pop.Value > 0 {
		v := dailyVMT / float64(pop.Value)
		vmtPC = &v
	}

	lat, lng, ok := t.Centroid()
	if !ok {
		lat, lng = county.Centroid[1], county.Centroid[0]
	}

	row := Row{
		StateCode:           county.StateCode,
		Name:                county.Name,
		CountyFIPS:          county.FIPS,
		Latitude:            lat,
		Longitude:           lng,
		Population:          pop.Value,
		PopulationEstimated: pop.Estimated(),
		Tally:               t,
		ZoomRange:           ZoomCounties,
		ComputedAt:          computedAt,
	}
	row.score(vmtPC)
	return row, nil
}
