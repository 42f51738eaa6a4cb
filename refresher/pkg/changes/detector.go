package changes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/geo"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

// StationReader loads a full station table keyed by external id.
type StationReader interface {
	AllByID(ctx context.Context, table string) (map[int64]stations.Station, error)
}

// ZipCountsReader returns serving ZIP aggregate per-level counts for
// the already-current filter.
type ZipCountsReader interface {
	ServingZipLevelCounts(ctx context.Context, keys []stations.ZipKey) (map[stations.ZipKey]LevelCounts, error)
}

// CountyLocator resolves coordinates to a county polygon.
type CountyLocator interface {
	Locate(lat, lng float64) (*geo.County, bool)
}

type DetectorConfig struct {
	Logger     *slog.Logger
	Stations   StationReader
	Aggregates ZipCountsReader
	Counties   CountyLocator
}

func (cfg *DetectorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Stations == nil {
		return errors.New("station reader is required")
	}
	if cfg.Aggregates == nil {
		return errors.New("zip counts reader is required")
	}
	if cfg.Counties == nil {
		return errors.New("county locator is required")
	}
	return nil
}

// Detector diffs the freshly staged station set against the serving
// one and derives the regions whose aggregates are now out of date.
type Detector struct {
	log *slog.Logger
	cfg DetectorConfig
}

func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{log: cfg.Logger, cfg: cfg}, nil
}

// Detect reads both station tables, classifies every change, marks the
// regions of each changed station (for a modification, both the old
// and new location), and finally drops ZIPs whose serving aggregate is
// already current. An empty result is valid.
func (d *Detector) Detect(ctx context.Context) (*ChangeSet, error) {
	staging, err := d.cfg.Stations.AllByID(ctx, stations.StagingTable)
	if err != nil {
		return nil, fmt.Errorf("failed to load staging stations: %w", err)
	}
	serving, err := d.cfg.Stations.AllByID(ctx, stations.ServingTable)
	if err != nil {
		return nil, fmt.Errorf("failed to load serving stations: %w", err)
	}

	cs := NewChangeSet()
	for id, st := range staging {
		old, ok := serving[id]
		if !ok {
			cs.Added++
			d.mark(cs, st)
			continue
		}
		if Differs(st, old) {
			cs.Modified++
			d.mark(cs, st)
			d.mark(cs, old)
		}
	}
	for id, old := range serving {
		if _, ok := staging[id]; !ok {
			cs.Removed++
			d.mark(cs, old)
		}
	}

	if err := d.dropCurrentZips(ctx, cs, staging); err != nil {
		return nil, err
	}

	metrics.ChangeEventsTotal.WithLabelValues("added").Add(float64(cs.Added))
	metrics.ChangeEventsTotal.WithLabelValues("removed").Add(float64(cs.Removed))
	metrics.ChangeEventsTotal.WithLabelValues("modified").Add(float64(cs.Modified))

	d.log.Info("changes: detection completed",
		"added", cs.Added,
		"removed", cs.Removed,
		"modified", cs.Modified,
		"states", len(cs.States),
		"counties", len(cs.Counties),
		"zips", len(cs.Zips),
	)
	return cs, nil
}

func (d *Detector) mark(cs *ChangeSet, st stations.Station) {
	cs.States[st.StateCode] = struct{}{}
	if key, ok := stations.ZipKeyOf(st); ok {
		cs.Zips[key] = struct{}{}
	}
	if county, ok := d.cfg.Counties.Locate(st.Latitude, st.Longitude); ok {
		cs.Counties[county.FIPS] = county.Ref()
	}
}

// dropCurrentZips removes affected ZIPs whose serving aggregate
// per-level counts already match the staging grouping, so the ZIP
// sub-pipeline only touches ZIPs that would actually change.
func (d *Detector) dropCurrentZips(ctx context.Context, cs *ChangeSet, staging map[int64]stations.Station) error {
	if len(cs.Zips) == 0 {
		return nil
	}

	grouped := make(map[stations.ZipKey]LevelCounts, len(cs.Zips))
	for _, st := range staging {
		key, ok := stations.ZipKeyOf(st)
		if !ok {
			continue
		}
		if _, affected := cs.Zips[key]; !affected {
			continue
		}
		counts := grouped[key]
		counts.Total++
		switch st.Level {
		case stations.LevelDCFast:
			counts.DCFast++
		case stations.Level2:
			counts.Level2++
		case stations.Level1:
			counts.Level1++
		}
		grouped[key] = counts
	}

	serving, err := d.cfg.Aggregates.ServingZipLevelCounts(ctx, cs.ZipKeys())
	if err != nil {
		return fmt.Errorf("failed to load serving zip counts: %w", err)
	}

	dropped := 0
	for key := range cs.Zips {
		current, ok := serving[key]
		if !ok {
			continue
		}
		if current == grouped[key] {
			delete(cs.Zips, key)
			dropped++
		}
	}
	if dropped > 0 {
		d.log.Debug("changes: dropped already-current zips", "count", dropped)
	}
	return nil
}
