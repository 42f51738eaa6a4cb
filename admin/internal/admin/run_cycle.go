package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/aggregate"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/changes"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/geo"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/pipeline"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/refdata"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/zipqueue"
)

// RunCycleConfig holds the inputs for a one-off refresh cycle.
type RunCycleConfig struct {
	ConnStr          string
	CountyTopology   string
	StationsAPIKey   string
	PopulationAPIKey string
	CycleDeadline    time.Duration
}

// RunCycle drives a single refresh cycle with the same wiring the
// service uses, minus the report sinks; the operator reads the outcome
// here instead.
func RunCycle(ctx context.Context, log *slog.Logger, cfg RunCycleConfig) error {
	db, err := postgres.New(ctx, postgres.Config{Logger: log, ConnStr: cfg.ConnStr})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	counties, err := geo.LoadCounties(ctx, geo.LoadConfig{Logger: log, Source: cfg.CountyTopology})
	if err != nil {
		return fmt.Errorf("failed to load county topology: %w", err)
	}

	stationStore, err := stations.NewStore(stations.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create station store: %w", err)
	}
	registry, err := stations.NewRegistry(stations.RegistryConfig{Logger: log, APIKey: cfg.StationsAPIKey})
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}
	ingestor, err := stations.NewIngestor(stations.IngestorConfig{Logger: log, Source: registry, Store: stationStore})
	if err != nil {
		return fmt.Errorf("failed to create ingestor: %w", err)
	}
	changeStore, err := changes.NewStore(changes.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create change store: %w", err)
	}
	detector, err := changes.NewDetector(changes.DetectorConfig{
		Logger:     log,
		Stations:   stationStore,
		Aggregates: changeStore,
		Counties:   counties,
	})
	if err != nil {
		return fmt.Errorf("failed to create change detector: %w", err)
	}
	refStore, err := refdata.NewStore(refdata.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create refdata store: %w", err)
	}
	census, err := refdata.NewCensusClient(refdata.CensusConfig{Logger: log, APIKey: cfg.PopulationAPIKey})
	if err != nil {
		return fmt.Errorf("failed to create census client: %w", err)
	}
	refCache, err := refdata.New(refdata.Config{Logger: log, Store: refStore, Census: census})
	if err != nil {
		return fmt.Errorf("failed to create refdata cache: %w", err)
	}
	aggStore, err := aggregate.NewStore(aggregate.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create aggregate store: %w", err)
	}
	engine, err := aggregate.NewEngine(aggregate.EngineConfig{
		Logger:   log,
		Stations: stationStore,
		RefData:  refCache,
		Counties: counties,
		Store:    aggStore,
	})
	if err != nil {
		return fmt.Errorf("failed to create aggregate engine: %w", err)
	}
	queue, err := zipqueue.NewStore(zipqueue.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create zip queue: %w", err)
	}
	runner, err := zipqueue.NewRunner(zipqueue.RunnerConfig{
		Logger:      log,
		Queue:       queue,
		Stations:    stationStore,
		Populations: refCache,
		Aggregates:  aggStore,
	})
	if err != nil {
		return fmt.Errorf("failed to create zip runner: %w", err)
	}
	cycles, err := pipeline.NewCycleStore(pipeline.CycleStoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create cycle store: %w", err)
	}

	pl, err := pipeline.New(pipeline.Config{
		Logger:        log,
		DB:            db,
		Cycles:        cycles,
		Ingestor:      ingestor,
		Detector:      detector,
		Engine:        engine,
		ZipQueue:      queue,
		ZipRunner:     runner,
		Stations:      stationStore,
		Aggregates:    aggStore,
		CycleDeadline: cfg.CycleDeadline,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	res, err := pl.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Cycle %s finished: %s (%s)\n", res.CycleID, res.Status, res.Message)
	fmt.Printf("  - stations: %d inserted, %d rejected\n", res.Counts.Inserted, res.Counts.Rejected)
	fmt.Printf("  - changes: %d added, %d removed, %d modified\n", res.Counts.Added, res.Counts.Removed, res.Counts.Modified)
	fmt.Printf("  - scope: %d states, %d counties, %d ZIPs\n", res.Counts.States, res.Counts.Counties, res.Counts.Zips)
	if res.Partial() {
		fmt.Printf("  - ZIP aggregation incomplete (%.0f%% done); run again to resume\n", res.Completion*100)
	}
	return nil
}
