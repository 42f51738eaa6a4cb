package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
	flag "github.com/spf13/pflag"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/aggregate"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/audit"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/changes"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/clickhouse"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/geo"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/notify"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/pipeline"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/refdata"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/server"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/zipqueue"
	"github.com/gridscoutlabs/gridscout/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

// Shell-level exit codes for --once mode.
const (
	exitCycleInProgress   = 2
	exitUpstreamError     = 3
	exitPromotionFailed   = 4
	exitPartialCompletion = 5
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	onceFlag := flag.Bool("once", false, "Run a single refresh cycle and exit")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for HTTP")
	refreshIntervalFlag := flag.Duration("refresh-interval", 0, "Run cycles on this interval inside the server; 0 relies on the trigger webhook")
	cycleDeadlineFlag := flag.Duration("cycle-deadline", 0, "Budget for one cycle invocation; the ZIP stage yields at this deadline (0 uses the default)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "Maximum time to drain in-flight requests during graceful shutdown")
	countyTopologyFlag := flag.String("county-topology", "", "County polygon GeoJSON source, a local path or s3://bucket/key (or set COUNTY_TOPOLOGY_SOURCE env var)")
	migrateFlag := flag.Bool("migrate", true, "Run postgres migrations at startup")

	flag.Parse()

	// Load a local .env when present; deployed environments set vars
	// directly.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if *countyTopologyFlag == "" {
		*countyTopologyFlag = os.Getenv("COUNTY_TOPOLOGY_SOURCE")
	}

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		return 1, errors.New("DB_URL is required")
	}
	stationsKey := os.Getenv("STATIONS_API_KEY")
	if stationsKey == "" {
		return 1, errors.New("STATIONS_API_KEY is required")
	}
	populationKey := os.Getenv("POPULATION_API_KEY")
	if populationKey == "" {
		return 1, errors.New("POPULATION_API_KEY is required")
	}
	cronSecret := os.Getenv("CRON_SECRET")
	if cronSecret == "" && !*onceFlag {
		return 1, errors.New("CRON_SECRET is required")
	}
	if *countyTopologyFlag == "" {
		return 1, errors.New("--county-topology or COUNTY_TOPOLOGY_SOURCE is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			return 1, fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{Logger: log, ConnStr: dbURL})
	if err != nil {
		return 1, err
	}
	defer db.Close()

	if *migrateFlag {
		if err := postgres.RunMigrations(ctx, log, db.ConnStr()); err != nil {
			return 1, fmt.Errorf("failed to run postgres migrations: %w", err)
		}
	}

	counties, err := geo.LoadCounties(ctx, geo.LoadConfig{Logger: log, Source: *countyTopologyFlag})
	if err != nil {
		return 1, err
	}

	pl, cycles, err := buildPipeline(ctx, log, db, counties, stationsKey, populationKey, *cycleDeadlineFlag)
	if err != nil {
		return 1, err
	}

	if *onceFlag {
		return runOnce(ctx, log, pl)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		CronSecret:      cronSecret,
		RefreshInterval: *refreshIntervalFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		DB:              db,
		Pipeline:        pl,
		Cycles:          cycles,
	})
	if err != nil {
		return 1, fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		return 1, err
	}
	return 0, nil
}

// runOnce drives a single cycle and translates the outcome into the
// shell exit code contract: 0 promoted or no changes, 2 cycle already
// in progress, 3 upstream failure, 4 promotion failure, 5 partial
// completion.
func runOnce(ctx context.Context, log *slog.Logger, pl *pipeline.Pipeline) (int, error) {
	res, err := pl.Run(ctx)
	switch {
	case errors.Is(err, pipeline.ErrCycleInProgress):
		return exitCycleInProgress, err
	case errors.Is(err, pipeline.ErrUpstream):
		return exitUpstreamError, err
	case errors.Is(err, pipeline.ErrPromotionFailed):
		return exitPromotionFailed, err
	case err != nil:
		return 1, err
	}

	log.Info("cycle finished",
		"cycle", res.CycleID,
		"status", res.Status,
		"message", res.Message,
		"inserted", res.Counts.Inserted,
		"rejected", res.Counts.Rejected,
		"added", res.Counts.Added,
		"removed", res.Counts.Removed,
		"modified", res.Counts.Modified,
	)
	if res.Partial() {
		return exitPartialCompletion, nil
	}
	return 0, nil
}

func buildPipeline(
	ctx context.Context,
	log *slog.Logger,
	db *postgres.Client,
	counties *geo.Index,
	stationsKey, populationKey string,
	cycleDeadline time.Duration,
) (*pipeline.Pipeline, *pipeline.CycleStore, error) {
	stationStore, err := stations.NewStore(stations.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create station store: %w", err)
	}

	registry, err := stations.NewRegistry(stations.RegistryConfig{Logger: log, APIKey: stationsKey})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create registry client: %w", err)
	}

	ingestor, err := stations.NewIngestor(stations.IngestorConfig{
		Logger: log,
		Source: registry,
		Store:  stationStore,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ingestor: %w", err)
	}

	changeStore, err := changes.NewStore(changes.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create change store: %w", err)
	}

	detector, err := changes.NewDetector(changes.DetectorConfig{
		Logger:     log,
		Stations:   stationStore,
		Aggregates: changeStore,
		Counties:   counties,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create change detector: %w", err)
	}

	refStore, err := refdata.NewStore(refdata.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create refdata store: %w", err)
	}

	census, err := refdata.NewCensusClient(refdata.CensusConfig{Logger: log, APIKey: populationKey})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create census client: %w", err)
	}

	refCache, err := refdata.New(refdata.Config{Logger: log, Store: refStore, Census: census})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create refdata cache: %w", err)
	}

	aggStore, err := aggregate.NewStore(aggregate.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create aggregate store: %w", err)
	}

	engine, err := aggregate.NewEngine(aggregate.EngineConfig{
		Logger:   log,
		Stations: stationStore,
		RefData:  refCache,
		Counties: counties,
		Store:    aggStore,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create aggregate engine: %w", err)
	}

	queue, err := zipqueue.NewStore(zipqueue.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zip queue: %w", err)
	}

	runner, err := zipqueue.NewRunner(zipqueue.RunnerConfig{
		Logger:      log,
		Queue:       queue,
		Stations:    stationStore,
		Populations: refCache,
		Aggregates:  aggStore,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zip runner: %w", err)
	}

	cycles, err := pipeline.NewCycleStore(pipeline.CycleStoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cycle store: %w", err)
	}

	reporters, err := buildReporters(ctx, log)
	if err != nil {
		return nil, nil, err
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
		Reporters:     reporters,
		CycleDeadline: cycleDeadline,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return pl, cycles, nil
}

// buildReporters wires the optional cycle-report sinks. Each one is
// enabled by its own env vars and left out otherwise.
func buildReporters(ctx context.Context, log *slog.Logger) ([]pipeline.Reporter, error) {
	var reporters []pipeline.Reporter

	if addr := os.Getenv("CLICKHOUSE_ADDR_TCP"); addr != "" {
		cfg := clickhouse.MigrationConfig{
			Addr:     addr,
			Database: os.Getenv("CLICKHOUSE_DATABASE"),
			Username: os.Getenv("CLICKHOUSE_USERNAME"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
			Secure:   os.Getenv("CLICKHOUSE_SECURE") == "true",
		}
		if cfg.Database == "" {
			cfg.Database = clickhouse.DefaultDatabase
		}
		if cfg.Username == "" {
			cfg.Username = "default"
		}

		if err := clickhouse.RunMigrations(ctx, log, cfg); err != nil {
			return nil, fmt.Errorf("failed to run clickhouse migrations: %w", err)
		}

		ch, err := clickhouse.NewClient(ctx, log, cfg.Addr, cfg.Database, cfg.Username, cfg.Password, cfg.Secure)
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse client: %w", err)
		}
		conn, err := ch.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get clickhouse connection: %w", err)
		}
		sink, err := audit.NewSink(audit.SinkConfig{Logger: log, Conn: conn})
		if err != nil {
			return nil, fmt.Errorf("failed to create audit sink: %w", err)
		}
		reporters = append(reporters, sink)
		log.Info("audit sink enabled", "addr", addr, "database", cfg.Database)
	}

	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		channel := os.Getenv("SLACK_CHANNEL_ID")
		if channel == "" {
			return nil, errors.New("SLACK_CHANNEL_ID is required when SLACK_BOT_TOKEN is set")
		}
		notifier, err := notify.New(notify.Config{
			Logger:  log,
			Poster:  slack.New(token),
			Channel: channel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create slack notifier: %w", err)
		}
		reporters = append(reporters, notifier)
		log.Info("slack notifier enabled", "channel", channel)
	}

	return reporters, nil
}
