package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/gridscoutlabs/gridscout/admin/internal/admin"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/clickhouse"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Postgres configuration
	dbURLFlag := flag.String("db-url", "", "Postgres connection string (or set DB_URL env var)")

	// ClickHouse configuration (for the audit log)
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run postgres database migrations using goose")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show postgres database migration status")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the most recent postgres migration")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse audit-log migrations using goose")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse audit-log migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all pipeline tables (serving, staging, queue, cycles, reference)")
	promoteFlag := flag.Bool("promote", false, "Manually rename the staged tables into serving")
	runCycleFlag := flag.Bool("run-cycle", false, "Run one refresh cycle with the same wiring as the service")
	refreshVMTFlag := flag.Bool("refresh-vmt", false, "Fetch the county VMT feature service and replace vmt_by_county")

	// Command options
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")
	countyTopologyFlag := flag.String("county-topology", "", "County polygon GeoJSON source for --run-cycle (or set COUNTY_TOPOLOGY_SOURCE env var)")
	cycleDeadlineFlag := flag.Duration("cycle-deadline", 0, "Budget for the --run-cycle invocation (0 uses the default)")
	vmtURLFlag := flag.String("vmt-url", "", "Override the VMT feature service endpoint for --refresh-vmt")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if envDBURL := os.Getenv("DB_URL"); envDBURL != "" {
		*dbURLFlag = envDBURL
	}
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if envCountyTopology := os.Getenv("COUNTY_TOPOLOGY_SOURCE"); envCountyTopology != "" {
		*countyTopologyFlag = envCountyTopology
	}

	// Execute commands
	if *pgMigrateFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --pg-migrate")
		}
		return postgres.RunMigrations(context.Background(), log, *dbURLFlag)
	}

	if *pgMigrateStatusFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --pg-migrate-status")
		}
		return postgres.Status(context.Background(), log, *dbURLFlag)
	}

	if *pgMigrateDownFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --pg-migrate-down")
		}
		return postgres.Down(context.Background(), log, *dbURLFlag)
	}

	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.RunMigrations(context.Background(), log, clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
	}

	if *clickhouseMigrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return clickhouse.Status(context.Background(), log, clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
	}

	if *resetDBFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --reset-db")
		}
		return admin.ResetDB(context.Background(), log, *dbURLFlag, *dryRunFlag, *yesFlag)
	}

	if *promoteFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --promote")
		}
		return admin.Promote(context.Background(), log, *dbURLFlag, *dryRunFlag, *yesFlag)
	}

	if *runCycleFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --run-cycle")
		}
		if *countyTopologyFlag == "" {
			return fmt.Errorf("--county-topology is required for --run-cycle")
		}
		stationsKey := os.Getenv("STATIONS_API_KEY")
		if stationsKey == "" {
			return fmt.Errorf("STATIONS_API_KEY is required for --run-cycle")
		}
		populationKey := os.Getenv("POPULATION_API_KEY")
		if populationKey == "" {
			return fmt.Errorf("POPULATION_API_KEY is required for --run-cycle")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		return admin.RunCycle(ctx, log, admin.RunCycleConfig{
			ConnStr:          *dbURLFlag,
			CountyTopology:   *countyTopologyFlag,
			StationsAPIKey:   stationsKey,
			PopulationAPIKey: populationKey,
			CycleDeadline:    *cycleDeadlineFlag,
		})
	}

	if *refreshVMTFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --refresh-vmt")
		}
		return admin.RefreshVMT(context.Background(), log, *dbURLFlag, *vmtURLFlag)
	}

	return nil
}
