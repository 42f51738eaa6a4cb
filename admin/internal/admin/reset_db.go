package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
)

// pipelineTables is every table the refresher owns, including the goose
// bookkeeping table so migrations start from scratch after a reset.
var pipelineTables = []string{
	"stations",
	"stations_staging",
	"state_aggregates",
	"state_aggregates_staging",
	"county_aggregates",
	"county_aggregates_staging",
	"zip_aggregates",
	"zip_aggregates_staging",
	"zip_refresh_queue",
	"refresh_cycles",
	"change_log",
	"population_cache",
	"vmt_by_county",
	"goose_db_version",
}

// ResetDB drops the pipeline tables from postgres.
func ResetDB(ctx context.Context, log *slog.Logger, connStr string, dryRun, skipConfirm bool) error {
	db, err := postgres.New(ctx, postgres.Config{Logger: log, ConnStr: connStr})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	rows, err := db.Pool().Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = ANY($1)
		ORDER BY table_name`,
		pipelineTables,
	)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}

	if len(tables) == 0 {
		fmt.Println("No pipeline tables found")
		return nil
	}

	fmt.Printf("⚠️  WARNING: This will DROP %d table(s):\n\n", len(tables))
	for _, table := range tables {
		fmt.Printf("  - %s\n", table)
	}

	if dryRun {
		fmt.Println("\n[DRY RUN] Would drop the above tables")
		return nil
	}

	// Prompt for confirmation unless --yes flag is set
	if !skipConfirm {
		fmt.Printf("\n⚠️  This is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Printf("Type 'yes' to confirm: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Printf("\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Println()
	}

	fmt.Println("Dropping tables...")
	for _, table := range tables {
		// CASCADE clears the queue's foreign key into refresh_cycles
		// regardless of drop order.
		dropQuery := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)
		if _, err := db.Pool().Exec(ctx, dropQuery); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		fmt.Printf("  ✓ Dropped %s\n", table)
	}

	fmt.Printf("\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}
