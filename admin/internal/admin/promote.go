package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/pipeline"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
)

// Promote manually renames the staged tables into serving. The escape
// hatch for a cycle stuck in promotable after a failed promotion
// transaction.
func Promote(ctx context.Context, log *slog.Logger, connStr string, dryRun, skipConfirm bool) error {
	db, err := postgres.New(ctx, postgres.Config{Logger: log, ConnStr: connStr})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	fmt.Println("Staging tables to promote:")
	for _, pair := range pipeline.PromotionPairs {
		var n int64
		if err := db.Pool().QueryRow(ctx, "SELECT count(*) FROM "+pair.Staging).Scan(&n); err != nil {
			return fmt.Errorf("failed to count %s: %w", pair.Staging, err)
		}
		fmt.Printf("  - %s (%d rows) -> %s\n", pair.Staging, n, pair.Serving)
		if n == 0 {
			return fmt.Errorf("%s is empty, refusing to promote", pair.Staging)
		}
	}

	if dryRun {
		fmt.Println("\n[DRY RUN] Would promote the above tables")
		return nil
	}

	if !skipConfirm {
		fmt.Printf("\n⚠️  This replaces the serving tables for every reader!\n")
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

	cycles, err := pipeline.NewCycleStore(pipeline.CycleStoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create cycle store: %w", err)
	}
	cyc, err := cycles.Resumable(ctx)
	if err != nil {
		return fmt.Errorf("failed to look up resumable cycle: %w", err)
	}

	tx, err := db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin promotion: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := pipeline.PromoteStaging(ctx, tx); err != nil {
		return err
	}

	if cyc != nil && cyc.State == pipeline.StatePromotable {
		if err := cycles.FinishTx(ctx, tx, cyc.ID, pipeline.StatePromoted, "promoted manually"); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit promotion: %w", err)
	}

	if cyc != nil && cyc.State == pipeline.StatePromotable {
		fmt.Printf("Marked cycle %s promoted\n", cyc.ID)
	}
	fmt.Println("\nSuccessfully promoted staging tables")
	return nil
}
