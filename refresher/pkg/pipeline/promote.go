package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/aggregate"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

// PromotionPairs are the serving/staging tables swapped at promotion,
// stations first.
var PromotionPairs = []postgres.SwapPair{
	{Serving: stations.ServingTable, Staging: stations.StagingTable},
	{Serving: aggregate.StateServing, Staging: aggregate.StateStaging},
	{Serving: aggregate.CountyServing, Staging: aggregate.CountyStaging},
	{Serving: aggregate.ZipServing, Staging: aggregate.ZipStaging},
}

// PromoteStaging renames every staging table into serving inside tx,
// then reseeds the aggregate staging tables. After the rename the
// staging aggregates hold the previous serving rows, one generation
// behind; resyncing them lets the next cycle's keyed updates start from
// current data. Stations are skipped: ingest truncates that table
// anyway.
func PromoteStaging(ctx context.Context, tx pgx.Tx) error {
	if err := postgres.SwapTables(ctx, tx, PromotionPairs); err != nil {
		return err
	}

	for _, pair := range PromotionPairs[1:] {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+pair.Staging); err != nil {
			return fmt.Errorf("failed to reset %s: %w", pair.Staging, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO "+pair.Staging+" SELECT * FROM "+pair.Serving); err != nil {
			return fmt.Errorf("failed to resync %s: %w", pair.Staging, err)
		}
	}
	return nil
}
