package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/refdata"
)

// RefreshVMT fetches the county VMT feature service and replaces the
// vmt_by_county reference table wholesale. An empty baseURL uses the
// built-in endpoint.
func RefreshVMT(ctx context.Context, log *slog.Logger, connStr, baseURL string) error {
	db, err := postgres.New(ctx, postgres.Config{Logger: log, ConnStr: connStr})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	store, err := refdata.NewStore(refdata.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create refdata store: %w", err)
	}
	client, err := refdata.NewVMTClient(refdata.VMTConfig{Logger: log, BaseURL: baseURL})
	if err != nil {
		return fmt.Errorf("failed to create VMT client: %w", err)
	}

	records, err := client.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch VMT records: %w", err)
	}
	if len(records) == 0 {
		return errors.New("VMT service returned no records, keeping existing table")
	}

	if err := store.ReplaceVMT(ctx, records); err != nil {
		return fmt.Errorf("failed to replace VMT table: %w", err)
	}

	fmt.Printf("Replaced vmt_by_county with %d records\n", len(records))
	return nil
}
