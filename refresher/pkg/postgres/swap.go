package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SwapPair names a serving table and the staging table that replaces it.
type SwapPair struct {
	Serving string
	Staging string
}

// SwapTables exchanges every staging/serving pair by renaming through a
// temporary name. Must run inside tx so the whole swap is atomic:
// Postgres DDL is transactional, and readers see either all old tables
// or all new ones.
func SwapTables(ctx context.Context, tx pgx.Tx, pairs []SwapPair) error {
	for _, p := range pairs {
		tmp := p.Serving + "_swap"
		steps := []struct{ from, to string }{
			{p.Serving, tmp},
			{p.Staging, p.Serving},
			{tmp, p.Staging},
		}
		for _, s := range steps {
			stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
				pgx.Identifier{s.from}.Sanitize(), pgx.Identifier{s.to}.Sanitize())
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to rename %s to %s: %w", s.from, s.to, err)
			}
		}
	}
	return nil
}
