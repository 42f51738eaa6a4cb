package aggregate

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	pgtesting "github.com/gridscoutlabs/gridscout/refresher/pkg/postgres/testing"
	gridtesting "github.com/gridscoutlabs/gridscout/utils/pkg/testing"
)

var sharedDB *pgtesting.DB

func TestMain(m *testing.M) {
	log := gridtesting.NewLogger()
	var err error
	sharedDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	log := gridtesting.NewLogger()
	client := pgtesting.NewTestClient(t, log, sharedDB)
	store, err := NewStore(StoreConfig{Logger: log, DB: client})
	require.NoError(t, err)
	return store, client.Pool()
}
