package changes

import (
	"context"
	"os"
	"testing"

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
