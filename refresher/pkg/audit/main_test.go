package audit

import (
	"context"
	"os"
	"testing"

	chtesting "github.com/gridscoutlabs/gridscout/refresher/pkg/clickhouse/testing"
	gridtesting "github.com/gridscoutlabs/gridscout/utils/pkg/testing"
)

var sharedDB *chtesting.DB

func TestMain(m *testing.M) {
	log := gridtesting.NewLogger()
	var err error
	sharedDB, err = chtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared ClickHouse DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
