package gridtesting

import (
	"testing"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/clickhouse"
	chtesting "github.com/gridscoutlabs/gridscout/refresher/pkg/clickhouse/testing"
)

// NewClickHouseConn returns a connection bound to a fresh, fully
// migrated database on the shared test container.
func NewClickHouseConn(t *testing.T, db *chtesting.DB) clickhouse.Connection {
	return chtesting.NewTestConn(t, NewLogger(), db)
}
