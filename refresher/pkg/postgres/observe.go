package postgres

import (
	"time"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
)

// RecordQuery records one database round-trip in the query metrics.
// Intended for deferred use with a named error return:
//
//	defer postgres.RecordQuery(time.Now(), &err)
func RecordQuery(start time.Time, err *error) {
	status := "success"
	if err != nil && *err != nil {
		status = "error"
	}
	metrics.DatabaseQueriesTotal.WithLabelValues(status).Inc()
	metrics.DatabaseQueryDuration.Observe(time.Since(start).Seconds())
}
