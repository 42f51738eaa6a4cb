package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/clickhouse"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/pipeline"
)

type SinkConfig struct {
	Logger *slog.Logger
	Conn   clickhouse.Connection
}

func (cfg *SinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

// Sink appends one cycle_reports row per pipeline invocation. It is an
// optional reporter: the pipeline logs write failures and moves on, so
// a ClickHouse outage never fails a cycle.
type Sink struct {
	log  *slog.Logger
	conn clickhouse.Connection
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{log: cfg.Logger, conn: cfg.Conn}, nil
}

func (s *Sink) ReportCycle(ctx context.Context, report pipeline.CycleReport) error {
	err := s.conn.Exec(clickhouse.ContextWithSyncInsert(ctx), `
		INSERT INTO cycle_reports (
			cycle_id, status, message,
			inserted, rejected, added, removed, modified,
			affected_states, affected_counties, affected_zips,
			zip_completion, promoted, duration_ms,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.CycleID,
		string(report.Status),
		report.Message,
		uint32(report.Counts.Inserted),
		uint32(report.Counts.Rejected),
		uint32(report.Counts.Added),
		uint32(report.Counts.Removed),
		uint32(report.Counts.Modified),
		uint32(report.AffectedStates),
		uint32(report.AffectedCounties),
		uint32(report.AffectedZips),
		report.Completion,
		report.Promoted,
		uint64(report.Duration.Milliseconds()),
		report.StartedAt.UTC(),
		report.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cycle report: %w", err)
	}
	s.log.Debug("audit: cycle report written",
		"cycle_id", report.CycleID.String(), "status", string(report.Status))
	return nil
}
