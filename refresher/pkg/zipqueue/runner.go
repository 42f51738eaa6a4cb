package zipqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/aggregate"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/refdata"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
)

const (
	defaultChunkSize = 100
	defaultChunkPace = 200 * time.Millisecond
)

type StationsByZip interface {
	ByZips(ctx context.Context, keys []stations.ZipKey) ([]stations.Station, error)
}

type PopulationBatcher interface {
	PopulationBatchZIP(ctx context.Context, zips []string) (map[string]refdata.Population, error)
}

type RowWriter interface {
	ReplaceZipRows(ctx context.Context, keys []stations.ZipKey, rows []aggregate.Row) error
}

type RunnerConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Queue       *Store
	Stations    StationsByZip
	Populations PopulationBatcher
	Aggregates  RowWriter

	// ChunkSize is the number of ZIPs drawn per iteration. Defaults
	// to 100.
	ChunkSize int
	// ChunkPace is the minimum spacing between chunks. Defaults
	// to 200ms.
	ChunkPace time.Duration
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Queue == nil {
		return errors.New("zip queue store is required")
	}
	if cfg.Stations == nil {
		return errors.New("station reader is required")
	}
	if cfg.Populations == nil {
		return errors.New("population batcher is required")
	}
	if cfg.Aggregates == nil {
		return errors.New("aggregate writer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkPace <= 0 {
		cfg.ChunkPace = defaultChunkPace
	}
	return nil
}

// Runner drains one cycle's ZIP queue in lexicographic chunks. Each
// chunk is independently durable, so a run cut short by the deadline or
// a crash resumes exactly where the queue rows say it stopped.
type Runner struct {
	log *slog.Logger
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Run processes pending ZIPs until the queue is drained or the deadline
// passes, whichever comes first. A zero deadline means no ceiling. A
// failed chunk is logged and skipped; its rows stay pending for the
// next invocation. The returned progress is re-read from the queue, so
// it reflects exactly what was durably marked.
func (r *Runner) Run(ctx context.Context, cycleID uuid.UUID, deadline time.Time) (Progress, error) {
	progress, err := r.cfg.Queue.Progress(ctx, cycleID)
	if err != nil {
		return Progress{}, err
	}
	if progress.Complete() {
		metrics.ZipQueueDepth.Set(0)
		return progress, nil
	}
	r.log.Info("zipqueue: starting zip aggregation",
		"cycle_id", cycleID.String(), "done", progress.Done, "total", progress.Total)

	limiter := rate.NewLimiter(rate.Every(r.cfg.ChunkPace), 1)
	var cursor stations.ZipKey
	for {
		if !deadline.IsZero() && r.cfg.Clock.Now().After(deadline) {
			r.log.Warn("zipqueue: cycle deadline reached, yielding",
				"cycle_id", cycleID.String(), "done", progress.Done, "total", progress.Total)
			break
		}

		keys, err := r.cfg.Queue.Pending(ctx, cycleID, cursor, r.cfg.ChunkSize)
		if err != nil {
			return progress, err
		}
		if len(keys) == 0 {
			break
		}
		cursor = keys[len(keys)-1]

		if err := limiter.Wait(ctx); err != nil {
			return progress, err
		}

		if err := r.processChunk(ctx, cycleID, keys); err != nil {
			if ctx.Err() != nil {
				return progress, ctx.Err()
			}
			metrics.ZipChunksTotal.WithLabelValues("error").Inc()
			r.log.Error("zipqueue: chunk failed, zips stay queued",
				"cycle_id", cycleID.String(), "zips", zipCodes(keys), "error", err)
			continue
		}
		metrics.ZipChunksTotal.WithLabelValues("ok").Inc()
		progress.Done += len(keys)
		metrics.ZipQueueDepth.Set(float64(progress.Total - progress.Done))
	}

	final, err := r.cfg.Queue.Progress(ctx, cycleID)
	if err != nil {
		return progress, err
	}
	metrics.ZipQueueDepth.Set(float64(final.Total - final.Done))
	r.log.Info("zipqueue: zip aggregation stopped",
		"cycle_id", cycleID.String(), "done", final.Done, "total", final.Total,
		"complete", final.Complete())
	return final, nil
}

// processChunk rebuilds the aggregate rows for one chunk of ZIPs and
// marks them processed. ZIPs with no remaining stations get their
// staging row deleted and still count as processed.
func (r *Runner) processChunk(ctx context.Context, cycleID uuid.UUID, keys []stations.ZipKey) error {
	members, err := r.cfg.Stations.ByZips(ctx, keys)
	if err != nil {
		return err
	}

	tallies := make(map[stations.ZipKey]*aggregate.Tally)
	for _, st := range members {
		key, ok := stations.ZipKeyOf(st)
		if !ok {
			continue
		}
		t, ok := tallies[key]
		if !ok {
			t = &aggregate.Tally{}
			tallies[key] = t
		}
		t.Add(st)
	}

	pops, err := r.cfg.Populations.PopulationBatchZIP(ctx, zipCodes(keys))
	if err != nil {
		return err
	}

	computedAt := r.cfg.Clock.Now().UTC()
	rows := make([]aggregate.Row, 0, len(tallies))
	for _, key := range keys {
		t, ok := tallies[key]
		if !ok {
			continue
		}
		rows = append(rows, aggregate.NewZipRow(key, *t, pops[key.ZipCode], computedAt))
	}

	if err := r.cfg.Aggregates.ReplaceZipRows(ctx, keys, rows); err != nil {
		return err
	}
	return r.cfg.Queue.MarkProcessed(ctx, cycleID, keys)
}

func zipCodes(keys []stations.ZipKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.ZipCode
	}
	return out
}
