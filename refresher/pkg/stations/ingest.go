package stations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
)

const (
	defaultChunkSize    = 1000
	defaultChunkTimeout = 30 * time.Second
	defaultChunkPace    = 100 * time.Millisecond
)

// StationSource streams raw registry records.
type StationSource interface {
	Each(ctx context.Context, fn func(RawStation) error) error
}

type IngestorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Source StationSource
	Store  *Store

	// ChunkSize is the number of stations per staging insert.
	ChunkSize int
	// ChunkTimeout bounds each staging insert round-trip.
	ChunkTimeout time.Duration
	// ChunkPace is the minimum spacing between chunk inserts, applied
	// as backpressure against the database.
	ChunkPace time.Duration
}

func (cfg *IngestorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("station source is required")
	}
	if cfg.Store == nil {
		return errors.New("station store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = defaultChunkTimeout
	}
	if cfg.ChunkPace <= 0 {
		cfg.ChunkPace = defaultChunkPace
	}
	return nil
}

// Ingestor drives one full registry fetch into the staging station
// table.
type Ingestor struct {
	log *slog.Logger
	cfg IngestorConfig
}

func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingestor{log: cfg.Logger, cfg: cfg}, nil
}

// Ingest empties staging, streams the registry through the normalizer,
// and inserts the surviving records in paced chunks. Rejected records
// are counted per reason and reported, never fatal. Any fetch or insert
// error aborts with staging in an undefined but harmless state: the
// next ingest truncates it again.
func (i *Ingestor) Ingest(ctx context.Context) (inserted, rejected int, err error) {
	start := i.cfg.Clock.Now()
	i.log.Info("ingest: starting registry ingest")

	if err := i.cfg.Store.TruncateStaging(ctx); err != nil {
		return 0, 0, err
	}

	createdAt := start.UTC()
	limiter := rate.NewLimiter(rate.Every(i.cfg.ChunkPace), 1)
	rejects := make(map[RejectReason]int)
	buf := make([]Station, 0, i.cfg.ChunkSize)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		chunkCtx, cancel := context.WithTimeout(ctx, i.cfg.ChunkTimeout)
		defer cancel()
		if err := i.cfg.Store.InsertStagingChunk(chunkCtx, buf); err != nil {
			return err
		}
		inserted += len(buf)
		buf = buf[:0]
		return nil
	}

	err = i.cfg.Source.Each(ctx, func(raw RawStation) error {
		st, err := Normalize(raw, createdAt)
		if err != nil {
			var rej *RejectionError
			if errors.As(err, &rej) {
				rejects[rej.Reason]++
				rejected++
				return nil
			}
			return err
		}
		buf = append(buf, st)
		if len(buf) >= i.cfg.ChunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return inserted, rejected, fmt.Errorf("failed to ingest registry: %w", err)
	}
	if err := flush(); err != nil {
		return inserted, rejected, fmt.Errorf("failed to ingest registry: %w", err)
	}

	metrics.StationsIngested.Set(float64(inserted))
	metrics.RecordsRejected.Add(float64(rejected))

	i.log.Info("ingest: registry ingest completed",
		"inserted", inserted,
		"rejected", rejected,
		"duration", i.cfg.Clock.Since(start).String(),
	)
	for reason, n := range rejects {
		i.log.Debug("ingest: rejected records", "reason", string(reason), "count", n)
	}

	return inserted, rejected, nil
}
