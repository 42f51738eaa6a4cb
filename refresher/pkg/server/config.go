package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/pipeline"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// CycleRunner runs one refresh cycle end to end.
type CycleRunner interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

// CycleReader reads persisted cycle rows for the ops endpoints.
type CycleReader interface {
	Latest(ctx context.Context) (*pipeline.Cycle, error)
	ChangeLogFor(ctx context.Context, id uuid.UUID) (*pipeline.ChangeLogEntry, error)
}

// Pinger reports whether the backing store is reachable.
// *postgres.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger            *slog.Logger
	Clock             clockwork.Clock
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	// CronSecret gates the cycle trigger endpoint.
	CronSecret string

	// RefreshInterval enables the embedded scheduler when > 0. Deployments
	// with an external scheduler leave it at 0 and use the webhook.
	RefreshInterval time.Duration

	DB       Pinger
	Pipeline CycleRunner
	Cycles   CycleReader
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.CronSecret == "" {
		return errors.New("cron secret is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres client is required")
	}
	if cfg.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if cfg.Cycles == nil {
		return errors.New("cycle store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
