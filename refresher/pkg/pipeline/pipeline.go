package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/aggregate"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/changes"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/geo"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/postgres"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/stations"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/zipqueue"
)

// Sentinel errors of the cycle taxonomy. Callers map them to trigger
// responses and exit codes with errors.Is.
var (
	ErrCycleInProgress = errors.New("refresh cycle already in progress")
	ErrUpstream        = errors.New("upstream error")
	ErrInvariant       = errors.New("cycle invariant violated")
	ErrPromotionFailed = errors.New("promotion failed")
)

// Status is the terminal outcome of one pipeline invocation.
type Status string

const (
	StatusPromoted  Status = "promoted"
	StatusNoChanges Status = "no_changes"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Counts summarizes one cycle for the trigger response.
type Counts struct {
	Inserted int `json:"inserted"`
	Rejected int `json:"rejected"`
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
	States   int `json:"states"`
	Counties int `json:"counties"`
	Zips     int `json:"zips"`
}

// Result is what one invocation reports back to its trigger.
type Result struct {
	CycleID    uuid.UUID `json:"cycle_id"`
	Status     Status    `json:"status"`
	Message    string    `json:"message"`
	Counts     Counts    `json:"counts"`
	Completion float64   `json:"completion"`
}

// Partial reports whether the cycle yielded before finishing its ZIP
// work.
func (r *Result) Partial() bool {
	return r.Status == StatusPartial
}

// CycleReport is the terminal summary handed to the optional reporters
// (audit sink, notifier).
type CycleReport struct {
	CycleID          uuid.UUID
	Status           Status
	Message          string
	Counts           Counts
	AffectedStates   int
	AffectedCounties int
	AffectedZips     int
	Completion       float64
	Promoted         bool
	StartedAt        time.Time
	FinishedAt       time.Time
	Duration         time.Duration
}

// Reporter receives the outcome of every invocation. Reporter errors
// are logged and never fail the cycle.
type Reporter interface {
	ReportCycle(ctx context.Context, report CycleReport) error
}

type Ingestor interface {
	Ingest(ctx context.Context) (inserted, rejected int, err error)
}

type ChangeDetector interface {
	Detect(ctx context.Context) (*changes.ChangeSet, error)
}

type Aggregator interface {
	States(ctx context.Context) (int, error)
	AllCounties(ctx context.Context) (int, error)
	Counties(ctx context.Context, targets map[string]geo.CountyRef) (int, error)
}

type ZipEnqueuer interface {
	Enqueue(ctx context.Context, cycleID uuid.UUID, keys []stations.ZipKey) error
	Progress(ctx context.Context, cycleID uuid.UUID) (zipqueue.Progress, error)
}

type ZipRunner interface {
	Run(ctx context.Context, cycleID uuid.UUID, deadline time.Time) (zipqueue.Progress, error)
}

type TableCounter interface {
	Count(ctx context.Context, table string) (int64, error)
}

// defaultCycleDeadline leaves headroom inside the scheduler's
// five-minute ceiling so the ZIP stage yields instead of being killed.
const defaultCycleDeadline = 4*time.Minute + 30*time.Second

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     *postgres.Client

	Cycles     *CycleStore
	Ingestor   Ingestor
	Detector   ChangeDetector
	Engine     Aggregator
	ZipQueue   ZipEnqueuer
	ZipRunner  ZipRunner
	Stations   TableCounter
	Aggregates TableCounter

	// Reporters receive each invocation's terminal result. Optional.
	Reporters []Reporter

	// CycleDeadline bounds one invocation. Defaults to 4m30s.
	CycleDeadline time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres client is required")
	}
	if cfg.Cycles == nil {
		return errors.New("cycle store is required")
	}
	if cfg.Ingestor == nil {
		return errors.New("ingestor is required")
	}
	if cfg.Detector == nil {
		return errors.New("change detector is required")
	}
	if cfg.Engine == nil {
		return errors.New("aggregation engine is required")
	}
	if cfg.ZipQueue == nil {
		return errors.New("zip queue is required")
	}
	if cfg.ZipRunner == nil {
		return errors.New("zip runner is required")
	}
	if cfg.Stations == nil {
		return errors.New("station counter is required")
	}
	if cfg.Aggregates == nil {
		return errors.New("aggregate counter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = defaultCycleDeadline
	}
	return nil
}

// Pipeline drives one refresh cycle end to end: ingest, detect,
// aggregate, promote. Serving tables are only ever touched inside the
// promotion transaction; everything before that is staging-side and
// safe to discard.
type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// affected carries the change-set region counts into the terminal
// report.
type affected struct {
	states   int
	counties int
	zips     int
}

// Run executes one cycle under the database-wide cycle lock. A cycle
// parked in aggregating_zips or promotable by an earlier invocation is
// resumed; unfinished cycles in earlier states are superseded and a
// fresh cycle starts from ingest.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	lock, ok, err := postgres.AcquireCycleLock(ctx, p.log, p.cfg.DB.Pool())
	if err != nil {
		return nil, fmt.Errorf("failed to take cycle guard: %w", err)
	}
	if !ok {
		return nil, ErrCycleInProgress
	}
	defer lock.Release(context.WithoutCancel(ctx))

	start := p.cfg.Clock.Now()
	defer func() {
		metrics.CycleDuration.Observe(p.cfg.Clock.Since(start).Seconds())
	}()

	resumable, err := p.cfg.Cycles.Resumable(ctx)
	if err != nil {
		return nil, err
	}
	if resumable != nil {
		return p.resume(ctx, resumable, start)
	}

	if err := p.cfg.Cycles.SupersedeStale(ctx); err != nil {
		p.log.Warn("pipeline: failed to supersede stale cycles", "error", err)
	}

	cyc, err := p.cfg.Cycles.Begin(ctx)
	if err != nil {
		return nil, err
	}
	p.log.Info("pipeline: refresh cycle started", "cycle_id", cyc.ID.String())
	return p.runFresh(ctx, cyc, start)
}

func (p *Pipeline) runFresh(ctx context.Context, cyc *Cycle, start time.Time) (*Result, error) {
	res := &Result{CycleID: cyc.ID, Status: StatusFailed}
	var aff affected

	inserted, rejected, err := p.stageIngest(ctx)
	if err != nil {
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	res.Counts.Inserted, res.Counts.Rejected = inserted, rejected
	if err := p.cfg.Cycles.SetCounts(ctx, cyc.ID, inserted, rejected); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}

	servingStations, err := p.ingestInvariants(ctx, inserted)
	if err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}

	if err := p.cfg.Cycles.SetState(ctx, cyc.ID, StateDetecting, ""); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	cs, err := p.stageDetect(ctx)
	if err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	res.Counts.Added, res.Counts.Removed, res.Counts.Modified = cs.Added, cs.Removed, cs.Modified
	aff = affected{states: len(cs.States), counties: len(cs.Counties), zips: len(cs.Zips)}

	if err := p.cfg.Cycles.WriteChangeLog(ctx, cyc.ID, cs); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}

	if cs.Empty() {
		res.Status = StatusNoChanges
		res.Message = "no changes"
		res.Completion = 1
		if err := p.cfg.Cycles.Finish(ctx, cyc.ID, StateNoChanges, res.Message); err != nil {
			return p.fail(ctx, cyc, res, start, aff, err)
		}
		p.conclude(ctx, cyc, res, start, aff)
		p.log.Info("pipeline: no changes detected, serving untouched", "cycle_id", res.CycleID.String())
		return res, nil
	}

	if err := p.cfg.Cycles.SetState(ctx, cyc.ID, StateAggregatingStates, ""); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	nStates, err := p.stageStates(ctx)
	if err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	res.Counts.States = nStates

	if err := p.cfg.Cycles.SetState(ctx, cyc.ID, StateAggregatingCounties, ""); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	nCounties, err := p.stageCounties(ctx, cs, servingStations == 0)
	if err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	res.Counts.Counties = nCounties

	if err := p.cfg.Cycles.SetState(ctx, cyc.ID, StateAggregatingZips, ""); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	if err := p.cfg.ZipQueue.Enqueue(ctx, cyc.ID, cs.ZipKeys()); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}

	return p.runZipsAndPromote(ctx, cyc, res, start, aff)
}

func (p *Pipeline) resume(ctx context.Context, cyc *Cycle, start time.Time) (*Result, error) {
	p.log.Info("pipeline: resuming refresh cycle",
		"cycle_id", cyc.ID.String(), "state", string(cyc.State))

	res := &Result{CycleID: cyc.ID, Status: StatusFailed}
	res.Counts.Inserted, res.Counts.Rejected = cyc.Inserted, cyc.Rejected

	var aff affected
	entry, err := p.cfg.Cycles.ChangeLogFor(ctx, cyc.ID)
	if err != nil {
		p.log.Warn("pipeline: failed to read change log for resumed cycle", "error", err)
	} else if entry != nil {
		res.Counts.Added, res.Counts.Removed, res.Counts.Modified = entry.Added, entry.Removed, entry.Modified
		aff = affected{states: len(entry.States), counties: len(entry.Counties), zips: len(entry.Zips)}
	}

	if cyc.State == StatePromotable {
		progress, err := p.cfg.ZipQueue.Progress(ctx, cyc.ID)
		if err != nil {
			return p.fail(ctx, cyc, res, start, aff, err)
		}
		if progress.Complete() {
			res.Counts.Zips = progress.Done
			res.Completion = progress.Fraction()
			return p.promote(ctx, cyc, res, start, aff)
		}
	}
	return p.runZipsAndPromote(ctx, cyc, res, start, aff)
}

func (p *Pipeline) runZipsAndPromote(ctx context.Context, cyc *Cycle, res *Result, start time.Time, aff affected) (*Result, error) {
	progress, err := p.stageZips(ctx, cyc.ID, start.Add(p.cfg.CycleDeadline))
	if err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	res.Counts.Zips = progress.Done
	res.Completion = progress.Fraction()

	if !progress.Complete() {
		res.Status = StatusPartial
		res.Message = fmt.Sprintf("zip aggregation partial: %d/%d", progress.Done, progress.Total)
		if err := p.cfg.Cycles.SetState(ctx, cyc.ID, StateAggregatingZips, res.Message); err != nil {
			return p.fail(ctx, cyc, res, start, aff, err)
		}
		p.conclude(ctx, cyc, res, start, aff)
		p.log.Warn("pipeline: cycle yielded with partial zip completion",
			"cycle_id", res.CycleID.String(), "done", progress.Done, "total", progress.Total)
		return res, nil
	}

	return p.promote(ctx, cyc, res, start, aff)
}

func (p *Pipeline) promote(ctx context.Context, cyc *Cycle, res *Result, start time.Time, aff affected) (*Result, error) {
	if err := p.cfg.Cycles.SetState(ctx, cyc.ID, StatePromotable, ""); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}
	if err := p.promotionInvariants(ctx); err != nil {
		return p.fail(ctx, cyc, res, start, aff, err)
	}

	if err := p.swap(ctx, cyc); err != nil {
		metrics.PromotionsTotal.WithLabelValues("error").Inc()
		err = fmt.Errorf("%w: %w", ErrPromotionFailed, err)
		res.Status = StatusFailed
		res.Message = err.Error()

		// The cycle stays promotable so the next invocation retries
		// the swap; staging is already complete.
		bctx := context.WithoutCancel(ctx)
		if serr := p.cfg.Cycles.SetState(bctx, cyc.ID, StatePromotable, res.Message); serr != nil {
			p.log.Warn("pipeline: failed to record promotion failure", "error", serr)
		}
		p.conclude(bctx, cyc, res, start, aff)
		p.log.Error("pipeline: promotion failed, cycle stays promotable",
			"cycle_id", res.CycleID.String(), "error", err)
		return res, err
	}
	metrics.PromotionsTotal.WithLabelValues("ok").Inc()

	res.Status = StatusPromoted
	res.Message = "promoted"
	res.Completion = 1
	p.conclude(ctx, cyc, res, start, aff)
	p.log.Info("pipeline: refresh cycle promoted",
		"cycle_id", res.CycleID.String(),
		"inserted", res.Counts.Inserted,
		"changes", res.Counts.Added+res.Counts.Removed+res.Counts.Modified,
		"duration", p.cfg.Clock.Since(start).String(),
	)
	return res, nil
}

// swap promotes staging to serving: all four table pairs rename inside
// one transaction, together with the cycle's promoted stamp.
func (p *Pipeline) swap(ctx context.Context, cyc *Cycle) error {
	defer p.observeStage("promote", p.cfg.Clock.Now())

	tx, err := p.cfg.DB.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin promotion: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := PromoteStaging(ctx, tx); err != nil {
		return err
	}

	if err := p.cfg.Cycles.FinishTx(ctx, tx, cyc.ID, StatePromoted, "promoted"); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit promotion: %w", err)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, cyc *Cycle, res *Result, start time.Time, aff affected, err error) (*Result, error) {
	res.Status = StatusFailed
	res.Message = err.Error()

	bctx := context.WithoutCancel(ctx)
	if ferr := p.cfg.Cycles.Finish(bctx, cyc.ID, StateFailed, res.Message); ferr != nil {
		p.log.Warn("pipeline: failed to record cycle failure", "error", ferr)
	}
	p.conclude(bctx, cyc, res, start, aff)
	p.log.Error("pipeline: refresh cycle failed",
		"cycle_id", res.CycleID.String(), "error", err)
	return res, err
}

// conclude emits the terminal metrics and fans the report out to the
// configured reporters.
func (p *Pipeline) conclude(ctx context.Context, cyc *Cycle, res *Result, start time.Time, aff affected) {
	metrics.CycleTotal.WithLabelValues(string(res.Status)).Inc()

	report := CycleReport{
		CycleID:          res.CycleID,
		Status:           res.Status,
		Message:          res.Message,
		Counts:           res.Counts,
		AffectedStates:   aff.states,
		AffectedCounties: aff.counties,
		AffectedZips:     aff.zips,
		Completion:       res.Completion,
		Promoted:         res.Status == StatusPromoted,
		StartedAt:        cyc.StartedAt,
		FinishedAt:       p.cfg.Clock.Now().UTC(),
		Duration:         p.cfg.Clock.Since(start),
	}
	rctx := context.WithoutCancel(ctx)
	for _, r := range p.cfg.Reporters {
		if r == nil {
			continue
		}
		if err := r.ReportCycle(rctx, report); err != nil {
			p.log.Warn("pipeline: cycle reporter failed", "error", err)
		}
	}
}

func (p *Pipeline) stageIngest(ctx context.Context) (int, int, error) {
	defer p.observeStage("ingest", p.cfg.Clock.Now())
	return p.cfg.Ingestor.Ingest(ctx)
}

func (p *Pipeline) stageDetect(ctx context.Context) (*changes.ChangeSet, error) {
	defer p.observeStage("detect", p.cfg.Clock.Now())
	return p.cfg.Detector.Detect(ctx)
}

func (p *Pipeline) stageStates(ctx context.Context) (int, error) {
	defer p.observeStage("aggregate_states", p.cfg.Clock.Now())
	return p.cfg.Engine.States(ctx)
}

// stageCounties rebuilds every county on bootstrap (no serving
// baseline to diff against) and only the targeted ones otherwise.
func (p *Pipeline) stageCounties(ctx context.Context, cs *changes.ChangeSet, bootstrap bool) (int, error) {
	defer p.observeStage("aggregate_counties", p.cfg.Clock.Now())
	if bootstrap {
		return p.cfg.Engine.AllCounties(ctx)
	}
	return p.cfg.Engine.Counties(ctx, cs.Counties)
}

func (p *Pipeline) stageZips(ctx context.Context, id uuid.UUID, deadline time.Time) (zipqueue.Progress, error) {
	defer p.observeStage("aggregate_zips", p.cfg.Clock.Now())
	return p.cfg.ZipRunner.Run(ctx, id, deadline)
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(p.cfg.Clock.Since(start).Seconds())
}

// ingestInvariants guards against a truncated registry response: the
// new staging set must be non-empty and more than half the size of
// serving. Returns the serving count for the bootstrap decision.
func (p *Pipeline) ingestInvariants(ctx context.Context, inserted int) (int64, error) {
	if inserted <= 0 {
		metrics.InvariantFailuresTotal.Inc()
		return 0, fmt.Errorf("%w: registry produced no usable stations", ErrInvariant)
	}
	staging, err := p.cfg.Stations.Count(ctx, stations.StagingTable)
	if err != nil {
		return 0, err
	}
	serving, err := p.cfg.Stations.Count(ctx, stations.ServingTable)
	if err != nil {
		return 0, err
	}
	if float64(staging) <= 0.5*float64(serving) {
		metrics.InvariantFailuresTotal.Inc()
		return 0, fmt.Errorf("%w: staging station count %d not above half of serving %d",
			ErrInvariant, staging, serving)
	}
	return serving, nil
}

func (p *Pipeline) promotionInvariants(ctx context.Context) error {
	states, err := p.cfg.Aggregates.Count(ctx, aggregate.StateStaging)
	if err != nil {
		return err
	}
	counties, err := p.cfg.Aggregates.Count(ctx, aggregate.CountyStaging)
	if err != nil {
		return err
	}
	if states == 0 || counties == 0 {
		metrics.InvariantFailuresTotal.Inc()
		return fmt.Errorf("%w: aggregate staging empty before promotion (states %d, counties %d)",
			ErrInvariant, states, counties)
	}
	return nil
}
