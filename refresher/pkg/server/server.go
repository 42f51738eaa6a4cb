package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
	"github.com/gridscoutlabs/gridscout/refresher/pkg/pipeline"
)

// Server exposes the refresh pipeline over HTTP: health and version
// probes, prometheus metrics, the cycle trigger webhook, and the latest
// cycle row for operators.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		// The trigger endpoint responds only after the pipeline returns,
		// so the write timeout must outlive a full cycle.
		WriteTimeout:   10 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.With(s.requireCronSecret).Post("/cycles", s.handleTriggerCycle)
		r.Get("/cycles/latest", s.handleLatestCycle)
	})
}

// Run serves HTTP until ctx is done, then drains in-flight requests.
// When RefreshInterval is set it also runs the embedded cycle scheduler.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.RefreshInterval > 0 {
		go s.scheduleCycles(ctx)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) scheduleCycles(ctx context.Context) {
	s.log.Info("server: starting cycle scheduler", "interval", s.cfg.RefreshInterval)

	s.safeRunCycle(ctx)

	ticker := s.cfg.Clock.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.safeRunCycle(ctx)
		}
	}
}

func (s *Server) safeRunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.StagePanicsTotal.WithLabelValues("scheduled_cycle").Inc()
			sentry.CurrentHub().Recover(r)
			s.log.Error("server: scheduled cycle panicked", "panic", r)
		}
	}()

	res, err := s.cfg.Pipeline.Run(ctx)
	switch {
	case errors.Is(err, pipeline.ErrCycleInProgress):
		s.log.Info("server: scheduled cycle skipped, another cycle holds the lock")
	case err != nil:
		s.log.Error("server: scheduled cycle failed", "error", err)
	default:
		s.log.Info("server: scheduled cycle finished", "cycle", res.CycleID, "status", res.Status)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.DB.Ping(r.Context()); err != nil {
		s.log.Debug("readyz: storage not reachable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("storage not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
			s.log.Warn("server: rejected cycle trigger", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TriggerCycleResponse is the body of POST /v1/cycles.
type TriggerCycleResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	CycleID string           `json:"cycle_id,omitempty"`
	Counts  *pipeline.Counts `json:"counts,omitempty"`
	Partial bool             `json:"partial,omitempty"`
}

// handleTriggerCycle runs one cycle synchronously and reports the outcome.
// Upstream and invariant failures are recorded failed cycles, not transport
// errors: only lock contention and storage outages map to 5xx, so an
// external scheduler retries exactly the conditions worth retrying.
func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	s.log.Info("server: cycle trigger received", "remote", r.RemoteAddr)

	res, err := s.cfg.Pipeline.Run(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrCycleInProgress):
		s.writeJSON(w, http.StatusServiceUnavailable, TriggerCycleResponse{
			Message: "cycle already in progress",
		})
	case errors.Is(err, pipeline.ErrPromotionFailed):
		// Aggregates were written but serving was never touched; the cycle
		// stays promotable for the next trigger.
		s.writeJSON(w, http.StatusMultiStatus, triggerResponseFor(res, false))
	case errors.Is(err, pipeline.ErrUpstream), errors.Is(err, pipeline.ErrInvariant):
		s.writeJSON(w, http.StatusOK, triggerResponseFor(res, false))
	case err != nil:
		s.log.Error("server: cycle trigger failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, TriggerCycleResponse{
			Message: "internal error",
		})
	default:
		s.writeJSON(w, http.StatusOK, triggerResponseFor(res, true))
	}
}

func triggerResponseFor(res *pipeline.Result, success bool) TriggerCycleResponse {
	resp := TriggerCycleResponse{Success: success}
	if res == nil {
		return resp
	}
	resp.Message = res.Message
	resp.CycleID = res.CycleID.String()
	counts := res.Counts
	resp.Counts = &counts
	resp.Partial = res.Partial()
	return resp
}

// ChangeSummary condenses a cycle's change log entry.
type ChangeSummary struct {
	Added    int      `json:"added"`
	Removed  int      `json:"removed"`
	Modified int      `json:"modified"`
	States   []string `json:"states"`
	Counties int      `json:"counties"`
	Zips     int      `json:"zips"`
}

// LatestCycleResponse is the body of GET /v1/cycles/latest.
type LatestCycleResponse struct {
	CycleID    string         `json:"cycle_id"`
	State      string         `json:"state"`
	Message    string         `json:"message,omitempty"`
	Inserted   int            `json:"inserted"`
	Rejected   int            `json:"rejected"`
	Changes    *ChangeSummary `json:"changes,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

func (s *Server) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	cyc, err := s.cfg.Cycles.Latest(r.Context())
	if err != nil {
		s.log.Error("server: failed to read latest cycle", "error", err)
		http.Error(w, "failed to read cycle state", http.StatusInternalServerError)
		return
	}
	if cyc == nil {
		http.Error(w, "no cycles recorded", http.StatusNotFound)
		return
	}

	resp := LatestCycleResponse{
		CycleID:    cyc.ID.String(),
		State:      string(cyc.State),
		Message:    cyc.Message,
		Inserted:   cyc.Inserted,
		Rejected:   cyc.Rejected,
		StartedAt:  cyc.StartedAt,
		UpdatedAt:  cyc.UpdatedAt,
		FinishedAt: cyc.FinishedAt,
	}

	entry, err := s.cfg.Cycles.ChangeLogFor(r.Context(), cyc.ID)
	if err != nil {
		s.log.Warn("server: failed to read change log", "cycle", cyc.ID, "error", err)
	} else if entry != nil {
		resp.Changes = &ChangeSummary{
			Added:    entry.Added,
			Removed:  entry.Removed,
			Modified: entry.Modified,
			States:   entry.States,
			Counties: len(entry.Counties),
			Zips:     len(entry.Zips),
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}
