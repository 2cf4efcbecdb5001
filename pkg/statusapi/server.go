// Package statusapi serves the agent's health, metrics and recent results over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/stores"
)

// History lists stored cycles.
type History interface {
	ListCycles(ctx context.Context, opts stores.ListOptions) ([]*stores.CycleRecord, error)
	ListJobResults(ctx context.Context, runID string) ([]*stores.JobRecord, error)
	HealthCheck(ctx context.Context) error
}

// Options wires the data sources behind the endpoints. All fields are optional.
type Options struct {
	// Last returns the most recent cycle result, or nil before the first one.
	Last func() *engine.Result

	// Metrics serves /metrics.
	Metrics http.Handler

	// History backs /v1/history.
	History History

	Logger zerolog.Logger
}

type server struct {
	opts    Options
	started time.Time
}

// NewHandler returns the status router.
func NewHandler(opts Options) http.Handler {
	s := &server{opts: opts, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/results/last", s.lastResult)
		r.Get("/history", s.listHistory)
		r.Get("/history/{runID}", s.getHistory)
	})

	return r
}

type healthResponse struct {
	Status     string     `json:"status"`
	Uptime     string     `json:"uptime"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastFinish *time.Time `json:"last_finished_at,omitempty"`
	LastFailed bool       `json:"last_failed"`
	Error      string     `json:"error,omitempty"`
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if last := s.last(); last != nil {
		resp.LastRunID = last.RunID
		finished := last.FinishedAt
		resp.LastFinish = &finished
		resp.LastFailed = last.Failed()
	}

	code := http.StatusOK
	if s.opts.History != nil {
		if err := s.opts.History.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Error = "history: " + err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *server) lastResult(w http.ResponseWriter, _ *http.Request) {
	last := s.last()
	if last == nil {
		writeError(w, http.StatusNotFound, "no cycle has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	opts := stores.ListOptions{Host: r.URL.Query().Get("host")}
	for key, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+key)
			return
		}
		*dst = n
	}

	cycles, err := s.opts.History.ListCycles(r.Context(), opts)
	if err != nil {
		s.opts.Logger.Error().Err(err).Msg("Failed to list history")
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	runID := chi.URLParam(r, "runID")
	jobs, err := s.opts.History.ListJobResults(r.Context(), runID)
	if err != nil {
		s.opts.Logger.Error().Err(err).Str("run_id", runID).Msg("Failed to load job results")
		writeError(w, http.StatusInternalServerError, "failed to load job results")
		return
	}
	if len(jobs) == 0 {
		writeError(w, http.StatusNotFound, "unknown run "+runID)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *server) last() *engine.Result {
	if s.opts.Last == nil {
		return nil
	}
	return s.opts.Last()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, handler, logger)
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Status endpoint listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
