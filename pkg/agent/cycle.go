package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/hostid"
	"github.com/remoteman/remoteman/pkg/spec"
	"github.com/remoteman/remoteman/pkg/telemetry"
)

// TableFetcher requests the job table from the coordination endpoint.
type TableFetcher interface {
	Fetch(ctx context.Context, server *spec.ServerSpec, host engine.HostIdentity) (spec.JobTable, error)
}

// JobResolver turns a job table into job specs, reporting unloadable entries.
type JobResolver interface {
	Resolve(ctx context.Context, table spec.JobTable, host engine.HostIdentity) (map[string]*spec.JobSpec, []string)
}

// JobDispatcher executes one job.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job *spec.JobSpec, opts engine.RunOptions) engine.ExecutionResult
}

// HostObserver is told the identity of every cycle before jobs run.
type HostObserver interface {
	SetHost(host engine.HostIdentity)
}

// CycleConfig wires the stages of a cycle.
type CycleConfig struct {
	Remote     *spec.RemoteSpec
	Fetcher    TableFetcher
	Resolver   JobResolver
	Dispatcher JobDispatcher

	// Optional.
	Metrics   *telemetry.Metrics
	Tracer    *telemetry.Tracer
	Observers []HostObserver
}

// Cycle performs one fetch, resolve and dispatch pass.
type Cycle struct {
	remote     *spec.RemoteSpec
	fetcher    TableFetcher
	resolver   JobResolver
	dispatcher JobDispatcher
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	observers  []HostObserver
	logger     zerolog.Logger
}

// NewCycle creates a cycle. Remote, Resolver and Dispatcher are required; Fetcher is
// required only when the remote spec has a server section.
func NewCycle(cfg CycleConfig, logger zerolog.Logger) (*Cycle, error) {
	if cfg.Remote == nil {
		return nil, engine.NewUsageError("cycle requires a remote spec", nil)
	}
	if cfg.Resolver == nil || cfg.Dispatcher == nil {
		return nil, engine.NewUsageError("cycle requires a resolver and a dispatcher", nil)
	}
	if cfg.Remote.Server != nil && cfg.Fetcher == nil {
		return nil, engine.NewUsageError("remote spec has a server section but no fetcher is configured", nil)
	}
	return &Cycle{
		remote:     cfg.Remote,
		fetcher:    cfg.Fetcher,
		resolver:   cfg.Resolver,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		observers:  cfg.Observers,
		logger:     logger.With().Str("component", "cycle").Logger(),
	}, nil
}

// Run executes one cycle and returns its aggregated result. Run never fails; every
// problem is recorded in the result. When ctx is cancelled the job in flight
// completes and the remaining jobs are reported as cancelled before dispatch.
func (c *Cycle) Run(ctx context.Context, opts engine.RunOptions) *engine.Result {
	host := hostid.Resolve(opts.OverrideHost)
	result := engine.NewResult(uuid.NewString(), host, opts.Commit)

	ctx, span := c.tracer.StartCycleSpan(ctx, result.RunID, host.Hostname, opts.Commit)
	defer span.End()

	logger := c.logger.With().Str("run_id", result.RunID).Str("host", host.Hostname).Logger()
	logger.Info().Bool("commit", opts.Commit).Msg("Starting cycle")

	for _, o := range c.observers {
		o.SetHost(host)
	}

	table := c.jobTable(ctx, host, opts, result)

	jobs, loadErrs := c.resolver.Resolve(ctx, table, host)
	for _, msg := range loadErrs {
		result.AddError("%s", msg)
		c.metrics.RecordFetchError(string(engine.ErrorKindJobLoad))
	}
	c.metrics.SetJobsLoaded(len(jobs))

	if opts.Parallelism > 1 {
		c.dispatchParallel(ctx, jobs, opts, result)
	} else {
		c.dispatchSequential(ctx, jobs, opts, result)
	}

	result.FinishedAt = time.Now().UTC()
	duration := result.FinishedAt.Sub(result.StartedAt)

	counts := result.Counts()
	event := logger.Info()
	if result.Failed() {
		event = logger.Warn()
	}
	event.
		Int("unchanged", counts[engine.StatusUnchanged]).
		Int("would_change", counts[engine.StatusWouldChange]).
		Int("changed", counts[engine.StatusChanged]).
		Int("failed", counts[engine.StatusError]).
		Int("errors", len(result.Errors)).
		Dur("duration", duration).
		Msg("Cycle finished")

	if result.Failed() {
		c.metrics.RecordCycle("failed", duration)
		telemetry.RecordError(span, errors.New("cycle finished with errors"))
	} else {
		c.metrics.RecordCycle("ok", duration)
		c.metrics.SetLastSuccess(result.FinishedAt)
		telemetry.RecordSuccess(span)
	}

	return result
}

// jobTable merges the local job table with the remote one. Remote entries win.
// A failed fetch is recorded and the local jobs still run.
func (c *Cycle) jobTable(ctx context.Context, host engine.HostIdentity, opts engine.RunOptions, result *engine.Result) spec.JobTable {
	table := c.remote.Jobs.Merge(nil)
	if c.remote.Server == nil {
		return table
	}

	fetchCtx, cancel := context.WithTimeout(ctx, opts.Timeout())
	defer cancel()

	fetchCtx, span := c.tracer.StartFetchSpan(fetchCtx, c.remote.Server.URL)
	defer span.End()

	remote, err := c.fetcher.Fetch(fetchCtx, c.remote.Server, host)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to fetch job table")
		result.AddError("%v", err)
		c.metrics.RecordFetchError(errorKind(err))
		telemetry.RecordError(span, err)
		return table
	}
	return table.Merge(remote)
}

func (c *Cycle) dispatchSequential(ctx context.Context, jobs map[string]*spec.JobSpec, opts engine.RunOptions, result *engine.Result) {
	for _, name := range sortedNames(jobs) {
		if ctx.Err() != nil {
			result.AddError("job %s: cancelled before dispatch", name)
			continue
		}
		result.Results[name] = c.runJob(ctx, jobs[name], opts)
	}
}

// dispatchParallel runs jobs on a bounded worker group. Jobs sharing a target
// path hold the same lock and never overlap.
func (c *Cycle) dispatchParallel(ctx context.Context, jobs map[string]*spec.JobSpec, opts engine.RunOptions, result *engine.Result) {
	var (
		mu        sync.Mutex
		cancelled []string
		locks     = newKeyedMutex()
		g         errgroup.Group
	)
	g.SetLimit(opts.Parallelism)

	for _, name := range sortedNames(jobs) {
		job := jobs[name]
		g.Go(func() error {
			unlock := locks.Lock(job.Target())
			defer unlock()

			if ctx.Err() != nil {
				mu.Lock()
				cancelled = append(cancelled, name)
				mu.Unlock()
				return nil
			}

			res := c.runJob(ctx, job, opts)

			mu.Lock()
			result.Results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(cancelled)
	for _, name := range cancelled {
		result.AddError("job %s: cancelled before dispatch", name)
	}
}

func (c *Cycle) runJob(ctx context.Context, job *spec.JobSpec, opts engine.RunOptions) engine.ExecutionResult {
	ctx, span := c.tracer.StartJobSpan(ctx, job.Name, job.Component)
	defer span.End()

	res := c.dispatcher.Dispatch(ctx, job, opts)

	span.SetAttributes(telemetry.AttrStatus.String(string(res.Status)))
	if res.Status == engine.StatusError {
		telemetry.RecordError(span, errors.New(res.Detail))
	}
	c.metrics.RecordJob(job.Component, string(res.Status), res.Duration)

	event := c.logger.Debug()
	switch res.Status {
	case engine.StatusError:
		event = c.logger.Warn()
	case engine.StatusChanged, engine.StatusWouldChange:
		event = c.logger.Info()
	}
	event.
		Str("job", job.Name).
		Str("handler", job.Component).
		Str("status", string(res.Status)).
		Str("detail", res.Detail).
		Dur("duration", res.Duration).
		Msg("Job finished")

	return res
}

func sortedNames(jobs map[string]*spec.JobSpec) []string {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func errorKind(err error) string {
	var e *engine.Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return "unknown"
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
