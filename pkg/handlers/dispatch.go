package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

// Gate vets a job before it reaches its handler. A non-empty violation list blocks it.
type Gate interface {
	Evaluate(ctx context.Context, job *spec.JobSpec) ([]string, error)
}

// Dispatcher runs jobs through their handlers. Every failure, including a panic,
// becomes an error result for that job only.
type Dispatcher struct {
	registry *Registry
	schemas  *SchemaSet
	gate     Gate
	logger   zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSchemas validates job params against per-component JSON Schemas.
func WithSchemas(s *SchemaSet) DispatcherOption {
	return func(d *Dispatcher) { d.schemas = s }
}

// WithGate installs a policy gate.
func WithGate(g Gate) DispatcherOption {
	return func(d *Dispatcher) { d.gate = g }
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the dispatcher's handler registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch executes job and returns its result. It never panics and never returns
// an error; failures are reported through the result's status.
//
// The handler receives a context that is not cancelled with ctx, so a termination
// request never interrupts an apply step midway.
func (d *Dispatcher) Dispatch(ctx context.Context, job *spec.JobSpec, opts engine.RunOptions) (res engine.ExecutionResult) {
	start := time.Now()
	logger := d.logger.With().Str("job", job.Name).Str("handler", job.Component).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Handler panicked")
			res = engine.Failed("handler panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	handler, ok := d.registry.Lookup(job.Component)
	if !ok {
		return engine.Failed("unknown component: %s", job.Component)
	}

	if d.schemas != nil {
		if err := d.schemas.Validate(job.Component, job.Params); err != nil {
			return engine.Failed("invalid params: %v", err)
		}
	}

	if d.gate != nil {
		violations, err := d.gate.Evaluate(ctx, job)
		if err != nil {
			return engine.Failed("policy evaluation failed: %v", err)
		}
		if len(violations) > 0 {
			return engine.Failed("policy: %s", strings.Join(violations, "; "))
		}
	}

	res, err := handler.Apply(context.WithoutCancel(ctx), job, opts.Commit)
	if err != nil {
		logger.Debug().Err(err).Msg("Handler returned error")
		return engine.Failed("%v", err)
	}

	return enforceContract(res, opts.Commit)
}

// enforceContract rejects results a handler is not allowed to produce.
func enforceContract(res engine.ExecutionResult, commit bool) engine.ExecutionResult {
	if !res.Status.Valid() {
		return engine.Failed("handler returned unknown status %q", res.Status)
	}
	if !commit && res.Status == engine.StatusChanged {
		return engine.ExecutionResult{
			Status:  engine.StatusError,
			Detail:  "handler reported change in no-commit mode",
			Actions: res.Actions,
		}
	}
	if commit && res.Status == engine.StatusWouldChange {
		return engine.ExecutionResult{
			Status:  engine.StatusError,
			Detail:  fmt.Sprintf("handler did not apply planned change: %s", res.Detail),
			Actions: res.Actions,
		}
	}
	return res
}
