package engine

import (
	"fmt"
	"sort"
	"time"
)

// Status is the outcome of a single job execution.
type Status string

const (
	// StatusUnchanged means actual state already matched desired state.
	StatusUnchanged Status = "unchanged"

	// StatusWouldChange means a change is needed but commit was disabled.
	StatusWouldChange Status = "would-change"

	// StatusChanged means the handler modified system state.
	StatusChanged Status = "changed"

	// StatusError means the job could not be inspected or applied.
	StatusError Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUnchanged, StatusWouldChange, StatusChanged, StatusError:
		return true
	}
	return false
}

// ExecutionResult is the per-job outcome produced by the dispatch engine.
type ExecutionResult struct {
	// Status is the execution status.
	Status Status `json:"status" yaml:"status"`

	// Detail is a human-readable description of what happened or would happen.
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`

	// Actions lists the planned or applied change steps, in order.
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`

	// Duration is how long the job took.
	Duration time.Duration `json:"duration_ns,omitempty" yaml:"duration_ns,omitempty"`
}

// Unchanged builds an unchanged result.
func Unchanged(detail string) ExecutionResult {
	return ExecutionResult{Status: StatusUnchanged, Detail: detail}
}

// Failed builds an error result.
func Failed(format string, args ...any) ExecutionResult {
	return ExecutionResult{Status: StatusError, Detail: fmt.Sprintf(format, args...)}
}

// Result aggregates one convergence cycle.
type Result struct {
	// RunID identifies the cycle.
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`

	// Host is the identity the cycle ran as.
	Host HostIdentity `json:"host" yaml:"host"`

	// Commit records whether changes were allowed.
	Commit bool `json:"commit" yaml:"commit"`

	// Errors holds load-level and cycle-level failures.
	Errors []string `json:"errors" yaml:"errors"`

	// Results maps job name to its execution result.
	Results map[string]ExecutionResult `json:"results" yaml:"results"`

	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// NewResult returns an empty result ready to be filled.
func NewResult(runID string, host HostIdentity, commit bool) *Result {
	return &Result{
		RunID:     runID,
		Host:      host,
		Commit:    commit,
		Errors:    []string{},
		Results:   make(map[string]ExecutionResult),
		StartedAt: time.Now().UTC(),
	}
}

// AddError appends a formatted error to the result.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// JobNames returns the job names in sorted order.
func (r *Result) JobNames() []string {
	names := make([]string, 0, len(r.Results))
	for name := range r.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts tallies results by status.
func (r *Result) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

// Failed reports whether the cycle recorded any error, load-level or per job.
func (r *Result) Failed() bool {
	if len(r.Errors) > 0 {
		return true
	}
	for _, res := range r.Results {
		if res.Status == StatusError {
			return true
		}
	}
	return false
}

// HostIdentity is the name and platform the agent presents to the coordination endpoint.
type HostIdentity struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Platform string `json:"platform" yaml:"platform"`
}

// RunOptions carries per-invocation settings. Always passed explicitly.
type RunOptions struct {
	// Commit allows handlers to mutate system state.
	Commit bool

	// Verbose enables debug logging and detailed output.
	Verbose bool

	// OverrideHost replaces the resolved hostname when non-empty.
	OverrideHost string

	// HandlerDirectory is scanned for override handlers when non-empty.
	HandlerDirectory string

	// FetchTimeout bounds each coordination request.
	FetchTimeout time.Duration

	// Parallelism is the number of jobs dispatched concurrently. Values below 2 mean sequential.
	Parallelism int
}

// DefaultFetchTimeout bounds a coordination request when RunOptions.FetchTimeout is zero.
const DefaultFetchTimeout = 30 * time.Second

// Timeout returns the effective fetch timeout.
func (o RunOptions) Timeout() time.Duration {
	if o.FetchTimeout <= 0 {
		return DefaultFetchTimeout
	}
	return o.FetchTimeout
}
