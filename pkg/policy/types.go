package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the job.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the job.
	SeverityError Severity = "error"

	// SeverityCritical blocks the job.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity stop a job.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set vets jobs.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single deny entry.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Job is the job that violated the policy.
	Job string `json:"job,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	Severity Severity `json:"severity"`
}

// Input is the document policies see as `input`.
type Input struct {
	Job     JobInput     `json:"job"`
	Context InputContext `json:"context"`
}

// JobInput describes the job being vetted. Path is the cleaned absolute target path
// when the job has a path param; RawPath is the param as written.
type JobInput struct {
	Name      string         `json:"name"`
	Component string         `json:"component"`
	Params    map[string]any `json:"params"`
	Path      string         `json:"path,omitempty"`
	RawPath   string         `json:"raw_path,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// InputContext carries evaluation context.
type InputContext struct {
	Hostname  string    `json:"hostname,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
