package stores

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a cycle does not exist.
var ErrNotFound = errors.New("not found")

// CycleRecord summarizes one stored cycle.
type CycleRecord struct {
	RunID       string    `json:"run_id"`
	Host        string    `json:"host"`
	Platform    string    `json:"platform"`
	Commit      bool      `json:"commit"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Unchanged   int       `json:"unchanged"`
	WouldChange int       `json:"would_change"`
	Changed     int       `json:"changed"`
	Failed      int       `json:"failed"`
	Errors      []string  `json:"errors"`
}

// Duration returns how long the cycle took.
func (c *CycleRecord) Duration() time.Duration {
	return c.FinishedAt.Sub(c.StartedAt)
}

// JobRecord is one job's stored outcome.
type JobRecord struct {
	RunID    string        `json:"run_id"`
	Job      string        `json:"job"`
	Status   string        `json:"status"`
	Detail   string        `json:"detail"`
	Actions  []string      `json:"actions"`
	Duration time.Duration `json:"duration"`
}

// ListOptions filters and pages cycle listings.
type ListOptions struct {
	// Host restricts the listing to one host when non-empty.
	Host   string
	Limit  int
	Offset int
}
