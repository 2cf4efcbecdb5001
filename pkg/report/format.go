// Package report renders cycle results and publishes them to external sinks.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remoteman/remoteman/pkg/engine"
)

// Format selects how a result is rendered.
type Format string

const (
	FormatPPrint Format = "pprint"
	FormatJSON   Format = "json"
	FormatYAML   Format = "yaml"
)

// ParseFormat validates a format name. An empty name means pprint.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FormatPPrint, nil
	case FormatPPrint, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", engine.NewUsageError(fmt.Sprintf("unknown output format %q (want pprint, json or yaml)", name), nil)
	}
}

// payload is the wire shape of a result: errors and results first.
type payload struct {
	Errors     []string                          `json:"errors" yaml:"errors"`
	Results    map[string]engine.ExecutionResult `json:"results" yaml:"results"`
	RunID      string                            `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Host       string                            `json:"host,omitempty" yaml:"host,omitempty"`
	Commit     bool                              `json:"commit" yaml:"commit"`
	StartedAt  string                            `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt string                            `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

func toPayload(r *engine.Result) payload {
	p := payload{
		Errors:  r.Errors,
		Results: r.Results,
		RunID:   r.RunID,
		Host:    r.Host.Hostname,
		Commit:  r.Commit,
	}
	if p.Errors == nil {
		p.Errors = []string{}
	}
	if p.Results == nil {
		p.Results = map[string]engine.ExecutionResult{}
	}
	if !r.StartedAt.IsZero() {
		p.StartedAt = r.StartedAt.Format(time.RFC3339)
	}
	if !r.FinishedAt.IsZero() {
		p.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	return p
}

// Write renders result to w.
func Write(w io.Writer, result *engine.Result, format Format) error {
	switch format {
	case FormatJSON, FormatYAML:
		return Encode(w, toPayload(result), format)
	case FormatPPrint, "":
		return writePretty(w, result)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// Encode writes v as indented JSON or YAML. Other formats are an error.
func Encode(w io.Writer, v any, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q cannot encode values", format)
	}
}

func writePretty(w io.Writer, result *engine.Result) error {
	mode := "commit"
	if !result.Commit {
		mode = "no-commit"
	}
	fmt.Fprintf(w, "host: %s  run: %s  mode: %s\n\n", result.Host.Hostname, result.RunID, mode)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tDETAIL")
	for _, name := range result.JobNames() {
		res := result.Results[name]
		detail := res.Detail
		if len(res.Actions) > 0 && detail == "" {
			detail = strings.Join(res.Actions, "; ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, res.Status, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := result.Counts()
	fmt.Fprintf(w, "\n%d unchanged, %d would change, %d changed, %d failed\n",
		counts[engine.StatusUnchanged], counts[engine.StatusWouldChange],
		counts[engine.StatusChanged], counts[engine.StatusError])

	if len(result.Errors) > 0 {
		fmt.Fprintln(w, "\nerrors:")
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	return nil
}

// Printer writes every result it consumes to an io.Writer.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
}

// NewPrinter creates a printer.
func NewPrinter(w io.Writer, format Format) *Printer {
	return &Printer{w: w, format: format}
}

// Consume renders result.
func (p *Printer) Consume(_ context.Context, result *engine.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Write(p.w, result, p.format)
}
