package handlers

import (
	"fmt"
	"time"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/protocol"
	"github.com/remoteman/remoteman/pkg/spec"
)

// DefaultPluginTimeout bounds a single plugin apply call.
const DefaultPluginTimeout = 5 * time.Minute

// Plugin kinds reported by Info.Kind.
const (
	KindGo       = "go"
	KindStarlark = "starlark"
	KindWASM     = "wasm"
	KindExec     = "exec"
)

// plugin carries what every discovered handler shares.
type plugin struct {
	name    string
	path    string
	schema  string
	timeout time.Duration
}

func (p *plugin) Name() string { return p.name }

// ParamSchema implements SchemaProvider using the optional <name>.schema.json.
func (p *plugin) ParamSchema() string { return p.schema }

func (p *plugin) deadline() time.Duration {
	if p.timeout <= 0 {
		return DefaultPluginTimeout
	}
	return p.timeout
}

func applyRequest(job *spec.JobSpec, commit bool) *protocol.ApplyRequest {
	params := job.Params
	if params == nil {
		params = map[string]any{}
	}
	return &protocol.ApplyRequest{
		Component: job.Component,
		Name:      job.Name,
		Params:    params,
		Commit:    commit,
	}
}

// resultFromDone converts a plugin outcome into an ExecutionResult.
func resultFromDone(done *protocol.DoneMessage) (engine.ExecutionResult, error) {
	if done == nil {
		return engine.ExecutionResult{}, fmt.Errorf("plugin returned no result")
	}
	status := engine.Status(done.Status)
	if !status.Valid() {
		return engine.ExecutionResult{}, fmt.Errorf("plugin returned unknown status %q", done.Status)
	}
	return engine.ExecutionResult{
		Status:  status,
		Detail:  done.Detail,
		Actions: done.Actions,
	}, nil
}
