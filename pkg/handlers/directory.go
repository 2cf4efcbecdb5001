package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

// defaultDirMode applies to directories created without an explicit mode.
const defaultDirMode os.FileMode = 0o755

type directoryParams struct {
	targetParams `mapstructure:",squash"`

	// Recursive allows ensure=absent to remove a non-empty directory.
	Recursive bool `mapstructure:"recursive"`
}

// DirectoryHandler converges a directory's presence, mode and ownership.
type DirectoryHandler struct{}

// NewDirectoryHandler creates the built-in directory handler.
func NewDirectoryHandler() *DirectoryHandler {
	return &DirectoryHandler{}
}

// Name implements Handler.
func (h *DirectoryHandler) Name() string { return "directory" }

// ParamSchema implements SchemaProvider.
func (h *DirectoryHandler) ParamSchema() string { return directorySchema }

// Apply implements Handler.
func (h *DirectoryHandler) Apply(_ context.Context, job *spec.JobSpec, commit bool) (engine.ExecutionResult, error) {
	var p directoryParams
	if err := decodeParams(job.Params, &p); err != nil {
		return engine.ExecutionResult{}, err
	}
	if err := p.validate(); err != nil {
		return engine.ExecutionResult{}, err
	}
	if p.Path == "/" {
		return engine.ExecutionResult{}, fmt.Errorf("refusing to manage /")
	}

	info, err := os.Stat(p.Path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return engine.ExecutionResult{}, fmt.Errorf("cannot inspect %s: %w", p.Path, err)
	}
	if exists && !info.IsDir() {
		return engine.ExecutionResult{}, fmt.Errorf("%s exists and is not a directory", p.Path)
	}

	if p.Ensure == EnsureAbsent {
		return h.remove(p, exists, commit)
	}

	perm, hasPerm, _ := p.Mode.Perm()
	uid, gid, err := p.ownership()
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	var actions []string
	if !exists {
		actions = append(actions, ActionCreate)
		if hasPerm {
			actions = append(actions, ActionFixPermissions)
		}
		if uid >= 0 || gid >= 0 {
			actions = append(actions, ActionFixOwnership)
		}
	} else {
		actions = attributeActions(info, perm, hasPerm, uid, gid)
	}

	if len(actions) == 0 {
		return engine.Unchanged(fmt.Sprintf("directory %s is up to date", p.Path)), nil
	}

	detail := strings.Join(actions, "; ")
	if !commit {
		return engine.ExecutionResult{Status: engine.StatusWouldChange, Detail: detail, Actions: actions}, nil
	}

	if !exists {
		if err := os.MkdirAll(p.Path, defaultDirMode); err != nil {
			return engine.ExecutionResult{}, fmt.Errorf("failed to create directory: %w", err)
		}
		// MkdirAll is subject to the umask; set the final mode explicitly.
		if !hasPerm {
			perm, hasPerm = defaultDirMode, true
		}
	}
	if err := applyAttributes(p.Path, perm, hasPerm, uid, gid); err != nil {
		return engine.ExecutionResult{}, err
	}

	return engine.ExecutionResult{Status: engine.StatusChanged, Detail: detail, Actions: actions}, nil
}

func (h *DirectoryHandler) remove(p directoryParams, exists, commit bool) (engine.ExecutionResult, error) {
	if !exists {
		return engine.Unchanged(fmt.Sprintf("directory %s is absent", p.Path)), nil
	}

	if !p.Recursive {
		entries, err := os.ReadDir(p.Path)
		if err != nil {
			return engine.ExecutionResult{}, fmt.Errorf("cannot read %s: %w", p.Path, err)
		}
		if len(entries) > 0 {
			return engine.ExecutionResult{}, fmt.Errorf("directory %s is not empty and recursive is false", p.Path)
		}
	}

	actions := []string{ActionRemove}
	if !commit {
		return engine.ExecutionResult{Status: engine.StatusWouldChange, Detail: ActionRemove, Actions: actions}, nil
	}

	remove := os.Remove
	if p.Recursive {
		remove = os.RemoveAll
	}
	if err := remove(p.Path); err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to remove %s: %w", p.Path, err)
	}
	return engine.ExecutionResult{Status: engine.StatusChanged, Detail: ActionRemove, Actions: actions}, nil
}

const directorySchema = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "mode": {"type": ["string", "integer"]},
    "owner": {"type": ["string", "integer"]},
    "group": {"type": ["string", "integer"]},
    "ensure": {"enum": ["present", "absent"]},
    "recursive": {"type": "boolean"}
  }
}`
