package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

// defaultFileMode applies to files created without an explicit mode.
const defaultFileMode os.FileMode = 0o644

type fileParams struct {
	targetParams `mapstructure:",squash"`

	Content    *string `mapstructure:"content"`
	Source     string  `mapstructure:"source"`
	CreateDirs *bool   `mapstructure:"create_dirs"`
}

// FileHandler converges a regular file's presence, content, mode and ownership.
type FileHandler struct {
	sources *Sources
}

// NewFileHandler creates the built-in file handler. sources may be nil, in which
// case only local source paths are readable.
func NewFileHandler(sources *Sources) *FileHandler {
	return &FileHandler{sources: sources}
}

// Name implements Handler.
func (h *FileHandler) Name() string { return "file" }

// ParamSchema implements SchemaProvider.
func (h *FileHandler) ParamSchema() string { return fileSchema }

// Apply implements Handler.
func (h *FileHandler) Apply(ctx context.Context, job *spec.JobSpec, commit bool) (engine.ExecutionResult, error) {
	var p fileParams
	if err := decodeParams(job.Params, &p); err != nil {
		return engine.ExecutionResult{}, err
	}
	if err := p.validate(); err != nil {
		return engine.ExecutionResult{}, err
	}
	if p.Content != nil && p.Source != "" {
		return engine.ExecutionResult{}, fmt.Errorf("content and source are mutually exclusive")
	}

	info, err := os.Stat(p.Path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return engine.ExecutionResult{}, fmt.Errorf("cannot inspect %s: %w", p.Path, err)
	}
	if exists && info.IsDir() {
		return engine.ExecutionResult{}, fmt.Errorf("%s is a directory", p.Path)
	}

	if p.Ensure == EnsureAbsent {
		return h.remove(p.Path, exists, commit)
	}

	var desired []byte
	switch {
	case p.Content != nil:
		desired = []byte(*p.Content)
	case p.Source != "":
		if desired, err = h.sources.Read(ctx, p.Source); err != nil {
			return engine.ExecutionResult{}, err
		}
	}

	perm, hasPerm, _ := p.Mode.Perm()
	uid, gid, err := p.ownership()
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	var actions []string
	writeContent := false
	if !exists {
		actions = append(actions, ActionCreate)
		writeContent = true
		if hasPerm {
			actions = append(actions, ActionFixPermissions)
		}
		if uid >= 0 || gid >= 0 {
			actions = append(actions, ActionFixOwnership)
		}
	} else {
		if desired != nil {
			current, err := os.ReadFile(p.Path)
			if err != nil {
				return engine.ExecutionResult{}, fmt.Errorf("cannot read %s: %w", p.Path, err)
			}
			if !bytes.Equal(current, desired) {
				actions = append(actions, ActionUpdateContent)
				writeContent = true
			}
		}
		actions = append(actions, attributeActions(info, perm, hasPerm, uid, gid)...)
	}

	if len(actions) == 0 {
		return engine.Unchanged(fmt.Sprintf("file %s is up to date", p.Path)), nil
	}

	detail := strings.Join(actions, "; ")
	if !commit {
		return engine.ExecutionResult{Status: engine.StatusWouldChange, Detail: detail, Actions: actions}, nil
	}

	if writeContent {
		if !exists && !hasPerm {
			perm = defaultFileMode
		} else if exists && !hasPerm {
			perm = info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
		}
		if exists {
			curUID, curGID, _ := statOwner(info)
			if uid < 0 {
				uid = curUID
			}
			if gid < 0 {
				gid = curGID
			}
		}
		if err := h.ensureParent(p); err != nil {
			return engine.ExecutionResult{}, err
		}
		if err := atomicWrite(p.Path, desired, perm, uid, gid); err != nil {
			return engine.ExecutionResult{}, err
		}
	} else if err := applyAttributes(p.Path, perm, hasPerm, uid, gid); err != nil {
		return engine.ExecutionResult{}, err
	}

	return engine.ExecutionResult{Status: engine.StatusChanged, Detail: detail, Actions: actions}, nil
}

func (h *FileHandler) remove(path string, exists, commit bool) (engine.ExecutionResult, error) {
	if !exists {
		return engine.Unchanged(fmt.Sprintf("file %s is absent", path)), nil
	}
	actions := []string{ActionRemove}
	if !commit {
		return engine.ExecutionResult{Status: engine.StatusWouldChange, Detail: ActionRemove, Actions: actions}, nil
	}
	if err := os.Remove(path); err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return engine.ExecutionResult{Status: engine.StatusChanged, Detail: ActionRemove, Actions: actions}, nil
}

func (h *FileHandler) ensureParent(p fileParams) error {
	dir := filepath.Dir(p.Path)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if p.CreateDirs != nil && !*p.CreateDirs {
		return fmt.Errorf("parent directory %s does not exist and create_dirs is false", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

// atomicWrite replaces path with data through a synced temporary file in the same
// directory, so readers see either the old or the new content.
func atomicWrite(path string, data []byte, perm os.FileMode, uid, gid int) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".remoteman-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if uid >= 0 || gid >= 0 {
		info, statErr := os.Stat(tmpName)
		if statErr != nil {
			return fmt.Errorf("failed to stat temp file: %w", statErr)
		}
		curUID, curGID, _ := statOwner(info)
		if (uid >= 0 && uid != curUID) || (gid >= 0 && gid != curGID) {
			if err = os.Chown(tmpName, uid, gid); err != nil {
				return fmt.Errorf("failed to set ownership: %w", err)
			}
		}
	}

	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	if d, openErr := os.Open(dir); openErr == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

const fileSchema = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "content": {"type": "string"},
    "source": {"type": "string", "minLength": 1},
    "mode": {"type": ["string", "integer"]},
    "owner": {"type": ["string", "integer"]},
    "group": {"type": ["string", "integer"]},
    "ensure": {"enum": ["present", "absent"]},
    "create_dirs": {"type": "boolean"}
  },
  "not": {"required": ["content", "source"]}
}`
