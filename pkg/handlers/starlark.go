package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/protocol"
	"github.com/remoteman/remoteman/pkg/spec"
)

const commitLocal = "remoteman.commit"

// StarlarkHandler runs a script defining apply(params, commit).
type StarlarkHandler struct {
	plugin
	apply  *starlark.Function
	logger zerolog.Logger
}

// NewStarlarkHandler loads and checks the script at path. The script's globals are
// evaluated once and frozen; every Apply call runs on a fresh thread.
func NewStarlarkHandler(name, path string, timeout time.Duration, logger zerolog.Logger) (*StarlarkHandler, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	h := &StarlarkHandler{
		plugin: plugin{name: name, path: path, timeout: timeout},
		logger: logger.With().Str("handler", name).Logger(),
	}

	globals, err := starlark.ExecFile(h.newThread(false), filepath.Base(path), src, starlarkPredeclared())
	if err != nil {
		return nil, fmt.Errorf("starlark load failed: %w", err)
	}

	fn, ok := globals["apply"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("script does not define apply(params, commit)")
	}
	if fn.NumParams() != 2 {
		return nil, fmt.Errorf("apply must take exactly 2 parameters, has %d", fn.NumParams())
	}
	h.apply = fn
	return h, nil
}

func (h *StarlarkHandler) newThread(commit bool) *starlark.Thread {
	thread := &starlark.Thread{
		Name: h.name,
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Debug().Str("script", h.path).Msg(msg)
		},
	}
	thread.SetLocal(commitLocal, commit)
	return thread
}

// Apply implements Handler.
func (h *StarlarkHandler) Apply(ctx context.Context, job *spec.JobSpec, commit bool) (engine.ExecutionResult, error) {
	params, err := toStarlarkValue(normalizeParams(job.Params))
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to convert params: %w", err)
	}

	thread := h.newThread(commit)
	evalCtx, cancel := context.WithTimeout(ctx, h.deadline())
	defer cancel()

	type outcome struct {
		val starlark.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := starlark.Call(thread, h.apply, starlark.Tuple{params, starlark.Bool(commit)}, nil)
		done <- outcome{val: v, err: err}
	}()

	var out outcome
	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		<-done
		return engine.ExecutionResult{}, fmt.Errorf("starlark execution timeout after %v", h.deadline())
	case out = <-done:
	}

	if out.err != nil {
		var evalErr *starlark.EvalError
		if errors.As(out.err, &evalErr) {
			return engine.ExecutionResult{}, fmt.Errorf("%s", evalErr.Msg)
		}
		return engine.ExecutionResult{}, out.err
	}

	return starlarkResult(out.val)
}

// starlarkResult reads {"status": ..., "detail": ..., "actions": [...]} from v.
func starlarkResult(v starlark.Value) (engine.ExecutionResult, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	m, ok := goVal.(map[string]any)
	if !ok {
		return engine.ExecutionResult{}, fmt.Errorf("apply must return a dict, got %s", v.Type())
	}

	done := &protocol.DoneMessage{}
	if s, ok := m["status"].(string); ok {
		done.Status = s
	}
	if s, ok := m["detail"].(string); ok {
		done.Detail = s
	}
	if list, ok := m["actions"].([]any); ok {
		for _, a := range list {
			done.Actions = append(done.Actions, fmt.Sprint(a))
		}
	}
	return resultFromDone(done)
}

func starlarkPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"fs": &starlarkstruct.Module{
			Name: "fs",
			Members: starlark.StringDict{
				"exists": starlark.NewBuiltin("fs.exists", fsExists),
				"read":   starlark.NewBuiltin("fs.read", fsRead),
				"mode":   starlark.NewBuiltin("fs.mode", fsMode),
				"write":  starlark.NewBuiltin("fs.write", fsWrite),
				"mkdir":  starlark.NewBuiltin("fs.mkdir", fsMkdir),
				"chmod":  starlark.NewBuiltin("fs.chmod", fsChmod),
				"remove": starlark.NewBuiltin("fs.remove", fsRemove),
			},
		},
	}
}

func requireCommit(thread *starlark.Thread, b *starlark.Builtin) error {
	if commit, _ := thread.Local(commitLocal).(bool); !commit {
		return fmt.Errorf("%s: not allowed when commit is false", b.Name())
	}
	return nil
}

func unpackPath(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (string, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%s: path %q must be absolute", b.Name(), path)
	}
	return path, nil
}

func fsExists(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	path, err := unpackPath(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	_, err = os.Lstat(path)
	return starlark.Bool(err == nil), nil
}

func fsRead(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	path, err := unpackPath(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

// fsMode returns the octal permission string of path, or None when it is missing.
func fsMode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	path, err := unpackPath(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return starlark.None, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(fmt.Sprintf("%04o", info.Mode().Perm())), nil
}

func fsWrite(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := requireCommit(thread, b); err != nil {
		return nil, err
	}
	var path, content string
	mode := "0644"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content, "mode?", &mode); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%s: path %q must be absolute", b.Name(), path)
	}
	perm, _, err := Mode(mode).Perm()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := atomicWrite(path, []byte(content), perm, -1, -1); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func fsMkdir(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := requireCommit(thread, b); err != nil {
		return nil, err
	}
	var path string
	mode := "0755"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "mode?", &mode); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%s: path %q must be absolute", b.Name(), path)
	}
	perm, _, err := Mode(mode).Perm()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func fsChmod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := requireCommit(thread, b); err != nil {
		return nil, err
	}
	var path, mode string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "mode", &mode); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%s: path %q must be absolute", b.Name(), path)
	}
	perm, _, err := Mode(mode).Perm()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func fsRemove(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := requireCommit(thread, b); err != nil {
		return nil, err
	}
	path, err := unpackPath(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// normalizeParams flattens decoder-specific value types (json.Number, map[any]any)
// into the plain shapes toStarlarkValue understands.
func normalizeParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return params
	}
	return out
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
