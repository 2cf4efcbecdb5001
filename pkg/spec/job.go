package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/remoteman/remoteman/pkg/engine"
)

// JobSpec is a resolved job: the component that handles it and its parameters.
type JobSpec struct {
	// Name is the job's key in the job table.
	Name string `json:"name" yaml:"name"`

	// Component selects the handler.
	Component string `json:"component" yaml:"component"`

	// Params holds every handler-specific field.
	Params map[string]any `json:"params" yaml:"params"`

	// Source records where the spec was loaded from.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// String returns a string representation of the job.
func (j *JobSpec) String() string {
	return fmt.Sprintf("%s(%s)", j.Component, j.Name)
}

// Target returns the path the job operates on, or its name when it has none.
// Jobs sharing a target are never run concurrently.
func (j *JobSpec) Target() string {
	if p, ok := j.Params["path"].(string); ok && p != "" {
		return filepath.Clean(p)
	}
	return "job:" + j.Name
}

// Format is a job document encoding.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
	FormatJSON5 Format = "json5"
	FormatCUE   Format = "cue"
)

// FormatFromPath picks the decoder from a file extension. Unknown extensions are YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".json5":
		return FormatJSON5
	case ".cue":
		return FormatCUE
	default:
		return FormatYAML
	}
}

// DecodeDocument decodes a job document into a generic map.
func DecodeDocument(data []byte, format Format, filename string) (map[string]any, error) {
	var raw map[string]any

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		normalizeNumbers(raw)
	case FormatJSON5:
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case FormatCUE:
		val := cuecontext.New().CompileBytes(data, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return nil, err
		}
		if err := val.Validate(cue.Concrete(true)); err != nil {
			return nil, err
		}
		if err := val.Decode(&raw); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	if raw == nil {
		return nil, fmt.Errorf("document is empty or not a mapping")
	}
	return raw, nil
}

// ParseJob decodes a job document and builds the JobSpec.
func ParseJob(name string, data []byte, format Format, source string) (*JobSpec, error) {
	raw, err := DecodeDocument(data, format, source)
	if err != nil {
		return nil, engine.NewJobLoadError(name, "malformed spec "+source, err).WithCode(engine.ErrCodeMalformed)
	}
	job, err := FromMap(name, raw)
	if err != nil {
		return nil, err
	}
	job.Source = source
	return job, nil
}

// FromMap builds a JobSpec from a decoded document. A top-level "data" mapping, when
// it is the document's only key, is unwrapped first.
func FromMap(name string, raw map[string]any) (*JobSpec, error) {
	if inner, ok := raw["data"].(map[string]any); ok && len(raw) == 1 {
		raw = inner
	}

	component, _ := raw["component"].(string)
	component = strings.TrimSpace(component)
	if component == "" {
		return nil, engine.NewJobLoadError(name, "spec has no component", nil).WithCode(engine.ErrCodeMissingField)
	}

	params := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "component" {
			continue
		}
		params[k] = v
	}

	return &JobSpec{
		Name:      name,
		Component: component,
		Params:    params,
	}, nil
}

// ParamKeys returns the parameter names in sorted order.
func (j *JobSpec) ParamKeys() []string {
	keys := make([]string, 0, len(j.Params))
	for k := range j.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeNumbers converts json.Number values to int64 when integral, else float64.
func normalizeNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		normalizeNumbers(t)
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
