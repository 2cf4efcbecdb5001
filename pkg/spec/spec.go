// Package spec defines the documents remoteman consumes: the RemoteSpec naming the
// coordination endpoint and local jobs, the job table, and individual job specs.
package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/remoteman/remoteman/pkg/engine"
)

// RemoteSpec is the top-level agent document.
type RemoteSpec struct {
	// Server is the coordination endpoint. Optional.
	Server *ServerSpec `yaml:"server,omitempty" json:"server,omitempty" validate:"omitempty"`

	// Jobs are locally declared jobs, merged with the remote job table.
	Jobs JobTable `yaml:"jobs,omitempty" json:"jobs,omitempty"`

	// BaseDir is the directory relative job locations resolve against.
	BaseDir string `yaml:"-" json:"-"`

	// Path is the file the spec was loaded from.
	Path string `yaml:"-" json:"-"`
}

// ServerSpec describes how to reach the coordination endpoint.
type ServerSpec struct {
	// URL must contain the %(hostname)s token.
	URL string `yaml:"url" json:"url" validate:"required"`

	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// Args switches the request to a form-encoded POST when non-empty.
	Args map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
}

// JobRef points at a job spec: a location (local path or URL) or an inline document.
type JobRef struct {
	Location string
	Inline   map[string]any

	// Err holds the decode failure of a table entry that is neither a
	// location nor an object. It is never serialized.
	Err error
}

// IsMalformed reports whether the entry failed to decode.
func (r JobRef) IsMalformed() bool {
	return r.Err != nil
}

// IsInline reports whether the reference carries the spec itself.
func (r JobRef) IsInline() bool {
	return r.Inline != nil
}

// IsURL reports whether the location is an http(s) URL.
func (r JobRef) IsURL() bool {
	return strings.HasPrefix(r.Location, "http://") || strings.HasPrefix(r.Location, "https://")
}

func (r JobRef) String() string {
	if r.IsMalformed() {
		return "<malformed>"
	}
	if r.IsInline() {
		return "<inline>"
	}
	return r.Location
}

// UnmarshalYAML accepts a scalar location or a mapping.
func (r *JobRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Location)
	case yaml.MappingNode:
		var m map[string]any
		if err := node.Decode(&m); err != nil {
			return err
		}
		r.Inline = m
		return nil
	default:
		return fmt.Errorf("line %d: job entry must be a location or a mapping", node.Line)
	}
}

// MarshalYAML emits the location or the inline mapping.
func (r JobRef) MarshalYAML() (any, error) {
	if r.IsInline() {
		return r.Inline, nil
	}
	return r.Location, nil
}

// UnmarshalJSON accepts a string location or an object.
func (r *JobRef) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, `"`):
		return json.Unmarshal(data, &r.Location)
	case strings.HasPrefix(trimmed, "{"):
		return json.Unmarshal(data, &r.Inline)
	default:
		return fmt.Errorf("job entry must be a string or an object, got %s", trimmed)
	}
}

// MarshalJSON emits the location or the inline object.
func (r JobRef) MarshalJSON() ([]byte, error) {
	if r.IsInline() {
		return json.Marshal(r.Inline)
	}
	return json.Marshal(r.Location)
}

// JobTable maps job names to job references.
type JobTable map[string]JobRef

// Names returns job names in sorted order.
func (t JobTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new table containing t overlaid by other. Entries in other win.
func (t JobTable) Merge(other JobTable) JobTable {
	merged := make(JobTable, len(t)+len(other))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

var validate = validator.New()

// Load reads and validates a RemoteSpec from a YAML (or JSON) file.
func Load(path string) (*RemoteSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		code := engine.ErrCodeNotFound
		if !errors.Is(err, fs.ErrNotExist) {
			code = engine.ErrCodePermissionDenied
		}
		return nil, engine.NewSpecFormatError(fmt.Sprintf("cannot read remote spec %s", path), err).WithCode(code)
	}

	rs, err := Parse(data)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	rs.Path = abs
	rs.BaseDir = filepath.Dir(abs)
	return rs, nil
}

// Parse decodes and validates a RemoteSpec document.
func Parse(data []byte) (*RemoteSpec, error) {
	var rs RemoteSpec
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, engine.NewSpecFormatError("malformed remote spec", err).WithCode(engine.ErrCodeMalformed)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks the structural invariants of the spec.
func (rs *RemoteSpec) Validate() error {
	if rs.Server == nil && len(rs.Jobs) == 0 {
		return engine.NewSpecFormatError("remote spec needs a server or jobs section", nil).
			WithCode(engine.ErrCodeMissingField)
	}

	if err := validate.Struct(rs); err != nil {
		return engine.NewSpecFormatError("invalid remote spec", err).WithCode(engine.ErrCodeMissingField)
	}

	if rs.Server != nil && !strings.Contains(rs.Server.URL, HostnameToken) {
		return engine.NewSpecFormatError(
			fmt.Sprintf("server url %q does not contain %s", rs.Server.URL, HostnameToken), nil).
			WithCode(engine.ErrCodeTemplate)
	}

	for _, name := range rs.Jobs.Names() {
		ref := rs.Jobs[name]
		if !ref.IsInline() && strings.TrimSpace(ref.Location) == "" {
			return engine.NewSpecFormatError(fmt.Sprintf("job %s has an empty location", name), nil).
				WithCode(engine.ErrCodeMissingField)
		}
	}

	return nil
}

// ResolvePath makes a local job location absolute relative to the spec's directory.
func (rs *RemoteSpec) ResolvePath(location string) string {
	location = strings.TrimPrefix(location, "file://")
	if filepath.IsAbs(location) || rs.BaseDir == "" {
		return location
	}
	return filepath.Join(rs.BaseDir, location)
}

// LocalFiles returns the absolute paths of locally referenced job files.
func (rs *RemoteSpec) LocalFiles() []string {
	var files []string
	for _, name := range rs.Jobs.Names() {
		ref := rs.Jobs[name]
		if ref.IsMalformed() || ref.IsInline() || ref.IsURL() || strings.Contains(ref.Location, "%(") {
			continue
		}
		files = append(files, rs.ResolvePath(ref.Location))
	}
	return files
}
