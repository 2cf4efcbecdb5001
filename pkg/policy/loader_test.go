package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/spec"
)

const tmpPolicy = `# Keep jobs out of /tmp.
# Scratch space is not managed.
package site.tmp

import rego.v1

deny contains msg if {
	startswith(input.job.path, "/tmp/")
	msg := sprintf("%s is scratch space", [input.job.path])
}
`

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tmp.rego"), []byte(tmpPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	jsonPolicy := `{"name": "warn-all", "severity": "warning", "rego": "package site.warn\n\nimport rego.v1\n\ndeny contains \"noted\" if true\n"}`
	if err := os.WriteFile(filepath.Join(dir, "nested", "warn.json"), []byte(jsonPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.json"), []byte(`{"name": "empty"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2: %+v", len(policies), policies)
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}

	tmp, ok := byName["tmp"]
	if !ok {
		t.Fatal("tmp policy missing")
	}
	if tmp.Severity != SeverityError || !tmp.Enabled || tmp.Source == "" {
		t.Errorf("tmp policy = %+v", tmp)
	}
	if tmp.Description != "Keep jobs out of /tmp. Scratch space is not managed." {
		t.Errorf("description = %q", tmp.Description)
	}

	warn, ok := byName["warn-all"]
	if !ok {
		t.Fatal("warn-all policy missing")
	}
	if warn.Severity != SeverityWarning {
		t.Errorf("warn-all severity = %s", warn.Severity)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tmp.rego"), []byte(tmpPolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	denied, err := eng.Evaluate(context.Background(), &spec.JobSpec{Name: "x", Component: "file", Params: map[string]any{"path": "/tmp/x"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(denied) != 1 || denied[0] != "/tmp/x is scratch space" {
		t.Errorf("denied = %v", denied)
	}
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	if err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "tmp.rego"), []byte(tmpPolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Name != "tmp" {
			t.Errorf("reloaded = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after policy file was written")
	}
}
