package spec

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/remoteman/remoteman/pkg/engine"
)

var h1 = engine.HostIdentity{Hostname: "h1", Platform: "linux"}

func TestSubstituteHost(t *testing.T) {
	tests := []struct {
		name        string
		template    string
		requireHost bool
		want        string
		wantErr     bool
	}{
		{name: "hostname", template: "http://x/%(hostname)s", requireHost: true, want: "http://x/h1"},
		{name: "platform", template: "/etc/jobs/%(platform)s/%(hostname)s.yaml", want: "/etc/jobs/linux/h1.yaml"},
		{name: "percent escape kept", template: "http://x/a%20b/%(hostname)s", requireHost: true, want: "http://x/a%20b/h1"},
		{name: "double percent", template: "http://x/%%/%(hostname)s", requireHost: true, want: "http://x/%/h1"},
		{name: "optional token absent", template: "/srv/jobs/motd.yaml", want: "/srv/jobs/motd.yaml"},
		{name: "required token absent", template: "http://x/static", requireHost: true, wantErr: true},
		{name: "unknown token", template: "http://x/%(user)s/%(hostname)s", requireHost: true, wantErr: true},
		{name: "unterminated token", template: "http://x/%(hostname", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubstituteHost(tt.template, h1, tt.requireHost)
			if tt.wantErr {
				if !engine.IsSpecFormat(err) {
					t.Errorf("SubstituteHost() error = %v, want spec format error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SubstituteHost() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SubstituteHost() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubstituteHostIsSinglePass(t *testing.T) {
	id := engine.HostIdentity{Hostname: "%(platform)s", Platform: "linux"}
	got, err := SubstituteHost("http://x/%(hostname)s", id, true)
	if err != nil {
		t.Fatalf("SubstituteHost() error = %v", err)
	}
	if got != "http://x/%(platform)s" {
		t.Errorf("SubstituteHost() = %q, want tokens in values left alone", got)
	}
}

func TestParseRemoteSpec(t *testing.T) {
	doc := `
server:
  url: http://coord.example/%(hostname)s
  username: agent
  password: secret
  args:
    role: web
jobs:
  motd: jobs/motd.yaml
  tmpdir:
    component: directory
    path: /tmp/remoteman
`
	rs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rs.Server == nil {
		t.Fatal("Parse() server section missing")
	}
	if rs.Server.Username != "agent" {
		t.Errorf("username = %q, want agent", rs.Server.Username)
	}
	if !reflect.DeepEqual(rs.Server.Args, map[string]string{"role": "web"}) {
		t.Errorf("args = %v, want role=web", rs.Server.Args)
	}
	if got := rs.Jobs.Names(); !reflect.DeepEqual(got, []string{"motd", "tmpdir"}) {
		t.Errorf("Names() = %v, want [motd tmpdir]", got)
	}
	if rs.Jobs["motd"].Location != "jobs/motd.yaml" {
		t.Errorf("motd = %q, want jobs/motd.yaml", rs.Jobs["motd"].Location)
	}
	if !rs.Jobs["tmpdir"].IsInline() || rs.Jobs["tmpdir"].Inline["component"] != "directory" {
		t.Errorf("tmpdir = %+v, want inline directory job", rs.Jobs["tmpdir"])
	}
}

func TestParseRemoteSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		code string
	}{
		{"empty", "{}", engine.ErrCodeMissingField},
		{"server without url", "server:\n  username: a\n", engine.ErrCodeMissingField},
		{"url without token", "server:\n  url: http://x/static\n", engine.ErrCodeTemplate},
		{"not yaml", "server: [", engine.ErrCodeMalformed},
		{"empty location", "jobs:\n  a: ''\n", engine.ErrCodeMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !engine.IsSpecFormat(err) {
				t.Fatalf("Parse() error = %v, want spec format error", err)
			}
			if got := engine.CodeOf(err); got != tt.code {
				t.Errorf("CodeOf() = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remote.yaml")
	if err := os.WriteFile(path, []byte("jobs:\n  motd: jobs/motd.yaml\n  abs: /srv/abs.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rs.BaseDir != dir {
		t.Errorf("BaseDir = %q, want %q", rs.BaseDir, dir)
	}
	if got := rs.ResolvePath("jobs/motd.yaml"); got != filepath.Join(dir, "jobs/motd.yaml") {
		t.Errorf("ResolvePath(relative) = %q", got)
	}
	if got := rs.ResolvePath("file:///srv/abs.yaml"); got != "/srv/abs.yaml" {
		t.Errorf("ResolvePath(file url) = %q, want /srv/abs.yaml", got)
	}
	want := []string{"/srv/abs.yaml", filepath.Join(dir, "jobs/motd.yaml")}
	if got := rs.LocalFiles(); !reflect.DeepEqual(got, want) {
		t.Errorf("LocalFiles() = %v, want %v", got, want)
	}

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	if got := engine.CodeOf(err); got != engine.ErrCodeNotFound {
		t.Errorf("Load(missing) code = %q, want %q", got, engine.ErrCodeNotFound)
	}
}

func TestJobTableMerge(t *testing.T) {
	local := JobTable{"a": {Location: "local-a"}, "b": {Location: "local-b"}}
	remote := JobTable{"b": {Location: "remote-b"}}

	merged := local.Merge(remote)
	if merged["a"].Location != "local-a" {
		t.Errorf("a = %q, want local-a", merged["a"].Location)
	}
	if merged["b"].Location != "remote-b" {
		t.Errorf("b = %q, want remote-b", merged["b"].Location)
	}
	if local["b"].Location != "local-b" {
		t.Errorf("Merge() modified its receiver: b = %q", local["b"].Location)
	}
}
