package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

var h1 = engine.HostIdentity{Hostname: "h1", Platform: "linux"}

func newTestRequester(timeout time.Duration) *Requester {
	return NewRequester(Config{Timeout: timeout}, zerolog.Nop())
}

func TestFetchSubstitutesHostAndDecodes(t *testing.T) {
	var gotPath, gotMethod string
	var hadAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_, _, hadAuth = r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"motd": "/srv/jobs/motd.yaml", "tmp": {"component": "directory", "path": "/tmp/r"}}`))
	}))
	defer srv.Close()

	table, err := newTestRequester(time.Second).Fetch(context.Background(),
		&spec.ServerSpec{URL: srv.URL + "/hosts/%(hostname)s"}, h1)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if gotPath != "/hosts/h1" {
		t.Errorf("path = %q, want /hosts/h1", gotPath)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("method = %s, want GET", gotMethod)
	}
	if hadAuth {
		t.Error("no username should mean no auth header")
	}
	if got := table.Names(); !reflect.DeepEqual(got, []string{"motd", "tmp"}) {
		t.Errorf("Names() = %v, want [motd tmp]", got)
	}
}

func TestFetchKeepsGoodEntriesNextToBadOnes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"motd": "/srv/jobs/motd.yaml", "bad": null}`))
	}))
	defer srv.Close()

	table, err := newTestRequester(time.Second).Fetch(context.Background(),
		&spec.ServerSpec{URL: srv.URL + "/%(hostname)s"}, h1)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if table["motd"].Location != "/srv/jobs/motd.yaml" {
		t.Errorf("motd = %+v", table["motd"])
	}
	if !table["bad"].IsMalformed() {
		t.Errorf("bad = %+v, want a malformed entry", table["bad"])
	}
}

func TestFetchBasicAuthIffUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		wantAuth bool
	}{
		{"username and password", "agent", "secret", true},
		{"username only", "agent", "", true},
		{"password only", "", "secret", false},
		{"neither", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var user, pass string
			var ok bool
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user, pass, ok = r.BasicAuth()
				_, _ = w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			_, err := newTestRequester(time.Second).Fetch(context.Background(), &spec.ServerSpec{
				URL:      srv.URL + "/%(hostname)s",
				Username: tt.username,
				Password: tt.password,
			}, h1)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if ok != tt.wantAuth {
				t.Fatalf("basic auth sent = %v, want %v", ok, tt.wantAuth)
			}
			if tt.wantAuth && (user != tt.username || pass != tt.password) {
				t.Errorf("credentials = %q/%q, want %q/%q", user, pass, tt.username, tt.password)
			}
		})
	}
}

func TestFetchPostsArgs(t *testing.T) {
	var method, contentType, role string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		role = r.PostForm.Get("role")
		_, _ = w.Write([]byte(`{"jobs": {"a": "/srv/a.yaml"}}`))
	}))
	defer srv.Close()

	table, err := newTestRequester(time.Second).Fetch(context.Background(), &spec.ServerSpec{
		URL:  srv.URL + "/%(hostname)s",
		Args: map[string]string{"role": "web"},
	}, h1)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if method != http.MethodPost {
		t.Errorf("method = %s, want POST", method)
	}
	if contentType != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %q", contentType)
	}
	if role != "web" {
		t.Errorf("role = %q, want web", role)
	}
	if table["a"].Location != "/srv/a.yaml" {
		t.Errorf("a = %q, want /srv/a.yaml", table["a"].Location)
	}
}

func TestFetchErrors(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such host", http.StatusNotFound)
	}))
	defer notFound.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer garbage.Close()

	tests := []struct {
		name   string
		server *spec.ServerSpec
		check  func(error) bool
		code   string
	}{
		{"nil server", nil, engine.IsSpecFormat, engine.ErrCodeMissingField},
		{"empty url", &spec.ServerSpec{}, engine.IsSpecFormat, engine.ErrCodeMissingField},
		{"no hostname token", &spec.ServerSpec{URL: notFound.URL + "/static"}, engine.IsSpecFormat, engine.ErrCodeTemplate},
		{"timeout", &spec.ServerSpec{URL: slow.URL + "/%(hostname)s"}, engine.IsRPC, engine.ErrCodeTransport},
		{"not found", &spec.ServerSpec{URL: notFound.URL + "/%(hostname)s"}, engine.IsRPC, engine.ErrCodeNotFound},
		{"server error", &spec.ServerSpec{URL: broken.URL + "/%(hostname)s"}, engine.IsRPC, engine.ErrCodeHTTPStatus},
		{"not json", &spec.ServerSpec{URL: garbage.URL + "/%(hostname)s"}, engine.IsSpecFormat, engine.ErrCodeDecode},
		{"unreachable", &spec.ServerSpec{URL: "http://127.0.0.1:1/%(hostname)s"}, engine.IsRPC, engine.ErrCodeTransport},
	}

	r := newTestRequester(100 * time.Millisecond)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Fetch(context.Background(), tt.server, h1)
			if err == nil {
				t.Fatal("Fetch() expected error")
			}
			if !tt.check(err) {
				t.Errorf("unexpected classification: %v", err)
			}
			if got := engine.CodeOf(err); got != tt.code {
				t.Errorf("CodeOf() = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestWebGetCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestRequester(time.Second).WebGet(ctx, srv.URL, nil, nil)
	if !engine.IsRPC(err) {
		t.Fatalf("WebGet() error = %v, want rpc error", err)
	}
	if got := engine.CodeOf(err); got != engine.ErrCodeCancelled {
		t.Errorf("CodeOf() = %q, want %q", got, engine.ErrCodeCancelled)
	}
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"http://coord:8080/a", "http://COORD:8080/b", true},
		{"http://coord/a", "https://coord/a", false},
		{"http://coord/a", "http://other/a", false},
	}
	for _, tt := range tests {
		if got := SameOrigin(tt.a, tt.b); got != tt.want {
			t.Errorf("SameOrigin(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}

	if got := redact("http://user:pw@coord/a"); got != "http://coord/a" {
		t.Errorf("redact() = %q, want http://coord/a", got)
	}
}

func TestGetIsAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); ok {
			t.Error("Get sent credentials")
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		_, _ = w.Write([]byte("motd body"))
	}))
	defer srv.Close()

	body, err := newTestRequester(time.Second).Get(context.Background(), srv.URL+"/files/motd")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != "motd body" {
		t.Errorf("body = %q, want motd body", body)
	}
}
