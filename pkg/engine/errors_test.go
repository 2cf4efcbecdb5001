package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"usage", NewUsageError("bad flag", nil), IsUsage},
		{"spec format", NewSpecFormatError("no url", nil), IsSpecFormat},
		{"rpc", NewRPCError("fetch", errors.New("refused")), IsRPC},
		{"job load", NewJobLoadError("motd", "spec not found", nil), IsJobLoad},
		{"handler", NewHandlerError("boom", nil), IsHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.is(tt.err) {
				t.Errorf("predicate did not match %v", tt.err)
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !tt.is(wrapped) {
				t.Errorf("predicate did not match wrapped %v", wrapped)
			}
		})
	}

	if IsRPC(NewUsageError("x", nil)) {
		t.Error("usage error classified as rpc")
	}
	if IsRPC(errors.New("plain")) {
		t.Error("plain error classified as rpc")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewJobLoadError("motd", "spec not found: /srv/motd.yaml", nil).WithCode(ErrCodeNotFound)
	if got, want := err.Error(), "job motd: spec not found: /srv/motd.yaml"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	inner := errors.New("connection refused")
	rpc := NewRPCError("request failed", inner)
	if got, want := rpc.Error(), "request failed: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(rpc, inner) {
		t.Error("errors.Is did not reach the wrapped error")
	}
}

func TestErrorIsAndCode(t *testing.T) {
	err := fmt.Errorf("load: %w", NewJobLoadError("a", "bad yaml", nil).WithCode(ErrCodeMalformed))

	if !errors.Is(err, &Error{Kind: ErrorKindJobLoad}) {
		t.Error("expected kind-only match")
	}
	if !errors.Is(err, &Error{Kind: ErrorKindJobLoad, Code: ErrCodeMalformed}) {
		t.Error("expected kind+code match")
	}
	if errors.Is(err, &Error{Kind: ErrorKindJobLoad, Code: ErrCodeNotFound}) {
		t.Error("unexpected match on different code")
	}
	if got := CodeOf(err); got != ErrCodeMalformed {
		t.Errorf("CodeOf = %q", got)
	}
}

func TestResultHelpers(t *testing.T) {
	r := NewResult("run-1", HostIdentity{Hostname: "h1", Platform: "linux"}, true)
	if r.Failed() {
		t.Fatal("empty result reported failure")
	}

	r.Results["b"] = Unchanged("ok")
	r.Results["a"] = ExecutionResult{Status: StatusChanged}
	names := r.JobNames()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("JobNames = %v", names)
	}
	if r.Failed() {
		t.Error("result without errors reported failure")
	}

	r.Results["c"] = Failed("unknown component: %s", "zz")
	if !r.Failed() {
		t.Error("expected failure with an error result")
	}
	if got := r.Counts()[StatusError]; got != 1 {
		t.Errorf("error count = %d", got)
	}
	if r.Results["c"].Detail != "unknown component: zz" {
		t.Errorf("detail = %q", r.Results["c"].Detail)
	}
}

func TestRunOptionsTimeout(t *testing.T) {
	if got := (RunOptions{}).Timeout(); got != DefaultFetchTimeout {
		t.Errorf("default timeout = %v", got)
	}
	if !StatusWouldChange.Valid() || Status("bogus").Valid() {
		t.Error("Status.Valid mismatch")
	}
}
