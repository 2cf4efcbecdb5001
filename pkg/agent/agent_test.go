package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

func okDispatcher() funcDispatcher {
	return func(context.Context, *spec.JobSpec, engine.RunOptions) engine.ExecutionResult {
		return engine.Unchanged("ok")
	}
}

func singleJobRemote() *spec.RemoteSpec {
	return &spec.RemoteSpec{Jobs: spec.JobTable{"a": inline(map[string]any{"component": "noop"})}}
}

func TestRunOnceDeliversToEveryConsumer(t *testing.T) {
	cycle := newStubCycle(t, singleJobRemote(), okDispatcher())

	var delivered []string
	consumers := []Consumer{
		ConsumerFunc(func(context.Context, *engine.Result) error {
			delivered = append(delivered, "first")
			return errors.New("sink down")
		}),
		ConsumerFunc(func(context.Context, *engine.Result) error {
			delivered = append(delivered, "second")
			panic("boom")
		}),
		ConsumerFunc(func(_ context.Context, r *engine.Result) error {
			delivered = append(delivered, "third")
			assert.Contains(t, r.Results, "a")
			return nil
		}),
	}

	a, err := New(cycle, engine.RunOptions{OverrideHost: "h1"}, Config{}, quiet, consumers...)
	require.NoError(t, err)
	assert.Nil(t, a.Last())

	res := a.RunOnce(context.Background())
	assert.Equal(t, []string{"first", "second", "third"}, delivered)
	assert.Same(t, res, a.Last())
}

func TestRunOnceConsumersSeeResultAfterCancel(t *testing.T) {
	cycle := newStubCycle(t, singleJobRemote(), okDispatcher())

	var consumerErr error
	a, err := New(cycle, engine.RunOptions{OverrideHost: "h1"}, Config{}, quiet,
		ConsumerFunc(func(ctx context.Context, _ *engine.Result) error {
			consumerErr = ctx.Err()
			return nil
		}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := a.RunOnce(ctx)

	assert.NoError(t, consumerErr)
	assert.Equal(t, []string{"job a: cancelled before dispatch"}, res.Errors)
}

func TestNewScheduleValidation(t *testing.T) {
	cycle := newStubCycle(t, singleJobRemote(), okDispatcher())

	_, err := New(cycle, engine.RunOptions{}, Config{Schedule: "every now and then"}, quiet)
	require.Error(t, err)
	assert.True(t, engine.IsUsage(err))

	for _, expr := range []string{"@every 30s", "*/5 * * * *", "0 */2 * * * *", "@hourly"} {
		_, err := New(cycle, engine.RunOptions{}, Config{Schedule: expr}, quiet)
		assert.NoError(t, err, expr)
	}
}

func TestNextWait(t *testing.T) {
	cycle := newStubCycle(t, singleJobRemote(), okDispatcher())
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	a, err := New(cycle, engine.RunOptions{}, Config{}, quiet)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, a.nextWait(now))

	a, err = New(cycle, engine.RunOptions{}, Config{Interval: 5 * time.Second}, quiet)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, a.nextWait(now))

	a, err = New(cycle, engine.RunOptions{}, Config{Interval: time.Hour, Schedule: "*/5 * * * *"}, quiet)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, a.nextWait(now), "schedule wins over interval")

	a, err = New(cycle, engine.RunOptions{}, Config{Schedule: "@every 30s"}, quiet)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, a.nextWait(now))
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	cycle := newStubCycle(t, singleJobRemote(), okDispatcher())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cycles atomic.Int32
	a, err := New(cycle, engine.RunOptions{OverrideHost: "h1"}, Config{Interval: 5 * time.Millisecond}, quiet,
		ConsumerFunc(func(context.Context, *engine.Result) error {
			if cycles.Add(1) == 3 {
				cancel()
			}
			return errors.New("a failing consumer never stops the loop")
		}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.RunForever(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not return after cancellation")
	}
	assert.GreaterOrEqual(t, cycles.Load(), int32(3))
}

func TestRunForeverFailedCyclesContinue(t *testing.T) {
	var calls atomic.Int32
	cycle := newStubCycle(t, singleJobRemote(), funcDispatcher(func(context.Context, *spec.JobSpec, engine.RunOptions) engine.ExecutionResult {
		calls.Add(1)
		return engine.Failed("permission denied")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(cycle, engine.RunOptions{OverrideHost: "h1"}, Config{Interval: time.Millisecond}, quiet,
		ConsumerFunc(func(_ context.Context, r *engine.Result) error {
			assert.True(t, r.Failed())
			if calls.Load() >= 2 {
				cancel()
			}
			return nil
		}))
	require.NoError(t, err)

	require.NoError(t, a.RunForever(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestRunForeverWatchTriggersEarlyCycle(t *testing.T) {
	dir := t.TempDir()
	jobFile := filepath.Join(dir, "motd.yaml")
	require.NoError(t, os.WriteFile(jobFile, []byte("component: noop\n"), 0o644))

	remote := &spec.RemoteSpec{BaseDir: dir, Jobs: spec.JobTable{"motd": {Location: "motd.yaml"}}}
	cycle := newStubCycle(t, remote, okDispatcher())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan *engine.Result, 4)
	a, err := New(cycle, engine.RunOptions{OverrideHost: "h1"},
		Config{Interval: time.Hour, WatchPaths: remote.LocalFiles()}, quiet,
		ConsumerFunc(func(_ context.Context, r *engine.Result) error {
			results <- r
			return nil
		}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.RunForever(ctx) }()

	select {
	case <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run")
	}

	// Give the watcher time to settle before changing the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(jobFile, []byte("component: noop\nmode: \"0644\"\n"), 0o644))

	select {
	case r := <-results:
		assert.Contains(t, r.Results, "motd")
	case <-time.After(5 * time.Second):
		t.Fatal("changing a job file did not trigger a cycle")
	}

	cancel()
	assert.NoError(t, <-done)
}
