// Package agent runs convergence cycles: once, or forever on an interval or schedule.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/engine"
)

// DefaultInterval is the wait between cycles when neither interval nor schedule is set.
const DefaultInterval = 60 * time.Second

// consumerTimeout bounds each consumer call.
const consumerTimeout = 30 * time.Second

// watchDebounce coalesces bursts of file events into one early cycle.
const watchDebounce = 500 * time.Millisecond

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Consumer receives the result of every cycle.
type Consumer interface {
	Consume(ctx context.Context, result *engine.Result) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, result *engine.Result) error

// Consume calls f.
func (f ConsumerFunc) Consume(ctx context.Context, result *engine.Result) error {
	return f(ctx, result)
}

// Config controls the polling loop.
type Config struct {
	// Interval is the fixed wait between cycles.
	Interval time.Duration

	// Schedule is a cron expression or descriptor ("@every 30s", "*/5 * * * *").
	// It takes precedence over Interval.
	Schedule string

	// WatchPaths are local job files; a change triggers an early cycle.
	WatchPaths []string
}

// Agent runs cycles and hands each result to its consumers.
type Agent struct {
	cycle     *Cycle
	opts      engine.RunOptions
	cfg       Config
	schedule  cron.Schedule
	consumers []Consumer
	logger    zerolog.Logger

	mu   sync.RWMutex
	last *engine.Result
}

// New creates an agent. An invalid schedule expression is a usage error.
func New(cycle *Cycle, opts engine.RunOptions, cfg Config, logger zerolog.Logger, consumers ...Consumer) (*Agent, error) {
	a := &Agent{
		cycle:     cycle,
		opts:      opts,
		cfg:       cfg,
		consumers: consumers,
		logger:    logger.With().Str("component", "agent").Logger(),
	}

	if expr := strings.TrimSpace(cfg.Schedule); expr != "" {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, engine.NewUsageError(fmt.Sprintf("invalid schedule %q", expr), err)
		}
		a.schedule = sched
	} else if a.cfg.Interval <= 0 {
		a.cfg.Interval = DefaultInterval
	}

	return a, nil
}

// Last returns the most recent result, or nil before the first cycle finishes.
func (a *Agent) Last() *engine.Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// RunOnce runs one cycle and delivers the result to every consumer. A failing or
// panicking consumer is logged and does not affect the others.
func (a *Agent) RunOnce(ctx context.Context) *engine.Result {
	result := a.cycle.Run(ctx, a.opts)

	a.mu.Lock()
	a.last = result
	a.mu.Unlock()

	// Consumers still see the final result during shutdown.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consumerTimeout)
	defer cancel()
	for _, c := range a.consumers {
		a.deliver(cctx, c, result)
	}

	return result
}

func (a *Agent) deliver(ctx context.Context, c Consumer, result *engine.Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("consumer", fmt.Sprintf("%T", c)).Msg("Result consumer panicked")
		}
	}()
	if err := c.Consume(ctx, result); err != nil {
		a.logger.Error().Err(err).Str("consumer", fmt.Sprintf("%T", c)).Msg("Result consumer failed")
	}
}

// RunForever runs cycles until ctx is cancelled. A failed cycle never stops the
// loop. Cancellation lets the job in flight finish; RunForever then returns nil.
func (a *Agent) RunForever(ctx context.Context) error {
	trigger, stop, err := a.watch(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Job file watcher unavailable, relying on the schedule only")
	}
	if stop != nil {
		defer stop()
	}

	for {
		a.RunOnce(ctx)
		if ctx.Err() != nil {
			a.logger.Info().Msg("Agent stopped")
			return nil
		}

		wait := a.nextWait(time.Now())
		a.logger.Debug().Dur("wait", wait).Msg("Waiting for next cycle")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info().Msg("Agent stopped")
			return nil
		case <-timer.C:
		case name := <-trigger:
			timer.Stop()
			a.logger.Info().Str("file", name).Msg("Job file changed, starting early cycle")
		}
	}
}

// nextWait returns how long to sleep after a cycle finishing at now.
func (a *Agent) nextWait(now time.Time) time.Duration {
	if a.schedule != nil {
		if wait := a.schedule.Next(now).Sub(now); wait > 0 {
			return wait
		}
		return time.Second
	}
	return a.cfg.Interval
}

// watch observes the directories holding WatchPaths. Directories are watched
// rather than files so editors that replace files by rename are still seen.
func (a *Agent) watch(ctx context.Context) (<-chan string, func(), error) {
	if len(a.cfg.WatchPaths) == 0 {
		return nil, nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	targets := make(map[string]struct{}, len(a.cfg.WatchPaths))
	dirs := make(map[string]struct{})
	for _, p := range a.cfg.WatchPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			a.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch job directory")
		}
	}

	trigger := make(chan string, 1)
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		var (
			timer   *time.Timer
			timerC  <-chan time.Time
			pending string
		)
		for {
			select {
			case <-wctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, ok := targets[filepath.Clean(event.Name)]; !ok {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				pending = event.Name
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
				} else {
					timer.Reset(watchDebounce)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				select {
				case trigger <- pending:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn().Err(err).Msg("Job file watcher error")
			}
		}
	}()

	stop := func() {
		cancel()
		<-done
		_ = watcher.Close()
	}
	return trigger, stop, nil
}
