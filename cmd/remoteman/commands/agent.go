package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/remoteman/remoteman/pkg/agent"
	"github.com/remoteman/remoteman/pkg/policy"
	"github.com/remoteman/remoteman/pkg/report"
	"github.com/remoteman/remoteman/pkg/statusapi"
	"github.com/remoteman/remoteman/pkg/stores"
)

func newAgentCommand(opts *options) *cobra.Command {
	var (
		interval    time.Duration
		schedule    string
		metricsAddr string
		historyDB   string
		redisAddr   string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "agent [flags] <remote_spec.yaml>",
		Short: "Converge repeatedly until interrupted",
		Long: `Run convergence cycles forever. Each cycle fetches the job table, resolves
every job and dispatches it; failures are recorded in the cycle's result and
never stop the loop.

Every result is printed and, when enabled, stored in the SQLite history and
published to redis. SIGINT or SIGTERM lets the job in flight finish and then
stops the agent.`,
		Example: `  # Every 60 seconds (the default)
  remoteman agent /etc/remoteman/spec.yaml

  # On a cron schedule with a status endpoint
  remoteman agent --schedule '*/5 * * * *' --metrics-addr :9464 spec.yaml

  # Keep history and publish results
  remoteman agent --history-db /var/lib/remoteman/history.db --redis-addr redis:6379 spec.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())

			flags := cmd.Flags()
			if flags.Changed("interval") {
				env.cfg.Agent.Interval = interval
			}
			if flags.Changed("schedule") {
				env.cfg.Agent.Schedule = schedule
			}
			if flags.Changed("metrics-addr") {
				env.cfg.Metrics.ListenAddress = metricsAddr
			}
			if flags.Changed("history-db") {
				env.cfg.History.Enabled = historyDB != ""
				env.cfg.History.Path = historyDB
			}
			if flags.Changed("redis-addr") {
				env.cfg.Redis.Enabled = redisAddr != ""
				env.cfg.Redis.Addr = redisAddr
			}
			if flags.Changed("watch") {
				env.cfg.Agent.Watch = watch
			}

			return runAgent(cmd, env, args)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", agent.DefaultInterval, "wait between cycles")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression or descriptor; overrides --interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /healthz, /metrics and /v1 on this address")
	cmd.Flags().StringVar(&historyDB, "history-db", "", "record every cycle in this SQLite database")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "publish every result to this redis server")
	cmd.Flags().BoolVar(&watch, "watch", false, "start a cycle early when a local job file changes")

	return cmd
}

func runAgent(cmd *cobra.Command, env *env, args []string) error {
	ctx := cmd.Context()
	logger := env.logger

	remote, err := env.loadSpec(args)
	if err != nil {
		return err
	}

	w, err := env.wire(ctx, remote)
	if err != nil {
		return err
	}
	defer w.close(ctx)

	consumers := []agent.Consumer{report.NewPrinter(cmd.OutOrStdout(), env.format)}

	var history *stores.SQLiteStore
	if env.cfg.History.Enabled {
		history, err = stores.Open(ctx, stores.Config{
			Path:   env.cfg.History.Path,
			Retain: env.cfg.History.Retain,
		})
		if err != nil {
			return err
		}
		defer history.Close()
		consumers = append(consumers, history)
		logger.Info().Str("path", env.cfg.History.Path).Msg("Recording cycle history")
	}

	if env.cfg.Redis.Enabled {
		publisher := report.NewRedisPublisher(env.cfg.Redis.Addr, env.cfg.Redis.Password, env.cfg.Redis.DB,
			report.WithKeyPrefix(env.cfg.Redis.KeyPrefix),
			report.WithChannel(env.cfg.Redis.Channel),
			report.WithTTL(env.cfg.Redis.TTL),
		)
		defer publisher.Close()
		consumers = append(consumers, publisher)
		logger.Info().Str("addr", env.cfg.Redis.Addr).Msg("Publishing results to redis")
	}

	agentCfg := agent.Config{
		Interval: env.cfg.Agent.Interval,
		Schedule: env.cfg.Agent.Schedule,
	}
	if env.cfg.Agent.Watch {
		agentCfg.WatchPaths = remote.LocalFiles()
	}

	a, err := agent.New(w.cycle, env.runOptions(), agentCfg, logger, consumers...)
	if err != nil {
		return err
	}

	if dir := env.cfg.Agent.PolicyDir; dir != "" {
		reload := func(policies []policy.Policy) error {
			return w.policies.ReplaceUserPolicies(context.WithoutCancel(ctx), policies)
		}
		if err := policy.NewLoader(logger).Watch(ctx, []string{dir}, reload); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("Policy hot reload unavailable")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := env.cfg.Metrics.ListenAddress; addr != "" {
		opts := statusapi.Options{
			Last:    a.Last,
			Metrics: env.tel.Metrics.Handler(),
			Logger:  logger,
		}
		if history != nil {
			opts.History = history
		}
		g.Go(func() error {
			return statusapi.Serve(gctx, addr, statusapi.NewHandler(opts), logger)
		})
	}
	g.Go(func() error {
		return a.RunForever(gctx)
	})

	return g.Wait()
}
