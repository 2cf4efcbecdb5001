package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/remoteman/remoteman/pkg/config"
	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/report"
	"github.com/remoteman/remoteman/pkg/telemetry"
)

// options are the flags shared by every command.
type options struct {
	version string

	configPath   string
	verbose      bool
	noCommit     bool
	overrideHost string
	handlerDir   string
	format       string
	policyDir    string
	parallelism  int
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{version: version}

	rootCmd := &cobra.Command{
		Use:   "remoteman [flags] <remote_spec.yaml>",
		Short: "remoteman - converge this host to its remote job definitions",
		Long: `remoteman fetches the job definitions for this host from a coordination
endpoint or local files, compares each job's desired state with the actual
system state and applies the minimal change.

Built-in components:
  file        ensure a file's content, mode and ownership
  directory   ensure a directory exists with the given mode and ownership

Further components are discovered in --handler-directory as Starlark scripts
(<name>.star), WebAssembly modules (<name>.wasm) or executables speaking the
line-delimited JSON protocol.

With --nocommit nothing is changed; each job reports what it would do.`,
		Example: `  # Converge once and print a summary
  remoteman /etc/remoteman/spec.yaml

  # Dry run with JSON output
  remoteman -n -f json /etc/remoteman/spec.yaml

  # Keep converging every five minutes
  remoteman agent --schedule '*/5 * * * *' /etc/remoteman/spec.yaml`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())

			remote, err := env.loadSpec(args)
			if err != nil {
				return err
			}

			w, err := env.wire(cmd.Context(), remote)
			if err != nil {
				return err
			}
			defer w.close(cmd.Context())

			result := w.cycle.Run(cmd.Context(), env.runOptions())
			return report.Write(cmd.OutOrStdout(), result, env.format)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "agent config file (TOML)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&opts.noCommit, "nocommit", "n", false, "report what would change without changing anything")
	flags.StringVar(&opts.overrideHost, "override-host", "", "use this hostname instead of the detected one")
	flags.StringVar(&opts.handlerDir, "handler-directory", "", "directory of additional handlers")
	flags.StringVarP(&opts.format, "format", "f", "", "output format: pprint, json or yaml")
	flags.StringVar(&opts.policyDir, "policy-dir", "", "directory of additional .rego policies")
	flags.IntVar(&opts.parallelism, "parallelism", 0, "number of jobs run concurrently")

	rootCmd.AddCommand(newAgentCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newHandlersCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))

	return rootCmd
}

// env is the configuration and telemetry for one command invocation.
type env struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	format report.Format
}

// setup loads the config file, applies flags and builds telemetry.
func (o *options) setup(cmd *cobra.Command) (*env, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, engine.NewUsageError("invalid config", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("nocommit") {
		cfg.Agent.NoCommit = o.noCommit
	}
	if flags.Changed("override-host") {
		cfg.Agent.OverrideHost = o.overrideHost
	}
	if flags.Changed("handler-directory") {
		cfg.Agent.HandlerDirectory = o.handlerDir
	}
	if flags.Changed("format") {
		cfg.Agent.Format = o.format
	}
	if flags.Changed("policy-dir") {
		cfg.Agent.PolicyDir = o.policyDir
	}
	if flags.Changed("parallelism") {
		if o.parallelism < 0 {
			return nil, engine.NewUsageError("--parallelism must not be negative", nil)
		}
		cfg.Agent.Parallelism = o.parallelism
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	format, err := report.ParseFormat(cfg.Agent.Format)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(o.version))
	if err != nil {
		return nil, engine.NewUsageError("invalid telemetry settings", err)
	}

	return &env{cfg: cfg, tel: tel, logger: tel.Logger, format: format}, nil
}

func (e *env) runOptions() engine.RunOptions {
	return e.cfg.RunOptions()
}

func (e *env) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
}
