package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/hostid"
	"github.com/remoteman/remoteman/pkg/spec"
)

func newValidateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [flags] <remote_spec.yaml>",
		Short: "Validate a remote spec and its local jobs",
		Long: `Validate a remote spec without touching the host.

This command checks:
  - the spec document and its server url template
  - every local or inline job loads and names a component
  - the component is registered (built-in or in --handler-directory)
  - the job's parameters match the component's schema
  - the job passes the policy gate

Jobs behind URLs and the server's job table are not fetched.`,
		Example: `  remoteman validate /etc/remoteman/spec.yaml
  remoteman validate --handler-directory ./handlers --policy-dir ./policies spec.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer env.close(ctx)

			remote, err := env.loadSpec(args)
			if err != nil {
				return err
			}

			w, err := env.wire(ctx, remote)
			if err != nil {
				return err
			}
			defer w.close(ctx)

			host := hostid.Resolve(env.cfg.Agent.OverrideHost)
			w.policies.SetHost(host)

			local := spec.JobTable{}
			for name, ref := range remote.Jobs {
				if !ref.IsURL() {
					local[name] = ref
				}
			}

			jobs, problems := w.resolver.Resolve(ctx, local, host)
			for _, name := range local.Names() {
				job, ok := jobs[name]
				if !ok {
					continue
				}
				if _, ok := w.registry.Lookup(job.Component); !ok {
					problems = append(problems, fmt.Sprintf("job %s: unknown component: %s", name, job.Component))
					continue
				}
				if err := w.schemas.Validate(job.Component, job.Params); err != nil {
					problems = append(problems, fmt.Sprintf("job %s: invalid params: %v", name, err))
					continue
				}
				violations, err := w.policies.Evaluate(ctx, job)
				if err != nil {
					problems = append(problems, fmt.Sprintf("job %s: policy evaluation failed: %v", name, err))
					continue
				}
				for _, v := range violations {
					problems = append(problems, fmt.Sprintf("job %s: policy: %s", name, v))
				}
			}

			out := cmd.OutOrStdout()
			if len(problems) > 0 {
				for _, p := range problems {
					fmt.Fprintf(out, "  - %s\n", p)
				}
				return engine.NewUsageError(fmt.Sprintf("%s: %d problem(s)", remote.Path, len(problems)), nil)
			}

			skipped := len(remote.Jobs) - len(local)
			fmt.Fprintf(out, "%s: ok (%d jobs checked, %d remote jobs skipped", remote.Path, len(local), skipped)
			if remote.Server != nil {
				fmt.Fprintf(out, ", server %s", remote.Server.URL)
			}
			fmt.Fprintln(out, ")")
			return nil
		},
	}

	return cmd
}
