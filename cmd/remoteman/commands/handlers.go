package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remoteman/remoteman/pkg/client"
	"github.com/remoteman/remoteman/pkg/report"
)

func newHandlersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the registered handlers",
		Long: `List every component this host can converge: the built-in handlers and
those discovered in --handler-directory. An override that hides a built-in of
the same name is marked as shadowing it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer env.close(ctx)

			reg, err := env.registry(ctx, client.NewRequester(client.Config{}, env.logger))
			if err != nil {
				return err
			}
			defer reg.Close(ctx)

			infos := reg.List()
			if env.format != report.FormatPPrint {
				return report.Encode(cmd.OutOrStdout(), infos, env.format)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tORIGIN\tKIND\tSOURCE")
			for _, info := range infos {
				source := info.Source
				if info.Shadows {
					source += " (shadows built-in)"
				}
				if source == "" {
					source = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, info.Origin, info.Kind, source)
			}
			return tw.Flush()
		},
	}
}
