package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/report"
	"github.com/remoteman/remoteman/pkg/stores"
)

func newHistoryCommand(opts *options) *cobra.Command {
	var (
		historyDB string
		host      string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded cycles",
		Long: `List the cycles recorded by "remoteman agent --history-db", newest first.
With a run ID, show the outcome of every job in that cycle.`,
		Example: `  remoteman history --history-db /var/lib/remoteman/history.db
  remoteman history --host web-1 --limit 10
  remoteman history -f json 0b6f4f0e-5c1e-4b7a-9c57-1f1f0d0e8c11`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer env.close(ctx)

			path := env.cfg.History.Path
			if cmd.Flags().Changed("history-db") {
				path = historyDB
			}
			if path == "" {
				return engine.NewUsageError("a history database is required", nil)
			}

			store, err := stores.Open(ctx, stores.Config{Path: path})
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				records, err := store.ListJobResults(ctx, args[0])
				if err != nil {
					return err
				}
				if len(records) == 0 {
					if _, err := store.GetCycle(ctx, args[0]); err != nil {
						return err
					}
				}
				if env.format != report.FormatPPrint {
					return report.Encode(out, records, env.format)
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "JOB\tSTATUS\tDURATION\tDETAIL")
				for _, r := range records {
					detail := r.Detail
					if len(r.Actions) > 0 {
						detail = strings.Join(r.Actions, "; ")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Job, r.Status, r.Duration, detail)
				}
				return tw.Flush()
			}

			cycles, err := store.ListCycles(ctx, stores.ListOptions{Host: host, Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			if env.format != report.FormatPPrint {
				return report.Encode(out, cycles, env.format)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tHOST\tSTARTED\tDURATION\tMODE\tUNCHANGED\tWOULD CHANGE\tCHANGED\tFAILED\tERRORS")
			for _, c := range cycles {
				mode := "commit"
				if !c.Commit {
					mode = "no-commit"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					c.RunID, c.Host, c.StartedAt.Local().Format(time.DateTime), c.Duration().Round(time.Millisecond),
					mode, c.Unchanged, c.WouldChange, c.Changed, c.Failed, len(c.Errors))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&historyDB, "history-db", "", "SQLite history database (default from config)")
	cmd.Flags().StringVar(&host, "host", "", "only show cycles of this host")
	cmd.Flags().IntVar(&limit, "limit", stores.DefaultListLimit, "maximum number of cycles")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many cycles")

	return cmd
}
