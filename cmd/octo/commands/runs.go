package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded transaction runs",
		Long: `Inspect the transaction runs recorded by the engine.

Runs are recorded when engine.record is set and the state backend keeps a run
history (sqlite).`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, opened, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeState(opened)

			recorder, err := runRecorder(opened)
			if err != nil {
				return err
			}
			runs, err := recorder.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tMODEL DIFFS\tRESOURCE DIFFS\tSTARTED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					run.ID, run.Status, run.Stage, run.ModelDiffs, run.ResourceOps,
					run.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

// runDetail is the output of "runs show".
type runDetail struct {
	*stores.Run
	Events []*stores.RunEvent `json:"events"`
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, opened, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeState(opened)

			recorder, err := runRecorder(opened)
			if err != nil {
				return err
			}
			run, err := recorder.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := recorder.ListRunEvents(ctx, run.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runDetail{Run: run, Events: events})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %s at stage %s\n", run.ID, run.Status, run.Stage)
			if run.Error != nil {
				fmt.Fprintf(out, "error: %s\n", *run.Error)
			}
			for _, event := range events {
				fmt.Fprintf(out, "  %s  %-5s %s %s %s\n",
					event.Timestamp.Format(time.RFC3339), event.Level, event.Type, event.Node, event.Message)
			}
			return nil
		},
	}
}

func runRecorder(opened *stores.Opened) (stores.RunRecorder, error) {
	recorder, ok := opened.Recorder()
	if !ok {
		return nil, fmt.Errorf("state backend does not record runs")
	}
	return recorder, nil
}
