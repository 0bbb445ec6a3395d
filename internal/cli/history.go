package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/musebatch/internal/history"
	"github.com/mattjoyce/musebatch/internal/queue"
)

// HistoryResult is the history command's JSON payload.
type HistoryResult struct {
	Runs     []history.BatchRun    `json:"runs"`
	Commands []history.CommandStat `json:"commands"`
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs and per-command averages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			j, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			if j == nil {
				return NewExitError(ExitCommandError, "run history is disabled (history.enabled)")
			}
			defer closeJournal(j, a.logger)

			runs, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "read run history", err)
			}
			stats, err := j.CommandStats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "read command stats", err)
			}

			res := HistoryResult{Runs: runs, Commands: stats}
			return a.out.Result(res, func(w io.Writer) error {
				return writeHistory(w, res)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent runs")
	return cmd
}

func writeHistory(w io.Writer, r HistoryResult) error {
	if len(r.Runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECENT RUNS")
	fmt.Fprintln(tw, "BATCH\tCOMMAND\tSTATUS\tJOBS\tDURATION\tSTARTED")
	for _, run := range r.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			run.BatchID, run.Command, run.Status, run.JobsSubmitted,
			queue.FormatDuration(run.DurationSeconds), run.StartedAt.Local().Format("2006-01-02 15:04"))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "COMMAND AVERAGES")
	fmt.Fprintln(tw, "COMMAND\tRUNS\tOK\tFAILED\tAVG BATCH\tAVG JOB\tACTUAL/ESTIMATE")
	for _, s := range r.Commands {
		accuracy := "-"
		if s.EstimateAccuracy > 0 {
			accuracy = fmt.Sprintf("%.2f", s.EstimateAccuracy)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			s.Command, s.Runs, s.Completed, s.Failed,
			queue.FormatDuration(s.AvgBatchSeconds), queue.FormatDuration(s.AvgJobSeconds), accuracy)
	}
	return tw.Flush()
}
