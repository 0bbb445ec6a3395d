package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/musebatch/internal/log"
	"github.com/mattjoyce/musebatch/internal/monitor"
	"github.com/mattjoyce/musebatch/internal/queue"
)

// WaitResult is the wait command's JSON payload.
type WaitResult struct {
	Jobs           []monitor.Job `json:"jobs"`
	Completed      int           `json:"completed"`
	Vanished       int           `json:"vanished"`
	Interrupts     int           `json:"interrupts"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Error          string        `json:"error,omitempty"`
}

func NewWaitCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <handle>...",
		Short: "Wait for engine jobs submitted outside musebatch",
		Long: `Poll the engine until every handle has finished, interrupting the
engine once if progress stalls. Exits non-zero if the engine becomes
unreachable, jobs are lost, or the timeout passes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = a.cfg.Coordinator.BatchTimeout
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			opts := monitor.OptionsFromConfig(a.cfg.Monitor)
			opts.Logger = log.WithComponent("monitor")
			m := monitor.New(a.engineClient(), opts)
			for _, h := range args {
				m.Add(h, "")
			}

			res, waitErr := m.WaitForCompletion(ctx, timeout)
			out := WaitResult{
				Jobs:           res.Jobs,
				Completed:      res.Completed(),
				Vanished:       len(res.Vanished()),
				Interrupts:     res.Interrupts,
				ElapsedSeconds: res.Elapsed.Seconds(),
			}
			if waitErr != nil {
				out.Error = waitErr.Error()
			}
			if err := a.out.Result(out, func(w io.Writer) error {
				return writeWait(w, out)
			}); err != nil {
				return err
			}
			if waitErr != nil {
				return WrapExitError(ExitFailure, "wait", waitErr)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "give up after this long (default: coordinator.batch_timeout)")
	return cmd
}

func writeWait(w io.Writer, r WaitResult) error {
	for _, j := range r.Jobs {
		d := "-"
		if j.Done() {
			d = queue.FormatDuration(j.Duration().Seconds())
		}
		if _, err := fmt.Fprintf(w, "  %-10s %s  %s\n", j.Outcome, j.Handle, d); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d of %d completed, %d vanished, %d interrupt(s) in %s\n",
		r.Completed, len(r.Jobs), r.Vanished, r.Interrupts, queue.FormatDuration(r.ElapsedSeconds))
	return err
}
