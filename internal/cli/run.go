package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/musebatch/internal/coordinator"
	"github.com/mattjoyce/musebatch/internal/lock"
	"github.com/mattjoyce/musebatch/internal/queue"
)

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		maxBatches int
		daemon     bool
		interval   time.Duration
		batchID    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process pending batches",
		Long: `Process pending batches in queue order. Each batch runs its text phase,
then hands the GPU to the rendering engine and waits for every job.

With --daemon the queue is checked every --interval until interrupted.
With --batch only that pending batch runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxBatches < 0 {
				return NewExitError(ExitCommandError, "--max-batches must not be negative")
			}
			if daemon && batchID != "" {
				return NewExitError(ExitCommandError, "--daemon and --batch are mutually exclusive")
			}

			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			journal, err := a.openJournal(ctx)
			if err != nil {
				return err
			}
			defer closeJournal(journal, a.logger)

			coord, err := a.coordinator(a.store(), journal, nil)
			if err != nil {
				return err
			}

			switch {
			case batchID != "":
				outcome, err := coord.RunOne(ctx, batchID)
				if outcome.ID != "" {
					if werr := a.out.Result(outcome, func(w io.Writer) error {
						return writeOutcome(w, outcome)
					}); werr != nil {
						return werr
					}
				}
				if err != nil {
					return runExitError(err)
				}
				return nil

			case daemon:
				if interval <= 0 {
					interval = a.cfg.Coordinator.DaemonInterval
				}
				err := coord.RunDaemon(ctx, interval, maxBatches)
				if err != nil && !errors.Is(err, context.Canceled) {
					return runExitError(err)
				}
				return nil

			default:
				report, err := coord.ProcessQueue(ctx, maxBatches)
				if werr := a.out.Result(report, func(w io.Writer) error {
					return writeReport(w, report)
				}); werr != nil {
					return werr
				}
				if err != nil {
					return runExitError(err)
				}
				if report.Failed > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d batch(es) failed", report.Failed))
				}
				return nil
			}
		},
	}

	cmd.Flags().IntVarP(&maxBatches, "max-batches", "n", 0, "stop after this many batches (0 = all)")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "keep checking the queue until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "daemon check interval (default: coordinator.daemon_interval)")
	cmd.Flags().StringVar(&batchID, "batch", "", "run only this pending batch")
	return cmd
}

func runExitError(err error) error {
	switch {
	case errors.Is(err, lock.ErrLockUnavailable):
		return WrapExitError(ExitLocked, "another coordinator is running", err)
	case errors.Is(err, coordinator.ErrBatchAborted), errors.Is(err, context.Canceled):
		return WrapExitError(ExitFailure, "interrupted", err)
	case errors.Is(err, queue.ErrBatchNotFound), errors.Is(err, queue.ErrInvalidRequest):
		return WrapExitError(ExitCommandError, "run", err)
	default:
		return WrapExitError(ExitFailure, "run", err)
	}
}

func writeReport(w io.Writer, r coordinator.Report) error {
	if r.Processed == 0 {
		_, err := fmt.Fprintf(w, "No pending batches (recovered %d orphan(s))\n", r.Recovered)
		return err
	}
	if _, err := fmt.Fprintf(w, "Processed %d batch(es): %d completed, %d failed (recovered %d orphan(s))\n",
		r.Processed, r.Completed, r.Failed, r.Recovered); err != nil {
		return err
	}
	for _, o := range r.Batches {
		if err := writeOutcome(w, o); err != nil {
			return err
		}
	}
	return nil
}

func writeOutcome(w io.Writer, o coordinator.BatchOutcome) error {
	line := fmt.Sprintf("  %-10s %s  %s  jobs=%d  %s",
		o.Status, o.ID, o.Command, o.Jobs, queue.FormatDuration(o.Duration.Seconds()))
	if o.Vanished > 0 {
		line += fmt.Sprintf("  vanished=%d", o.Vanished)
	}
	if o.Error != "" {
		line += "\n      error: " + o.Error
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
