package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/musebatch/internal/supervisor"
)

func NewEngineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Manage the rendering engine process",
	}
	cmd.AddCommand(newEngineStartCommand(rootOpts))
	cmd.AddCommand(newEngineStopCommand(rootOpts))
	cmd.AddCommand(newEngineRestartCommand(rootOpts))
	cmd.AddCommand(newEngineStatusCommand(rootOpts))
	return cmd
}

func newEngineStartCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		noWait  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the engine unless it is already running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = a.cfg.Engine.ReadyTimeout
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			sup, _ := a.supervisor()
			if err := sup.Start(ctx, !noWait, timeout); err != nil {
				if errors.Is(err, supervisor.ErrEngineStartFailure) {
					return WrapExitError(ExitFailure, "engine failed to start; see "+a.cfg.Engine.LogPath, err)
				}
				return WrapExitError(ExitFailure, "engine start", err)
			}
			return writeEngineStatus(a, sup.Status(ctx))
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the process is launched")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "readiness timeout (default: engine.ready_timeout)")
	return cmd
}

func newEngineStopCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		force   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop every engine process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = a.cfg.Engine.StopTimeout
			}
			sup, _ := a.supervisor()
			if err := sup.Stop(cmd.Context(), force, timeout); err != nil {
				return WrapExitError(ExitFailure, "engine stop", err)
			}
			return writeEngineStatus(a, sup.Status(cmd.Context()))
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "kill immediately instead of terminating")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "graceful stop timeout (default: engine.stop_timeout)")
	return cmd
}

func newEngineRestartCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop the engine and start it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			sup, _ := a.supervisor()
			if err := sup.Restart(ctx); err != nil {
				return WrapExitError(ExitFailure, "engine restart", err)
			}
			return writeEngineStatus(a, sup.Status(ctx))
		},
	}
}

func newEngineStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine processes and API reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			sup, _ := a.supervisor()
			return writeEngineStatus(a, sup.Status(cmd.Context()))
		},
	}
}

func writeEngineStatus(a *app, st supervisor.Status) error {
	return a.out.Result(st, func(w io.Writer) error {
		return formatEngineStatus(w, st)
	})
}

func formatEngineStatus(w io.Writer, st supervisor.Status) error {
	api := "not reachable"
	if st.APIAccessible {
		api = "reachable"
	}
	pids := "none"
	if len(st.PIDs) > 0 {
		pids = fmt.Sprint(st.PIDs)
	}
	_, err := fmt.Fprintf(w, "Engine: %s\n  pids: %s\n  api:  %s (%s)\n", st.State, pids, api, st.BaseURL)
	return err
}
