package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/musebatch/internal/api"
	"github.com/mattjoyce/musebatch/internal/events"
	"github.com/mattjoyce/musebatch/internal/log"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		listen     string
		daemon     bool
		interval   time.Duration
		maxBatches int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, optionally with the queue daemon",
		Long: `Serve the HTTP admin API (queue, batches, history and a server-sent
event stream). With --daemon the coordinator runs in the same process and
publishes its progress on /events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			logger := log.WithComponent("main")
			ctx, stop := signalContext(cmd)
			defer stop()

			journal, err := a.openJournal(ctx)
			if err != nil {
				return err
			}
			defer closeJournal(journal, a.logger)

			hub := events.NewHub(256)
			store := a.store()

			var runs api.RunHistory
			if journal != nil {
				runs = journal
			}
			srvCfg := a.apiConfig(listen)
			srv := api.New(srvCfg, store, runs, hub, log.WithComponent("api"))

			errCh := make(chan error, 2)
			go func() {
				if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("api: %w", err)
				}
			}()

			if daemon {
				coord, err := a.coordinator(store, journal, hub)
				if err != nil {
					return err
				}
				if interval <= 0 {
					interval = a.cfg.Coordinator.DaemonInterval
				}
				go func() {
					if err := coord.RunDaemon(ctx, interval, maxBatches); err != nil && !errors.Is(err, context.Canceled) {
						errCh <- fmt.Errorf("coordinator: %w", err)
					}
				}()
			}

			logger.Info("musebatch serving (press Ctrl+C to stop)", "listen", srvCfg.Listen, "daemon", daemon)

			select {
			case <-ctx.Done():
				logger.Info("received shutdown signal")
			case err := <-errCh:
				logger.Error("component failed", "error", err)
				stop()
				return WrapExitError(ExitFailure, "serve", err)
			}
			logger.Info("musebatch stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: api.listen)")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "also process the queue")
	cmd.Flags().DurationVar(&interval, "interval", 0, "daemon check interval (default: coordinator.daemon_interval)")
	cmd.Flags().IntVarP(&maxBatches, "max-batches", "n", 0, "batches per daemon run (0 = all)")
	return cmd
}
