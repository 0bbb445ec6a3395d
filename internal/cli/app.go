package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/musebatch/internal/api"
	"github.com/mattjoyce/musebatch/internal/auth"
	"github.com/mattjoyce/musebatch/internal/clock"
	"github.com/mattjoyce/musebatch/internal/config"
	"github.com/mattjoyce/musebatch/internal/coordinator"
	"github.com/mattjoyce/musebatch/internal/engine"
	"github.com/mattjoyce/musebatch/internal/events"
	"github.com/mattjoyce/musebatch/internal/history"
	"github.com/mattjoyce/musebatch/internal/lock"
	"github.com/mattjoyce/musebatch/internal/log"
	"github.com/mattjoyce/musebatch/internal/queue"
	"github.com/mattjoyce/musebatch/internal/supervisor"
	"github.com/mattjoyce/musebatch/internal/textgen"
)

// app is the loaded configuration plus the output settings of one command.
type app struct {
	cfg    *config.Config
	out    *OutputFormatter
	logger *slog.Logger
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadApp discovers and loads the config and sets up logging on stderr, so
// stdout carries only command output.
func loadApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	path, err := config.Discover(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "discover config", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	level := cfg.Service.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	log.SetupWithFormat(level, cfg.Service.LogFormat, cmd.ErrOrStderr())

	out := newFormatter(opts, cmd)
	if path != "" {
		out.VerboseLog("Using config: %s", path)
	}
	return &app{cfg: cfg, out: out, logger: log.WithComponent("cli")}, nil
}

func (a *app) store() *queue.Store {
	return queue.NewStore(a.cfg.Queue.Path, queue.Options{
		LockTimeout: a.cfg.Queue.LockTimeout,
		LockPoll:    a.cfg.Queue.LockPoll,
		Logger:      log.WithComponent("queue"),
	})
}

func (a *app) engineClient() *engine.Client {
	return engine.New(a.cfg.Engine.BaseURL(), a.cfg.Engine.RequestTimeout)
}

func (a *app) supervisor() (*supervisor.Supervisor, *engine.Client) {
	return supervisor.NewFromConfig(a.cfg.Engine, clock.Real{}, log.WithComponent("supervisor"))
}

// openJournal returns nil when run history is disabled.
func (a *app) openJournal(ctx context.Context) (*history.Journal, error) {
	if !a.cfg.History.Enabled || a.cfg.History.Path == "" {
		return nil, nil
	}
	j, err := history.Open(ctx, a.cfg.History.Path, clock.Real{})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open run history", err)
	}
	return j, nil
}

// coordinator wires the real collaborators. journal and pub may be nil.
func (a *app) coordinator(store *queue.Store, journal *history.Journal, pub events.Publisher) (*coordinator.Coordinator, error) {
	sup, client := a.supervisor()
	text, err := textgen.New(a.cfg.LLM, log.WithComponent("textgen"))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "text generator", err)
	}

	deps := coordinator.Deps{
		Queue:  store,
		Engine: sup,
		API:    client,
		Text:   text,
	}
	if journal != nil {
		deps.Journal = journal
	}
	opts := coordinator.OptionsFromConfig(a.cfg)
	opts.Logger = log.WithComponent("coordinator")
	opts.Events = pub
	return coordinator.New(deps, opts), nil
}

func (a *app) apiConfig(listen string) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(a.cfg.API.Auth.Tokens))
	for _, t := range a.cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Name:   t.Name,
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	if listen == "" {
		listen = a.cfg.API.Listen
	}
	return api.Config{
		Listen: listen,
		APIKey: a.cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

func closeJournal(j *history.Journal, logger *slog.Logger) {
	if j == nil {
		return
	}
	if err := j.Close(); err != nil {
		logger.Warn("failed to close run history", "error", err)
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// queueExitError maps store errors onto exit codes.
func queueExitError(msg string, err error) error {
	switch {
	case errors.Is(err, queue.ErrInvalidRequest), errors.Is(err, queue.ErrBatchNotFound):
		return WrapExitError(ExitCommandError, msg, err)
	case errors.Is(err, lock.ErrLockUnavailable):
		return WrapExitError(ExitLocked, msg, err)
	default:
		return WrapExitError(ExitFailure, msg, err)
	}
}
