// Package supervisor owns the rendering engine's process lifecycle: finding
// it, starting it and waiting for its API, and stopping it so the text phase
// gets the GPU to itself.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/musebatch/internal/clock"
	"github.com/mattjoyce/musebatch/internal/config"
	"github.com/mattjoyce/musebatch/internal/engine"
	"github.com/mattjoyce/musebatch/internal/log"
)

var ErrEngineStartFailure = errors.New("engine failed to start")

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Prober answers whether the engine API is serving.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) bool
}

// Options are the lifecycle timings. Zero values take the defaults.
type Options struct {
	ProbeTimeout  time.Duration
	ReadyTimeout  time.Duration
	ReadyPoll     time.Duration
	ReadySettle   time.Duration
	ProgressEvery time.Duration
	StopTimeout   time.Duration
	KillConfirm   time.Duration
	RestartPause  time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 300 * time.Second
	}
	if o.ReadyPoll <= 0 {
		o.ReadyPoll = 2 * time.Second
	}
	if o.ReadySettle < 0 {
		o.ReadySettle = 0
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 15 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 30 * time.Second
	}
	if o.KillConfirm < 0 {
		o.KillConfirm = 0
	}
	o.Clock = clock.OrReal(o.Clock)
	if o.Logger == nil {
		o.Logger = log.WithComponent("supervisor")
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	State         State   `json:"state"`
	PIDs          []int32 `json:"pids"`
	APIAccessible bool    `json:"api_accessible"`
	BaseURL       string  `json:"base_url,omitempty"`
}

type Supervisor struct {
	procs    ProcessTable
	probe    Prober
	launcher Launcher
	opts     Options
	logger   *slog.Logger
	baseURL  string

	mu       sync.Mutex
	state    State
	child    Child
	inflight *startAttempt
}

// startAttempt is one Start call in progress. done closes when it returns;
// the other fields are final by then.
type startAttempt struct {
	done  chan struct{}
	child Child
	ready bool
	err   error
}

func New(procs ProcessTable, probe Prober, launcher Launcher, opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		procs:    procs,
		probe:    probe,
		launcher: launcher,
		opts:     opts,
		logger:   opts.Logger,
		state:    StateStopped,
	}
}

// NewFromConfig wires the gopsutil process table, an exec launcher and an
// engine client for cfg. The client is returned for callers that also need
// the job API.
func NewFromConfig(cfg config.EngineConfig, clk clock.Clock, logger *slog.Logger) (*Supervisor, *engine.Client) {
	client := engine.New(cfg.BaseURL(), cfg.RequestTimeout)
	clk = clock.OrReal(clk)
	launcher := &ExecLauncher{
		Python:     cfg.Python,
		MainScript: cfg.MainScript,
		Host:       cfg.Host,
		Port:       cfg.Port,
		OutputDir:  cfg.OutputDir,
		LowVRAM:    cfg.LowVRAM,
		CPU:        cfg.CPU,
		ExtraArgs:  cfg.ExtraArgs,
		LogPath:    cfg.LogPath,
		Now:        clk.Now,
	}
	s := New(NewSystemProcesses(cfg.MainScript, cfg.MatchMarkers), client, launcher, Options{
		ProbeTimeout:  cfg.ProbeTimeout,
		ReadyTimeout:  cfg.ReadyTimeout,
		ReadyPoll:     cfg.ReadyPoll,
		ReadySettle:   cfg.ReadySettle,
		ProgressEvery: cfg.ProgressEvery,
		StopTimeout:   cfg.StopTimeout,
		KillConfirm:   cfg.KillConfirm,
		RestartPause:  cfg.RestartPause,
		Clock:         clk,
		Logger:        logger,
	})
	s.baseURL = client.BaseURL()
	return s, client
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether a matching engine process exists. A process that
// fails the probe is still running (degraded). An API answering with no
// matching process is not ours and does not count. The probe alone decides
// only when the process table cannot be read.
func (s *Supervisor) IsRunning(ctx context.Context) bool {
	pids, err := s.procs.Matching(ctx)
	apiOK := s.probe.Probe(ctx, s.opts.ProbeTimeout)
	if err != nil {
		s.logger.Warn("process scan failed; relying on API probe", "error", err)
		return apiOK
	}
	if len(pids) == 0 {
		if apiOK {
			s.logger.Warn("engine API answering but no matching process found", "url", s.baseURL)
		}
		return false
	}
	if !apiOK {
		s.logger.Warn("engine process present but API not answering", "pids", pids)
	}
	return true
}

// Start launches the engine unless it is already running or starting. With
// waitForReady it blocks until the API has answered twice across the settle
// delay, or timeout passes. A caller that finds a start in progress does not
// spawn again; with waitForReady it waits for that start and shares its
// result.
func (s *Supervisor) Start(ctx context.Context, waitForReady bool, timeout time.Duration) error {
	s.mu.Lock()
	if s.state == StateStarting && s.inflight != nil {
		a := s.inflight
		s.mu.Unlock()
		s.logger.Info("engine start already in progress")
		if !waitForReady {
			return nil
		}
		return s.awaitStart(ctx, a, timeout)
	}
	a := &startAttempt{done: make(chan struct{})}
	s.state = StateStarting
	s.inflight = a
	s.mu.Unlock()

	err := s.start(ctx, a, waitForReady, timeout)

	s.mu.Lock()
	a.err = err
	if s.inflight == a {
		s.inflight = nil
	}
	s.mu.Unlock()
	close(a.done)
	return err
}

func (s *Supervisor) start(ctx context.Context, a *startAttempt, waitForReady bool, timeout time.Duration) error {
	if s.IsRunning(ctx) {
		s.logger.Info("engine already running")
		s.setState(StateRunning)
		a.ready = true
		return nil
	}

	s.logger.Info("starting engine")
	child, err := s.launcher.Launch(ctx)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: %v", ErrEngineStartFailure, err)
	}
	s.mu.Lock()
	s.child = child
	s.mu.Unlock()
	a.child = child
	s.logger.Info("engine process spawned", "pid", child.PID())

	if !waitForReady {
		s.setState(StateRunning)
		return nil
	}
	if timeout <= 0 {
		timeout = s.opts.ReadyTimeout
	}
	if err := s.waitReady(ctx, child, timeout); err != nil {
		s.logger.Error("engine did not become ready", "error", err)
		stopCtx := context.WithoutCancel(ctx)
		if serr := s.Stop(stopCtx, false, s.opts.StopTimeout); serr != nil {
			s.logger.Warn("cleanup after failed start", "error", serr)
		}
		return err
	}
	s.setState(StateRunning)
	a.ready = true
	s.logger.Info("engine ready")
	return nil
}

// awaitStart waits for another caller's start. If that start spawned the
// engine without waiting, readiness is checked here.
func (s *Supervisor) awaitStart(ctx context.Context, a *startAttempt, timeout time.Duration) error {
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if a.err != nil || a.ready || a.child == nil {
		return a.err
	}
	if timeout <= 0 {
		timeout = s.opts.ReadyTimeout
	}
	return s.waitReady(ctx, a.child, timeout)
}

func (s *Supervisor) waitReady(ctx context.Context, child Child, timeout time.Duration) error {
	clk := s.opts.Clock
	start := clk.Now()
	deadline := start.Add(timeout)
	lastProgress := start

	for {
		select {
		case <-child.Done():
			return fmt.Errorf("%w: process %d exited early: %v", ErrEngineStartFailure, child.PID(), child.Err())
		default:
		}

		if s.probe.Probe(ctx, s.opts.ProbeTimeout) {
			if err := clk.Sleep(ctx, s.opts.ReadySettle); err != nil {
				return err
			}
			if s.probe.Probe(ctx, s.opts.ProbeTimeout) {
				return nil
			}
			s.logger.Debug("engine answered once then stopped; still waiting")
		}

		now := clk.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("%w: not ready after %s", ErrEngineStartFailure, timeout)
		}
		if now.Sub(lastProgress) >= s.opts.ProgressEvery {
			s.logger.Info("waiting for engine API", "elapsed", now.Sub(start).Round(time.Second).String())
			lastProgress = now
		}
		if err := clk.Sleep(ctx, s.opts.ReadyPoll); err != nil {
			return err
		}
	}
}

// Stop signals every engine process. Unless force, SIGTERM first and up to
// timeout per process; stragglers get SIGKILL. It returns an error naming any
// process still alive afterwards.
func (s *Supervisor) Stop(ctx context.Context, force bool, timeout time.Duration) error {
	s.setState(StateStopping)
	defer s.setState(StateStopped)

	if timeout <= 0 {
		timeout = s.opts.StopTimeout
	}
	pids, err := s.procs.Matching(ctx)
	if err != nil {
		s.logger.Warn("process scan failed", "error", err)
	}
	pids = s.withOwnChild(pids)
	if len(pids) == 0 {
		s.logger.Debug("no engine processes to stop")
		return nil
	}

	s.logger.Info("stopping engine", "pids", pids, "force", force)
	var survivors []int32
	for _, pid := range pids {
		if !s.stopOne(ctx, pid, force, timeout) {
			survivors = append(survivors, pid)
		}
	}

	s.mu.Lock()
	s.child = nil
	s.mu.Unlock()

	if len(survivors) > 0 {
		return fmt.Errorf("engine processes still alive after SIGKILL: %v", survivors)
	}
	s.logger.Info("engine stopped")
	return nil
}

func (s *Supervisor) withOwnChild(pids []int32) []int32 {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil {
		return pids
	}
	select {
	case <-child.Done():
		return pids
	default:
	}
	own := int32(child.PID())
	for _, p := range pids {
		if p == own {
			return pids
		}
	}
	return append(pids, own)
}

// stopOne reports whether pid is gone afterwards.
func (s *Supervisor) stopOne(ctx context.Context, pid int32, force bool, timeout time.Duration) bool {
	clk := s.opts.Clock
	if !force {
		if err := s.procs.Terminate(ctx, pid); err != nil {
			s.logger.Debug("SIGTERM failed", "pid", pid, "error", err)
		}
		poll := 500 * time.Millisecond
		if timeout < poll {
			poll = timeout
		}
		deadline := clk.Now().Add(timeout)
		for s.procs.Alive(ctx, pid) {
			if !clk.Now().Before(deadline) {
				break
			}
			if err := clk.Sleep(ctx, poll); err != nil {
				break
			}
		}
		if !s.procs.Alive(ctx, pid) {
			return true
		}
		s.logger.Warn("engine process ignored SIGTERM; sending SIGKILL", "pid", pid)
	}

	if err := s.procs.Kill(ctx, pid); err != nil {
		s.logger.Debug("SIGKILL failed", "pid", pid, "error", err)
	}
	_ = clk.Sleep(ctx, s.opts.KillConfirm)
	return !s.procs.Alive(ctx, pid)
}

// Restart stops the engine, pauses, and starts it again waiting for ready.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx, false, s.opts.StopTimeout); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err := s.opts.Clock.Sleep(ctx, s.opts.RestartPause); err != nil {
		return err
	}
	return s.Start(ctx, true, s.opts.ReadyTimeout)
}

// SweepStrays terminates any engine process still alive, waits grace, and
// kills whatever remains. It returns the number of processes found.
func (s *Supervisor) SweepStrays(ctx context.Context, grace time.Duration) (int, error) {
	pids, err := s.procs.Matching(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan for stray engine processes: %w", err)
	}
	if len(pids) == 0 {
		return 0, nil
	}
	s.logger.Warn("terminating stray engine processes", "pids", pids)
	for _, pid := range pids {
		_ = s.procs.Terminate(ctx, pid)
	}
	if err := s.opts.Clock.Sleep(ctx, grace); err != nil {
		return len(pids), err
	}
	var survivors []int32
	for _, pid := range pids {
		if s.procs.Alive(ctx, pid) {
			_ = s.procs.Kill(ctx, pid)
			survivors = append(survivors, pid)
		}
	}
	if len(survivors) > 0 {
		s.logger.Warn("killed stray engine processes", "pids", survivors)
	}
	return len(pids), nil
}

// Status reports the tracked state, live pids and API reachability.
func (s *Supervisor) Status(ctx context.Context) Status {
	pids, err := s.procs.Matching(ctx)
	if err != nil {
		s.logger.Warn("process scan failed", "error", err)
	}
	st := Status{
		State:         s.State(),
		PIDs:          pids,
		APIAccessible: s.probe.Probe(ctx, s.opts.ProbeTimeout),
		BaseURL:       s.baseURL,
	}
	if st.State == StateStopped && (len(pids) > 0 || st.APIAccessible) {
		st.State = StateRunning
	}
	return st
}
