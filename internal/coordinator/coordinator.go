// Package coordinator runs queued batches one at a time, handing the GPU
// back and forth between the text generator and the rendering engine.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/musebatch/internal/clock"
	"github.com/mattjoyce/musebatch/internal/config"
	"github.com/mattjoyce/musebatch/internal/events"
	"github.com/mattjoyce/musebatch/internal/history"
	"github.com/mattjoyce/musebatch/internal/jobspec"
	"github.com/mattjoyce/musebatch/internal/lock"
	"github.com/mattjoyce/musebatch/internal/log"
	"github.com/mattjoyce/musebatch/internal/monitor"
	"github.com/mattjoyce/musebatch/internal/queue"
	"github.com/mattjoyce/musebatch/internal/workspace"
)

// InterruptedMessage is recorded on a batch cut short by shutdown.
const InterruptedMessage = "interrupted"

var ErrBatchAborted = errors.New("batch aborted")

type Options struct {
	LockPath string
	// WorkDir holds per-batch workspaces; empty means a musebatch-work
	// directory under os.TempDir.
	WorkDir string

	BetweenBatches      time.Duration
	DrainPoll           time.Duration
	DrainInterruptAfter time.Duration
	DrainAbandonAfter   time.Duration
	DrainTimeout        time.Duration
	StrayGrace          time.Duration
	GPUSettle           time.Duration
	BatchTimeout        time.Duration
	EngineStopTimeout   time.Duration
	EngineReadyTimeout  time.Duration
	ProbeTimeout        time.Duration
	ShutdownEngineAfter bool

	Monitor monitor.Options

	Clock  clock.Clock
	Logger *slog.Logger
	Events events.Publisher
}

// OptionsFromConfig maps the coordinator, engine and monitor sections.
func OptionsFromConfig(cfg *config.Config) Options {
	c := cfg.Coordinator
	return Options{
		LockPath:            c.LockPath,
		WorkDir:             c.WorkDir,
		BetweenBatches:      c.BetweenBatches,
		DrainPoll:           c.DrainPoll,
		DrainInterruptAfter: c.DrainInterruptAfter,
		DrainAbandonAfter:   c.DrainAbandonAfter,
		DrainTimeout:        c.DrainTimeout,
		StrayGrace:          c.StrayGrace,
		GPUSettle:           c.GPUSettle,
		BatchTimeout:        c.BatchTimeout,
		EngineStopTimeout:   cfg.Engine.StopTimeout,
		EngineReadyTimeout:  cfg.Engine.ReadyTimeout,
		ProbeTimeout:        cfg.Engine.ProbeTimeout,
		ShutdownEngineAfter: c.ShutdownEngineAfter,
		Monitor:             monitor.OptionsFromConfig(cfg.Monitor),
	}
}

func (o *Options) applyDefaults() {
	d := config.Defaults()
	if o.WorkDir == "" {
		o.WorkDir = filepath.Join(os.TempDir(), "musebatch-work")
	}
	if o.DrainPoll <= 0 {
		o.DrainPoll = d.Coordinator.DrainPoll
	}
	if o.DrainInterruptAfter <= 0 {
		o.DrainInterruptAfter = d.Coordinator.DrainInterruptAfter
	}
	if o.DrainAbandonAfter <= 0 {
		o.DrainAbandonAfter = d.Coordinator.DrainAbandonAfter
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.Coordinator.DrainTimeout
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = d.Coordinator.BatchTimeout
	}
	if o.EngineStopTimeout <= 0 {
		o.EngineStopTimeout = d.Engine.StopTimeout
	}
	if o.EngineReadyTimeout <= 0 {
		o.EngineReadyTimeout = d.Engine.ReadyTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.Engine.ProbeTimeout
	}
	if o.Logger == nil {
		o.Logger = log.WithComponent("coordinator")
	}
	o.Clock = clock.OrReal(o.Clock)
	o.Events = events.OrDiscard(o.Events)
}

// Deps are the coordinator's collaborators. Journal may be nil.
type Deps struct {
	Queue   QueueStore
	Engine  EngineControl
	API     EngineAPI
	Text    TextGenerator
	Builder jobspec.Builder
	Journal Journal
}

type Coordinator struct {
	queue   QueueStore
	engine  EngineControl
	api     EngineAPI
	text    TextGenerator
	builder jobspec.Builder
	journal Journal

	opts   Options
	clock  clock.Clock
	logger *slog.Logger
	events events.Publisher
}

func New(d Deps, opts Options) *Coordinator {
	opts.applyDefaults()
	if d.Builder == nil {
		d.Builder = jobspec.ParamBuilder{}
	}
	if d.Journal == nil {
		d.Journal = nopJournal{}
	}
	return &Coordinator{
		queue:   d.Queue,
		engine:  d.Engine,
		api:     d.API,
		text:    d.Text,
		builder: d.Builder,
		journal: d.Journal,
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		events:  opts.Events,
	}
}

// BatchOutcome summarizes one executed batch.
type BatchOutcome struct {
	ID       string        `json:"id"`
	Command  string        `json:"command"`
	Status   queue.Status  `json:"status"`
	Error    string        `json:"error,omitempty"`
	Jobs     int           `json:"jobs"`
	Vanished int           `json:"vanished"`
	Duration time.Duration `json:"duration"`
}

// Report is the result of one ProcessQueue run.
type Report struct {
	Processed int            `json:"processed"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Recovered int            `json:"recovered"`
	Batches   []BatchOutcome `json:"batches"`
}

func (r *Report) add(o BatchOutcome) {
	r.Processed++
	if o.Status == queue.StatusCompleted {
		r.Completed++
	} else {
		r.Failed++
	}
	r.Batches = append(r.Batches, o)
}

// acquire takes the coordinator lock without waiting.
func (c *Coordinator) acquire() (*lock.PIDLock, error) {
	l, err := lock.AcquirePIDLock(c.opts.LockPath, c.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("coordinator lock: %w", err)
	}
	if l.Reclaimed() {
		if prev := l.Previous(); prev != nil {
			c.logger.Warn("reclaimed coordinator lock from dead process", "previous_pid", prev.PID)
		}
	}
	return l, nil
}

func (c *Coordinator) release(l *lock.PIDLock) {
	if err := l.Release(); err != nil {
		c.logger.Warn("failed to release coordinator lock", "error", err)
	}
}

// ProcessQueue executes pending batches in FIFO order until none remain or
// maxBatches (0 = unlimited) have run. Batch failures are recorded and the
// loop continues; cancellation fails the in-flight batch and returns
// ErrBatchAborted.
func (c *Coordinator) ProcessQueue(ctx context.Context, maxBatches int) (Report, error) {
	var report Report

	l, err := c.acquire()
	if err != nil {
		return report, err
	}
	defer c.release(l)

	recovered, err := c.queue.RecoverOrphans(ctx)
	if err != nil {
		return report, fmt.Errorf("recover orphans: %w", err)
	}
	report.Recovered = recovered
	if recovered > 0 {
		c.events.Publish(events.QueueChanged, map[string]any{"recovered": recovered})
	}
	c.cleanupWorkspaces(ctx)

	c.logger.Info("processing queue", "max_batches", maxBatches)
	for maxBatches <= 0 || report.Processed < maxBatches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := c.queue.NextPending(ctx)
		if err != nil {
			return report, fmt.Errorf("next pending: %w", err)
		}
		if batch == nil {
			break
		}
		if report.Processed > 0 && c.opts.BetweenBatches > 0 {
			if err := c.clock.Sleep(ctx, c.opts.BetweenBatches); err != nil {
				return report, err
			}
		}

		outcome, err := c.ExecuteBatch(ctx, *batch)
		report.add(outcome)
		if errors.Is(err, ErrBatchAborted) {
			return report, err
		}
	}

	if c.opts.ShutdownEngineAfter && report.Processed > 0 {
		c.logger.Info("stopping engine after queue run")
		if err := c.engine.Stop(ctx, false, c.opts.EngineStopTimeout); err != nil {
			c.logger.Warn("engine shutdown after run failed", "error", err)
		}
	}

	c.logger.Info("queue run finished",
		"processed", report.Processed, "completed", report.Completed,
		"failed", report.Failed, "recovered", report.Recovered)
	return report, nil
}

// cleanupWorkspaces drops workspaces left by a coordinator that died
// mid-batch. The caller holds the coordinator lock.
func (c *Coordinator) cleanupWorkspaces(ctx context.Context) {
	workspaces, err := workspace.NewFSManager(c.opts.WorkDir)
	if err != nil {
		c.logger.Warn("workspace cleanup skipped", "error", err)
		return
	}
	report, err := workspaces.Cleanup(ctx)
	if err != nil {
		c.logger.Warn("workspace cleanup failed", "error", err)
	}
	if report.DeletedDirs > 0 {
		c.logger.Info("removed stale workspaces", "count", report.DeletedDirs, "dir", workspaces.BaseDir())
	}
}

// RunOne executes the pending batch id under the coordinator lock.
func (c *Coordinator) RunOne(ctx context.Context, id string) (BatchOutcome, error) {
	l, err := c.acquire()
	if err != nil {
		return BatchOutcome{}, err
	}
	defer c.release(l)
	c.cleanupWorkspaces(ctx)

	batch, err := c.queue.Get(ctx, id)
	if err != nil {
		return BatchOutcome{}, err
	}
	if batch.Status != queue.StatusPending {
		return BatchOutcome{}, fmt.Errorf("%w: %s is %s, not pending", queue.ErrInvalidRequest, id, batch.Status)
	}
	return c.ExecuteBatch(ctx, *batch)
}

// RunDaemon checks the queue every interval and runs ProcessQueue when
// batches are pending. It returns when ctx ends.
func (c *Coordinator) RunDaemon(ctx context.Context, interval time.Duration, maxBatches int) error {
	if interval <= 0 {
		interval = config.Defaults().Coordinator.DaemonInterval
	}
	c.logger.Info("daemon started", "interval", interval.String())
	for {
		sum, err := c.queue.Status(ctx)
		switch {
		case err != nil:
			c.logger.Warn("queue status failed", "error", err)
		case sum.Pending > 0:
			c.logger.Info("pending batches found", "pending", sum.Pending)
			_, err := c.ProcessQueue(ctx, maxBatches)
			switch {
			case errors.Is(err, lock.ErrLockUnavailable):
				c.logger.Info("another coordinator is running; retrying next tick", "error", err)
			case errors.Is(err, ErrBatchAborted), ctx.Err() != nil:
				c.logger.Info("daemon stopping")
				return ctx.Err()
			case err != nil:
				c.logger.Error("queue run failed", "error", err)
			}
		}
		if err := c.clock.Sleep(ctx, interval); err != nil {
			c.logger.Info("daemon stopping")
			return err
		}
	}
}

type batchLimits struct {
	Timeout float64 `json:"timeout"`
}

func (c *Coordinator) batchTimeout(b queue.Batch) time.Duration {
	var p batchLimits
	if len(b.Parameters) > 0 && json.Unmarshal(b.Parameters, &p) == nil && p.Timeout > 0 {
		return time.Duration(p.Timeout * float64(time.Second))
	}
	return c.opts.BatchTimeout
}

// ExecuteBatch runs one batch through both phases. The caller must hold
// the coordinator lock. A returned error that is not ErrBatchAborted has
// already been recorded on the batch.
func (c *Coordinator) ExecuteBatch(ctx context.Context, b queue.Batch) (BatchOutcome, error) {
	logger := c.logger.With("batch_id", b.ID, "command", b.Command)
	start := c.clock.Now()
	out := BatchOutcome{ID: b.ID, Command: b.Command}

	logger.Info("executing batch", "project", b.Project,
		"estimated", queue.FormatDuration(b.EstimatedDuration))

	err := c.runBatch(ctx, logger, b, &out)
	out.Duration = c.clock.Now().Sub(start)
	return out, c.finish(ctx, logger, b, &out, err)
}

func (c *Coordinator) runBatch(ctx context.Context, logger *slog.Logger, b queue.Batch, out *BatchOutcome) error {
	workspaces, err := workspace.NewFSManager(c.opts.WorkDir)
	if err != nil {
		return err
	}
	ws, err := workspaces.Create(ctx, b.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := workspaces.Remove(b.ID); err != nil {
			logger.Warn("failed to remove workspace", "path", ws.Dir, "error", err)
		}
	}()

	c.prepareGPU(ctx, logger)
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.setStatus(ctx, b.ID, queue.StatusProcessingLLM); err != nil {
		return err
	}
	if err := c.journal.RecordBatchStart(ctx, history.BatchRun{
		BatchID:          b.ID,
		Command:          b.Command,
		Project:          b.Project,
		Status:           string(queue.StatusProcessingLLM),
		EstimatedSeconds: b.EstimatedDuration,
		StartedAt:        c.clock.Now(),
	}); err != nil {
		logger.Warn("journal write failed", "error", err)
	}
	c.events.Publish(events.BatchStarted, map[string]any{
		"batch_id": b.ID, "command": b.Command, "project": b.Project,
	})

	generated, err := c.generate(ctx, logger, b)
	if err != nil {
		return err
	}

	if err := c.setStatus(ctx, b.ID, queue.StatusProcessingImages); err != nil {
		return err
	}
	if err := c.journal.RecordPhase(ctx, b.ID, string(queue.StatusProcessingImages)); err != nil {
		logger.Warn("journal write failed", "error", err)
	}

	return c.render(ctx, logger, b, generated, ws.Dir, out)
}

func (c *Coordinator) setStatus(ctx context.Context, id string, status queue.Status) error {
	ok, err := c.queue.UpdateStatus(ctx, id, status, "")
	if err != nil {
		return fmt.Errorf("set %s: %w", status, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrBatchNotFound, id)
	}
	c.events.Publish(events.BatchPhase, map[string]any{"batch_id": id, "status": status})
	return nil
}

func (c *Coordinator) generate(ctx context.Context, logger *slog.Logger, b queue.Batch) (string, error) {
	instruction, params, err := c.builder.Instruction(b)
	if err != nil {
		return "", err
	}
	logger.Info("text phase started")
	started := c.clock.Now()
	text, err := c.text.Generate(ctx, instruction, params)
	if err != nil {
		return "", fmt.Errorf("text generation: %w", err)
	}
	logger.Info("text phase finished", "chars", len(text),
		"duration", c.clock.Now().Sub(started).Round(time.Second).String())
	return text, nil
}

func (c *Coordinator) render(ctx context.Context, logger *slog.Logger, b queue.Batch, generated, workDir string, out *BatchOutcome) error {
	jobs, err := c.builder.Jobs(b, generated, workDir)
	if err != nil {
		return err
	}

	logger.Info("image phase started", "jobs", len(jobs))
	if err := c.engine.Start(ctx, true, c.opts.EngineReadyTimeout); err != nil {
		return err
	}

	mopts := c.opts.Monitor
	mopts.Clock = c.clock
	mopts.Logger = logger.With("component", "monitor")
	mopts.Events = events.WithFields(c.events, map[string]any{"batch_id": b.ID})
	mopts.OnJobDone = func(j monitor.Job) {
		run := history.JobRun{
			Handle:      j.Handle,
			BatchID:     b.ID,
			Label:       j.Label,
			Outcome:     string(j.Outcome),
			SubmittedAt: j.Submitted,
		}
		if !j.Finished.IsZero() {
			finished := j.Finished
			run.FinishedAt = &finished
		}
		if err := c.journal.RecordJob(context.WithoutCancel(ctx), run); err != nil {
			logger.Warn("journal write failed", "handle", j.Handle, "error", err)
		}
	}
	mon := monitor.New(c.api, mopts)

	rejected := 0
	var lastErr error
	for i, job := range jobs {
		handle, err := c.api.Submit(ctx, job.Payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rejected++
			lastErr = err
			logger.Warn("job submission failed", "label", job.Label, "error", err)
			continue
		}
		mon.Add(handle, job.Label)
		logger.Debug("job submitted", "handle", handle, "label", job.Label, "n", i+1, "of", len(jobs))
		c.events.Publish(events.JobSubmitted, map[string]any{
			"batch_id": b.ID, "handle": handle, "label": job.Label,
		})
	}
	out.Jobs = mon.Len()
	if mon.Len() == 0 {
		return fmt.Errorf("no jobs accepted by engine (%d rejected): %w", rejected, lastErr)
	}
	if rejected > 0 {
		logger.Warn("some jobs were not accepted", "accepted", mon.Len(), "rejected", rejected)
	}

	res, err := mon.WaitForCompletion(ctx, c.batchTimeout(b))
	out.Vanished = len(res.Vanished())
	if err != nil {
		return err
	}
	logger.Info("image phase finished", "completed", res.Completed(),
		"vanished", out.Vanished, "interrupts", res.Interrupts,
		"elapsed", res.Elapsed.Round(time.Second).String())
	return nil
}

// finish records the batch's terminal status.
func (c *Coordinator) finish(ctx context.Context, logger *slog.Logger, b queue.Batch, out *BatchOutcome, runErr error) error {
	status := queue.StatusCompleted
	msg := ""
	var ret error
	switch {
	case ctx.Err() != nil:
		status = queue.StatusFailed
		msg = InterruptedMessage
		ret = fmt.Errorf("%w: %s: %v", ErrBatchAborted, b.ID, context.Cause(ctx))
		logger.Warn("batch interrupted")
	case runErr != nil:
		status = queue.StatusFailed
		msg = runErr.Error()
		ret = runErr
		logger.Error("batch failed", "error", runErr)
		for _, line := range MemoryGuidance(msg) {
			logger.Info(line)
		}
	default:
		logger.Info("batch completed", "jobs", out.Jobs,
			"duration", out.Duration.Round(time.Second).String())
	}
	out.Status = status
	out.Error = msg

	// Recording must survive a cancelled run.
	wctx := context.WithoutCancel(ctx)
	if _, err := c.queue.UpdateStatus(wctx, b.ID, status, msg); err != nil {
		logger.Error("failed to record batch status", "status", status, "error", err)
		if ret == nil {
			ret = err
		}
	}
	if err := c.journal.RecordBatchEnd(wctx, b.ID, string(status), out.Jobs, out.Vanished, msg); err != nil {
		logger.Warn("journal write failed", "error", err)
	}

	evt := events.BatchCompleted
	if status == queue.StatusFailed {
		evt = events.BatchFailed
	}
	c.events.Publish(evt, map[string]any{
		"batch_id": b.ID, "status": status, "error": msg,
		"jobs": out.Jobs, "vanished": out.Vanished,
		"duration_seconds": out.Duration.Seconds(),
	})
	return ret
}

// MemoryGuidance returns hints for failures that look like GPU memory
// exhaustion, or nil.
func MemoryGuidance(msg string) []string {
	m := strings.ToLower(msg)
	if !strings.Contains(m, "memory") && !strings.Contains(m, "cuda") {
		return nil
	}
	return []string{
		"GPU memory guidance:",
		"  the rendering engine typically holds 7-10 GB of VRAM while loaded",
		"  the text model typically needs 6-8 GB depending on llm.gpu_layers",
		"  lower llm.gpu_layers or set engine.low_vram if both do not fit",
		"  check for engine processes the stray sweep could not kill",
	}
}
