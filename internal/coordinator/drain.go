package coordinator

import (
	"context"
	"log/slog"
	"time"
)

// prepareGPU frees the GPU for the text phase: wait for the engine's own
// queue to drain, stop it, kill strays, then let the driver settle. It does
// nothing when no engine is reachable or running.
func (c *Coordinator) prepareGPU(ctx context.Context, logger *slog.Logger) {
	reachable := c.api.Probe(ctx, c.opts.ProbeTimeout)
	running := reachable || c.engine.IsRunning(ctx)
	if !running {
		logger.Info("engine not running; GPU is free")
		return
	}

	if reachable {
		if drained := c.drainEngine(ctx, logger); !drained {
			logger.Warn("engine queue did not drain; stopping anyway")
		}
	}
	if ctx.Err() != nil {
		return
	}

	logger.Info("stopping engine to free GPU memory")
	if err := c.engine.Stop(ctx, false, c.opts.EngineStopTimeout); err != nil {
		logger.Warn("engine did not stop cleanly", "error", err)
	}
	killed, err := c.engine.SweepStrays(ctx, c.opts.StrayGrace)
	if err != nil {
		logger.Warn("stray sweep failed", "error", err)
	}
	if killed > 0 {
		logger.Warn("terminated stray engine processes", "count", killed)
	}

	if c.opts.GPUSettle > 0 {
		logger.Info("waiting for GPU memory release", "settle", c.opts.GPUSettle.String())
		_ = c.clock.Sleep(ctx, c.opts.GPUSettle)
	}
}

// drainEngine waits for work already in the engine to finish. A queue depth
// that stays unchanged for DrainInterruptAfter earns one interrupt; unchanged
// for DrainAbandonAfter the work is abandoned. It reports false only when
// DrainTimeout passes with work still active.
func (c *Coordinator) drainEngine(ctx context.Context, logger *slog.Logger) bool {
	start := c.clock.Now()
	lastChange := start
	lastRunning, lastPending := -1, -1
	interrupted := false

	for {
		q, err := c.api.Queue(ctx)
		if err != nil {
			logger.Info("engine queue unreadable; treating as drained", "error", err)
			return true
		}
		running, pending := len(q.Running), len(q.Pending)
		if q.Active() == 0 {
			if lastRunning >= 0 {
				logger.Info("engine queue drained",
					"waited", c.clock.Now().Sub(start).Round(time.Second).String())
			}
			return true
		}

		now := c.clock.Now()
		if running != lastRunning || pending != lastPending {
			logger.Info("waiting for engine queue", "running", running, "pending", pending)
			lastRunning, lastPending = running, pending
			lastChange = now
			interrupted = false
		}

		stuck := now.Sub(lastChange)
		switch {
		case stuck >= c.opts.DrainAbandonAfter:
			logger.Warn("engine queue stuck; abandoning drain",
				"running", running, "pending", pending, "unchanged_for", stuck.Round(time.Second).String())
			return true
		case stuck >= c.opts.DrainInterruptAfter && !interrupted:
			logger.Warn("engine queue stuck; interrupting current job",
				"running", running, "pending", pending, "unchanged_for", stuck.Round(time.Second).String())
			if err := c.api.Interrupt(ctx); err != nil {
				logger.Warn("interrupt failed", "error", err)
			}
			interrupted = true
		}

		if now.Sub(start) >= c.opts.DrainTimeout {
			return false
		}
		if err := c.clock.Sleep(ctx, c.opts.DrainPoll); err != nil {
			return false
		}
	}
}
