// Package monitor waits for submitted render jobs to finish. The engine's
// history is authoritative; a job that leaves the queue without a history
// record is reported as vanished, a distinct outcome from completed.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/musebatch/internal/clock"
	"github.com/mattjoyce/musebatch/internal/config"
	"github.com/mattjoyce/musebatch/internal/engine"
	"github.com/mattjoyce/musebatch/internal/events"
	"github.com/mattjoyce/musebatch/internal/log"
)

var (
	ErrEngineUnreachable = errors.New("engine unreachable")
	ErrJobsLost          = errors.New("jobs disappeared from the engine")
	ErrMonitorTimeout    = errors.New("timed out waiting for jobs")
	ErrUnknownOutcome    = errors.New("job outcome unknown")
)

// EngineAPI is the part of the engine client the monitor polls.
type EngineAPI interface {
	Queue(ctx context.Context) (engine.QueueState, error)
	History(ctx context.Context) (map[string]json.RawMessage, error)
	Interrupt(ctx context.Context) error
}

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	// OutcomeVanished: gone from the queue with no history record.
	OutcomeVanished Outcome = "vanished"
)

type Job struct {
	Handle    string    `json:"handle"`
	Label     string    `json:"label,omitempty"`
	Submitted time.Time `json:"submitted"`
	Finished  time.Time `json:"finished,omitzero"`
	Outcome   Outcome   `json:"outcome"`
}

func (j Job) Done() bool { return j.Outcome != OutcomePending }

// Duration is submit-to-finish, or zero while pending.
func (j Job) Duration() time.Duration {
	if j.Finished.IsZero() {
		return 0
	}
	return j.Finished.Sub(j.Submitted)
}

type Result struct {
	Jobs       []Job
	Interrupts int
	Elapsed    time.Duration
}

// AllDone reports whether every job has an outcome.
func (r Result) AllDone() bool {
	for _, j := range r.Jobs {
		if !j.Done() {
			return false
		}
	}
	return true
}

func (r Result) Completed() int { return r.count(OutcomeCompleted) }

// Vanished lists jobs whose completion was inferred from disappearance.
func (r Result) Vanished() []Job {
	var out []Job
	for _, j := range r.Jobs {
		if j.Outcome == OutcomeVanished {
			out = append(out, j)
		}
	}
	return out
}

func (r Result) count(o Outcome) int {
	n := 0
	for _, j := range r.Jobs {
		if j.Outcome == o {
			n++
		}
	}
	return n
}

type Options struct {
	PollInterval         time.Duration
	StallAfter           time.Duration
	MaxConsecutiveErrors int
	ErrorBackoff         time.Duration
	// TreatVanishedAsCompleted resolves a job as soon as it is absent from
	// both queue and history. When false such jobs wait for a history
	// record, and are declared lost at the next stall if the engine is idle.
	TreatVanishedAsCompleted bool

	Clock  clock.Clock
	Logger *slog.Logger
	Events events.Publisher
	// OnJobDone runs for each job as it gets an outcome.
	OnJobDone func(Job)
}

// OptionsFromConfig maps the monitor config section.
func OptionsFromConfig(cfg config.MonitorConfig) Options {
	return Options{
		PollInterval:             cfg.PollInterval,
		StallAfter:               cfg.StallAfter,
		MaxConsecutiveErrors:     cfg.MaxConsecutiveErrors,
		ErrorBackoff:             cfg.ErrorBackoff,
		TreatVanishedAsCompleted: cfg.TreatVanishedAsCompleted,
	}
}

type Monitor struct {
	api    EngineAPI
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
	events events.Publisher

	jobs  []*Job
	index map[string]*Job
}

func New(api EngineAPI, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = 10 * time.Minute
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 5
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("monitor")
	}
	return &Monitor{
		api:    api,
		opts:   opts,
		clock:  clock.OrReal(opts.Clock),
		logger: opts.Logger,
		events: events.OrDiscard(opts.Events),
		index:  map[string]*Job{},
	}
}

// Add registers a submitted job. Duplicate handles are ignored.
func (m *Monitor) Add(handle, label string) {
	if _, ok := m.index[handle]; ok {
		return
	}
	j := &Job{Handle: handle, Label: label, Submitted: m.clock.Now(), Outcome: OutcomePending}
	m.jobs = append(m.jobs, j)
	m.index[handle] = j
}

func (m *Monitor) Len() int { return len(m.jobs) }

func (m *Monitor) snapshot(start time.Time, interrupts int) Result {
	out := Result{Jobs: make([]Job, len(m.jobs)), Interrupts: interrupts, Elapsed: m.clock.Now().Sub(start)}
	for i, j := range m.jobs {
		out.Jobs[i] = *j
	}
	return out
}

func (m *Monitor) remaining() int {
	n := 0
	for _, j := range m.jobs {
		if !j.Done() {
			n++
		}
	}
	return n
}

// WaitForCompletion polls until every job has an outcome, the engine stops
// answering, the jobs are lost, or timeout passes. The Result is always
// populated, including on error.
func (m *Monitor) WaitForCompletion(ctx context.Context, timeout time.Duration) (Result, error) {
	start := m.clock.Now()
	interrupts := 0
	if len(m.jobs) == 0 {
		return m.snapshot(start, 0), nil
	}
	m.logger.Info("monitoring jobs", "count", len(m.jobs), "timeout", timeout.String())

	deadline := start.Add(timeout)
	lastProgress := start
	consecutiveErrors := 0

	for m.remaining() > 0 {
		if err := ctx.Err(); err != nil {
			return m.snapshot(start, interrupts), err
		}
		if !m.clock.Now().Before(deadline) {
			res := m.snapshot(start, interrupts)
			return res, fmt.Errorf("%w: %d of %d finished after %s",
				ErrMonitorTimeout, len(res.Jobs)-m.remaining(), len(res.Jobs), timeout)
		}

		q, err := m.api.Queue(ctx)
		if err != nil {
			consecutiveErrors++
			m.logger.Warn("engine queue check failed",
				"error", err, "consecutive", consecutiveErrors, "max", m.opts.MaxConsecutiveErrors)
			if consecutiveErrors >= m.opts.MaxConsecutiveErrors {
				return m.snapshot(start, interrupts),
					fmt.Errorf("%w: %d consecutive failures: %v", ErrEngineUnreachable, consecutiveErrors, err)
			}
			if err := m.clock.Sleep(ctx, m.opts.ErrorBackoff); err != nil {
				return m.snapshot(start, interrupts), err
			}
			continue
		}
		consecutiveErrors = 0

		history, err := m.api.History(ctx)
		if err != nil {
			m.logger.Debug("engine history unavailable; treating as empty", "error", err)
			history = nil
		}

		if m.resolve(q, history) > 0 {
			lastProgress = m.clock.Now()
		}
		if m.remaining() == 0 {
			break
		}

		if m.clock.Now().Sub(lastProgress) >= m.opts.StallAfter {
			lost, err := m.handleStall(ctx, q, history)
			if lost {
				return m.snapshot(start, interrupts), err
			}
			interrupts++
			lastProgress = m.clock.Now()
		}

		if err := m.clock.Sleep(ctx, m.opts.PollInterval); err != nil {
			return m.snapshot(start, interrupts), err
		}
	}

	res := m.snapshot(start, interrupts)
	vanished := res.Vanished()
	m.logger.Info("all jobs finished",
		"count", len(res.Jobs), "completed", res.Completed(), "vanished", len(vanished),
		"elapsed", res.Elapsed.Round(time.Second).String())
	if len(vanished) > 0 && !m.opts.TreatVanishedAsCompleted {
		return res, fmt.Errorf("%w: %d jobs left the engine without a history record", ErrUnknownOutcome, len(vanished))
	}
	return res, nil
}

// resolve assigns outcomes and returns how many jobs finished this poll.
// History wins over the queue listing.
func (m *Monitor) resolve(q engine.QueueState, history map[string]json.RawMessage) int {
	now := m.clock.Now()
	finished := 0
	for _, j := range m.jobs {
		_, inHistory := history[j.Handle]
		switch {
		case inHistory && j.Outcome == OutcomeVanished:
			// Recorded late; keep the original finish time.
			j.Outcome = OutcomeCompleted
		case inHistory && j.Outcome == OutcomePending:
			j.Outcome = OutcomeCompleted
			j.Finished = now
			finished++
			m.finished(*j)
		case j.Outcome == OutcomePending && !q.Contains(j.Handle) && q.Skipped == 0 && m.opts.TreatVanishedAsCompleted:
			// Unreadable queue entries may hide the job, so absence only
			// counts when every entry was read.
			j.Outcome = OutcomeVanished
			j.Finished = now
			finished++
			m.finished(*j)
		}
	}
	return finished
}

func (m *Monitor) finished(j Job) {
	done := len(m.jobs) - m.remaining()
	logger := m.logger.With("job_id", j.Handle)
	if j.Outcome == OutcomeVanished {
		logger.Warn("job left the engine queue without a history record; assuming done",
			"label", j.Label, "duration", j.Duration().Round(100*time.Millisecond).String(),
			"progress", fmt.Sprintf("%d/%d", done, len(m.jobs)))
	} else {
		logger.Info("job completed",
			"label", j.Label, "duration", j.Duration().Round(100*time.Millisecond).String(),
			"progress", fmt.Sprintf("%d/%d", done, len(m.jobs)))
	}
	m.events.Publish(events.JobCompleted, map[string]any{
		"job_id":           j.Handle,
		"label":            j.Label,
		"outcome":          j.Outcome,
		"duration_seconds": j.Duration().Seconds(),
	})
	if m.opts.OnJobDone != nil {
		m.opts.OnJobDone(j)
	}
}

// handleStall logs a breakdown and either interrupts the engine once or, when
// the engine is idle with our jobs unaccounted for, gives up. It reports
// whether the jobs are lost.
func (m *Monitor) handleStall(ctx context.Context, q engine.QueueState, history map[string]json.RawMessage) (bool, error) {
	var active, inHistory, missing []string
	completed := 0
	for _, j := range m.jobs {
		_, hist := history[j.Handle]
		switch {
		case j.Done():
			completed++
		case q.Contains(j.Handle):
			active = append(active, j.Handle)
		case hist:
			inHistory = append(inHistory, j.Handle)
		default:
			missing = append(missing, j.Handle)
		}
	}
	m.logger.Warn("no job finished within stall window",
		"stall_after", m.opts.StallAfter.String(),
		"completed", completed,
		"total", len(m.jobs),
		"active", len(active),
		"in_history", len(inHistory),
		"missing", len(missing),
		"engine_running", len(q.Running),
		"engine_pending", len(q.Pending))
	m.events.Publish(events.MonitorStall, map[string]any{
		"completed": completed,
		"active":    len(active),
		"missing":   len(missing),
	})

	if q.Active() == 0 {
		now := m.clock.Now()
		for _, j := range m.jobs {
			if !j.Done() {
				j.Outcome = OutcomeVanished
				j.Finished = now
			}
		}
		m.logger.Error("engine queue is empty but jobs are unaccounted for", "missing", missing)
		return true, fmt.Errorf("%w (%w): %d jobs", ErrJobsLost, ErrUnknownOutcome, len(missing))
	}

	m.logger.Warn("interrupting the engine's current job")
	if err := m.api.Interrupt(ctx); err != nil {
		m.logger.Warn("interrupt request failed", "error", err)
	}
	return false, nil
}
