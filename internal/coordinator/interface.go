package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/musebatch/internal/engine"
	"github.com/mattjoyce/musebatch/internal/history"
	"github.com/mattjoyce/musebatch/internal/queue"
	"github.com/mattjoyce/musebatch/internal/textgen"
)

//go:generate mockgen -destination=mocks/mock_coordinator.go -package=mocks github.com/mattjoyce/musebatch/internal/coordinator QueueStore,EngineControl,EngineAPI,TextGenerator,Journal

// QueueStore is the part of queue.Store the coordinator drives.
type QueueStore interface {
	NextPending(ctx context.Context) (*queue.Batch, error)
	Get(ctx context.Context, id string) (*queue.Batch, error)
	UpdateStatus(ctx context.Context, id string, status queue.Status, errMsg string) (bool, error)
	RecoverOrphans(ctx context.Context) (int, error)
	Status(ctx context.Context) (queue.Summary, error)
}

// EngineControl is the engine process lifecycle (supervisor.Supervisor).
type EngineControl interface {
	IsRunning(ctx context.Context) bool
	Start(ctx context.Context, waitForReady bool, timeout time.Duration) error
	Stop(ctx context.Context, force bool, timeout time.Duration) error
	SweepStrays(ctx context.Context, grace time.Duration) (int, error)
}

// EngineAPI is the engine's job API (engine.Client).
type EngineAPI interface {
	Submit(ctx context.Context, payload json.RawMessage) (string, error)
	Queue(ctx context.Context) (engine.QueueState, error)
	History(ctx context.Context) (map[string]json.RawMessage, error)
	Interrupt(ctx context.Context) error
	Probe(ctx context.Context, timeout time.Duration) bool
}

// TextGenerator runs the text phase.
type TextGenerator interface {
	Generate(ctx context.Context, instruction string, p textgen.Params) (string, error)
}

// Journal records runs (history.Journal).
type Journal interface {
	RecordBatchStart(ctx context.Context, run history.BatchRun) error
	RecordPhase(ctx context.Context, batchID, status string) error
	RecordJob(ctx context.Context, job history.JobRun) error
	RecordBatchEnd(ctx context.Context, batchID, status string, jobsSubmitted, jobsUnknown int, errMsg string) error
}

type nopJournal struct{}

func (nopJournal) RecordBatchStart(context.Context, history.BatchRun) error { return nil }
func (nopJournal) RecordPhase(context.Context, string, string) error        { return nil }
func (nopJournal) RecordJob(context.Context, history.JobRun) error          { return nil }
func (nopJournal) RecordBatchEnd(context.Context, string, string, int, int, string) error {
	return nil
}
