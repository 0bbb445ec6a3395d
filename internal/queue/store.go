package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/musebatch/internal/clock"
	"github.com/mattjoyce/musebatch/internal/lock"
	"github.com/mattjoyce/musebatch/internal/log"
)

// OrphanMessage is recorded on batches found mid-processing at startup.
const OrphanMessage = "interrupted: coordinator exited while batch was processing"

// Options tune a Store. Zero values fall back to defaults.
type Options struct {
	LockTimeout time.Duration
	LockPoll    time.Duration
	Clock       clock.Clock
	Estimator   *Estimator
	Logger      *slog.Logger
}

// Store is the persistent batch queue: a single JSON document guarded by a
// sibling ".lock" file. Every operation takes the lock, reads the document,
// and (for mutations) rewrites it atomically before releasing.
type Store struct {
	path      string
	lockPath  string
	timeout   time.Duration
	poll      time.Duration
	clock     clock.Clock
	estimator *Estimator
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewStore(path string, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 300 * time.Second
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = 100 * time.Millisecond
	}
	if opts.Estimator == nil {
		opts.Estimator = DefaultEstimator()
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("queue")
	}
	return &Store{
		path:      path,
		lockPath:  path + ".lock",
		timeout:   opts.LockTimeout,
		poll:      opts.LockPoll,
		clock:     clock.OrReal(opts.Clock),
		estimator: opts.Estimator,
		validate:  validator.New(),
		logger:    opts.Logger,
	}
}

func (s *Store) Path() string          { return s.path }
func (s *Store) LockPath() string      { return s.lockPath }
func (s *Store) Estimator() *Estimator { return s.estimator }

// withLock runs fn against the current document under the queue lock. When
// fn reports the document dirty it is written back before the lock drops.
func (s *Store) withLock(ctx context.Context, fn func(doc *Document) (bool, error)) error {
	l, err := lock.WaitPIDLock(ctx, s.lockPath, s.timeout, s.poll, s.clock)
	if err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			s.logger.Warn("failed to release queue lock", "error", err)
		}
	}()

	doc, err := s.load()
	if err != nil {
		return err
	}
	dirty, err := fn(doc)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.save(doc)
}

func (s *Store) newDocument() *Document {
	return &Document{
		QueueVersion: DocumentVersion,
		Created:      s.clock.Now().UTC(),
		Batches:      []Batch{},
	}
}

// load reads the document. A missing or empty file is a fresh queue; an
// unparseable one is moved aside and replaced.
func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.newDocument(), nil
		}
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s.newDocument(), nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		dest, qerr := quarantine(s.path, s.clock.Now().Unix())
		if qerr != nil {
			return nil, fmt.Errorf("parse queue: %w (and %v)", err, qerr)
		}
		s.logger.Warn("queue document unreadable; moved aside and starting empty",
			"error", err, "quarantined", dest)
		return s.newDocument(), nil
	}
	if doc.QueueVersion == "" {
		doc.QueueVersion = DocumentVersion
	}
	if doc.Batches == nil {
		doc.Batches = []Batch{}
	}

	if doc.Checksum != "" {
		sum, err := checksum(doc.Batches)
		if err == nil && sum != doc.Checksum {
			s.logger.Warn("queue checksum mismatch; document was edited outside musebatch",
				"path", s.path, "stored", doc.Checksum, "computed", sum)
		}
	}
	return &doc, nil
}

func (s *Store) save(doc *Document) error {
	doc.Updated = s.clock.Now().UTC()
	sum, err := checksum(doc.Batches)
	if err != nil {
		return err
	}
	doc.Checksum = sum

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	data = append(data, '\n')
	return writeFileAtomic(s.path, data)
}

// Enqueue validates req, estimates its duration and appends it as pending.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	params, err := normalizeParameters(req.Parameters)
	if err != nil {
		return "", err
	}

	estimate, err := s.estimator.Estimate(req.Command, params)
	if errors.Is(err, ErrInvalidRequest) {
		return "", err
	}
	if err != nil {
		s.logger.Warn("estimation fallback", "command", req.Command, "error", err)
	}

	var id string
	err = s.withLock(ctx, func(doc *Document) (bool, error) {
		now := s.clock.Now().UTC()
		id = newBatchID(now, req.Command, req.Project)
		doc.Batches = append(doc.Batches, Batch{
			ID:                id,
			Command:           req.Command,
			Project:           req.Project,
			Status:            StatusPending,
			Created:           now,
			EstimatedDuration: estimate,
			Parameters:        params,
			FullCommand:       req.FullCommand,
		})
		return true, nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("batch enqueued", "batch_id", id, "command", req.Command,
		"project", req.Project, "estimated_seconds", estimate)
	return id, nil
}

func normalizeParameters(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: parameters must be a JSON object", ErrInvalidRequest)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: parameters: %v", ErrInvalidRequest, err)
	}
	return buf.Bytes(), nil
}

// Status summarizes the queue.
func (s *Store) Status(ctx context.Context) (Summary, error) {
	sum := Summary{QueueFile: s.path}
	err := s.withLock(ctx, func(doc *Document) (bool, error) {
		sum.Batches = append([]Batch{}, doc.Batches...)
		return false, nil
	})
	if err != nil {
		return Summary{}, err
	}

	sum.Total = len(sum.Batches)
	for _, b := range sum.Batches {
		switch b.Status {
		case StatusPending:
			sum.Pending++
			sum.TotalEstimatedSeconds += b.EstimatedDuration
		case StatusProcessingLLM:
			sum.ProcessingLLM++
		case StatusProcessingImages:
			sum.ProcessingImages++
		case StatusCompleted:
			sum.Completed++
		case StatusFailed:
			sum.Failed++
		}
	}
	sum.Processing = sum.ProcessingLLM + sum.ProcessingImages
	return sum, nil
}

// NextPending returns the oldest pending batch, or (nil, nil) when none.
// Ties on created keep document order.
func (s *Store) NextPending(ctx context.Context) (*Batch, error) {
	var next *Batch
	err := s.withLock(ctx, func(doc *Document) (bool, error) {
		pending := make([]Batch, 0, len(doc.Batches))
		for _, b := range doc.Batches {
			if b.Status == StatusPending {
				pending = append(pending, b)
			}
		}
		if len(pending) == 0 {
			return false, nil
		}
		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].Created.Before(pending[j].Created)
		})
		b := pending[0]
		next = &b
		return false, nil
	})
	return next, err
}

// Get returns a copy of the batch with id.
func (s *Store) Get(ctx context.Context, id string) (*Batch, error) {
	var found *Batch
	err := s.withLock(ctx, func(doc *Document) (bool, error) {
		for i := range doc.Batches {
			if doc.Batches[i].ID == id {
				b := doc.Batches[i]
				found = &b
				return false, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return found, nil
}

// UpdateStatus moves batch id to status. It reports false when the id is
// unknown. started is stamped on the first processing status, completed on
// a terminal one; errMsg is kept only for failed. A batch already in a
// terminal status cannot move again.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}

	updated := false
	err := s.withLock(ctx, func(doc *Document) (bool, error) {
		for i := range doc.Batches {
			b := &doc.Batches[i]
			if b.ID != id {
				continue
			}
			if b.Status.IsTerminal() {
				return false, fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, b.Status)
			}
			now := s.clock.Now().UTC()
			b.Status = status
			if status.IsProcessing() && b.Started == nil {
				b.Started = &now
			}
			if status.IsTerminal() && b.Completed == nil {
				b.Completed = &now
			}
			if status == StatusFailed {
				b.ErrorMessage = errMsg
			}
			updated = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	if updated {
		s.logger.Debug("batch status updated", "batch_id", id, "status", status)
	}
	return updated, nil
}

// Remove deletes batch id. It reports false when the id is unknown.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := s.withLock(ctx, func(doc *Document) (bool, error) {
		for i := range doc.Batches {
			if doc.Batches[i].ID == id {
				doc.Batches = append(doc.Batches[:i], doc.Batches[i+1:]...)
				removed = true
				return true, nil
			}
		}
		return false, nil
	})
	return removed, err
}

// Clear removes every batch, or only those with *filter, and returns the
// number removed.
func (s *Store) Clear(ctx context.Context, filter *Status) (int, error) {
	removed := 0
	err := s.withLock(ctx, func(doc *Document) (bool, error) {
		kept := doc.Batches[:0]
		for _, b := range doc.Batches {
			if filter == nil || b.Status == *filter {
				removed++
				continue
			}
			kept = append(kept, b)
		}
		doc.Batches = kept
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("queue cleared", "removed", removed, "filter", filterName(filter))
	}
	return removed, nil
}

func filterName(f *Status) string {
	if f == nil {
		return "all"
	}
	return string(*f)
}

// RecoverOrphans fails batches left in a processing status by a coordinator
// that died. Only call it while holding the coordinator lock.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	recovered := 0
	err := s.withLock(ctx, func(doc *Document) (bool, error) {
		now := s.clock.Now().UTC()
		for i := range doc.Batches {
			b := &doc.Batches[i]
			if !b.Status.IsProcessing() {
				continue
			}
			s.logger.Warn("recovering orphaned batch", "batch_id", b.ID, "status", b.Status)
			b.Status = StatusFailed
			b.ErrorMessage = OrphanMessage
			if b.Completed == nil {
				b.Completed = &now
			}
			recovered++
		}
		return recovered > 0, nil
	})
	return recovered, err
}
