package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/musebatch/internal/lock"
	"github.com/mattjoyce/musebatch/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(t0)
	logger, _ := testutil.NewTestSlogger()
	path := filepath.Join(t.TempDir(), "batch_queue.json")
	return NewStore(path, Options{
		LockTimeout: 2 * time.Second,
		Clock:       clk,
		Logger:      logger,
	}), clk
}

func enqueue(t *testing.T, s *Store, command, project string) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), EnqueueRequest{
		Command:    command,
		Project:    project,
		Parameters: json.RawMessage(`{"dream_count": 2}`),
	})
	require.NoError(t, err)
	return id
}

func readDocument(t *testing.T, path string) Document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestEnqueueWritesDocument(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	id := enqueue(t, s, CommandExploreStyles, "Café Noir")
	assert.True(t, strings.HasPrefix(id, "20260301_120000_explore_styles_CafeNoir_"), id)

	doc := readDocument(t, s.Path())
	assert.Equal(t, DocumentVersion, doc.QueueVersion)
	assert.NotEmpty(t, doc.Checksum)
	require.Len(t, doc.Batches, 1)

	b := doc.Batches[0]
	assert.Equal(t, id, b.ID)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, "Café Noir", b.Project)
	assert.JSONEq(t, `{"dream_count": 2}`, string(b.Parameters))
	// 2 dreams * 10 images * 40s + 2 * 7.5s
	assert.InDelta(t, 815.0, b.EstimatedDuration, 0.001)
	assert.Nil(t, b.Started)
	assert.Nil(t, b.Completed)
}

func TestEnqueueRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	cases := []EnqueueRequest{
		{Command: "", Project: "p"},
		{Command: "paint_everything", Project: "p"},
		{Command: CommandRefineStyles, Project: ""},
		{Command: CommandRefineStyles, Project: "p", Parameters: json.RawMessage(`[1,2]`)},
		{Command: CommandRefineStyles, Project: "p", Parameters: json.RawMessage(`{"broken":`)},
	}
	for i, req := range cases {
		_, err := s.Enqueue(ctx, req)
		assert.True(t, errors.Is(err, ErrInvalidRequest), "case %d: %v", i, err)
	}

	_, err := os.Stat(s.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist), "rejected requests must not create the document")
}

func TestEnqueueHugeCountsKeepEstimatePositive(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, EnqueueRequest{
		Command:    CommandExploreStyles,
		Project:    "p",
		Parameters: json.RawMessage(`{"dream_count":1e19,"n":2}`),
	})
	require.NoError(t, err)

	b, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Positive(t, b.EstimatedDuration)

	sum, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Positive(t, sum.TotalEstimatedSeconds)
}

func TestNextPendingIsFIFO(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(t)
	ctx := context.Background()

	first := enqueue(t, s, CommandExploreStyles, "a")
	clk.Advance(time.Second)
	second := enqueue(t, s, CommandRefineStyles, "b")
	clk.Advance(time.Second)
	third := enqueue(t, s, CommandExploreNarrative, "c")

	for _, want := range []string{first, second, third} {
		next, err := s.NextPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, want, next.ID)
		ok, err := s.UpdateStatus(ctx, next.ID, StatusCompleted, "")
		require.NoError(t, err)
		require.True(t, ok)
	}

	next, err := s.NextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextPendingTiesKeepDocumentOrder(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	first := enqueue(t, s, CommandExploreStyles, "same-second")
	enqueue(t, s, CommandExploreStyles, "same-second")

	next, err := s.NextPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first, next.ID)
}

func TestUpdateStatusStampsTimes(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, CommandExploreStyles, "p")

	clk.Advance(time.Minute)
	ok, err := s.UpdateStatus(ctx, id, StatusProcessingLLM, "")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(time.Minute)
	_, err = s.UpdateStatus(ctx, id, StatusProcessingImages, "")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = s.UpdateStatus(ctx, id, StatusFailed, "CUDA out of memory")
	require.NoError(t, err)

	b, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, b.Started)
	require.NotNil(t, b.Completed)
	assert.True(t, b.Started.Equal(t0.Add(time.Minute)), "started set on first processing status only")
	assert.True(t, b.Completed.Equal(t0.Add(3*time.Minute)))
	assert.Equal(t, "CUDA out of memory", b.ErrorMessage)
}

func TestUpdateStatusIgnoresErrorOutsideFailed(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, CommandExploreStyles, "p")

	_, err := s.UpdateStatus(ctx, id, StatusProcessingLLM, "should not stick")
	require.NoError(t, err)

	b, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, b.ErrorMessage)
}

func TestUpdateStatusTerminalIsFinal(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, CommandExploreStyles, "p")

	_, err := s.UpdateStatus(ctx, id, StatusCompleted, "")
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, id, StatusPending, "")
	assert.True(t, errors.Is(err, ErrTerminalStatus))

	_, err = s.UpdateStatus(ctx, id, StatusCompleted, "")
	assert.True(t, errors.Is(err, ErrTerminalStatus))

	failed := enqueue(t, s, CommandExploreStyles, "q")
	_, err = s.UpdateStatus(ctx, failed, StatusFailed, "first")
	require.NoError(t, err)
	ok, err := s.UpdateStatus(ctx, failed, StatusFailed, "second")
	assert.True(t, errors.Is(err, ErrTerminalStatus))
	assert.False(t, ok)
	b, err := s.Get(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, "first", b.ErrorMessage)

	ok, err = s.UpdateStatus(ctx, "missing", StatusCompleted, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpdateStatus(ctx, id, Status("exploded"), "")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestRemoveAndGet(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, CommandExploreStyles, "p")

	removed, err := s.Remove(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.Get(ctx, id)
	assert.True(t, errors.Is(err, ErrBatchNotFound))
}

func TestClearWithFilter(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	done1 := enqueue(t, s, CommandExploreStyles, "a")
	pending := enqueue(t, s, CommandExploreStyles, "b")
	done2 := enqueue(t, s, CommandExploreStyles, "c")
	failed := enqueue(t, s, CommandExploreStyles, "d")
	for _, id := range []string{done1, done2} {
		_, err := s.UpdateStatus(ctx, id, StatusCompleted, "")
		require.NoError(t, err)
	}
	_, err := s.UpdateStatus(ctx, failed, StatusFailed, "boom")
	require.NoError(t, err)

	completed := StatusCompleted
	n, err := s.Clear(ctx, &completed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sum, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 0, sum.Completed)
	ids := []string{sum.Batches[0].ID, sum.Batches[1].ID}
	assert.ElementsMatch(t, []string{pending, failed}, ids)

	n, err = s.Clear(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sum, err = s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)
}

func TestStatusSummary(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := enqueue(t, s, CommandExploreStyles, "a")
	enqueue(t, s, CommandExploreStyles, "b")
	enqueue(t, s, CommandExploreStyles, "c")
	_, err := s.UpdateStatus(ctx, a, StatusProcessingImages, "")
	require.NoError(t, err)

	sum, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Pending)
	assert.Equal(t, 1, sum.ProcessingImages)
	assert.Equal(t, 1, sum.Processing)
	assert.InDelta(t, 2*815.0, sum.TotalEstimatedSeconds, 0.001)
	assert.Equal(t, s.Path(), sum.QueueFile)
	require.NotNil(t, sum.Active())
	assert.Equal(t, a, sum.Active().ID)
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	llm := enqueue(t, s, CommandExploreStyles, "a")
	img := enqueue(t, s, CommandExploreStyles, "b")
	untouched := enqueue(t, s, CommandExploreStyles, "c")
	_, err := s.UpdateStatus(ctx, llm, StatusProcessingLLM, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, img, StatusProcessingImages, "")
	require.NoError(t, err)

	n, err := s.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{llm, img} {
		b, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, b.Status)
		assert.Equal(t, OrphanMessage, b.ErrorMessage)
		assert.NotNil(t, b.Completed)
	}
	b, err := s.Get(ctx, untouched)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
}

func TestQueueLockExclusivity(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, CommandExploreStyles, "before")
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	holder, err := lock.AcquirePIDLock(s.LockPath(), t0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Release() })

	_, err = s.Enqueue(ctx, EnqueueRequest{Command: CommandExploreStyles, Project: "blocked"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrLockUnavailable))
	assert.GreaterOrEqual(t, clk.Elapsed(), 2*time.Second)

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after, "document must be untouched while another holder has the lock")
}

func TestConcurrentWritersNeverExposePartialDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "batch_queue.json")
	logger, _ := testutil.NewTestSlogger()
	s := NewStore(path, Options{LockTimeout: 30 * time.Second, LockPoll: time.Millisecond, Logger: logger})

	const writers = 8
	const perWriter = 5

	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		defer close(readerErr)
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if !json.Valid(data) {
				readerErr <- fmt.Errorf("observed partial document: %q", data)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Enqueue(context.Background(), EnqueueRequest{
					Command: CommandExploreStyles,
					Project: fmt.Sprintf("w%d-%d", w, i),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	require.NoError(t, <-readerErr)

	doc := readDocument(t, path)
	assert.Len(t, doc.Batches, writers*perWriter)
}

func TestStrayTempFileDoesNotCorruptQueue(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, CommandExploreStyles, "p")

	// A writer killed between CreateTemp and Rename leaves this behind.
	stray := filepath.Join(filepath.Dir(s.Path()), ".queue-tmp-123456")
	require.NoError(t, os.WriteFile(stray, []byte(`{"queue_version":"1.0","batc`), 0o644))

	b, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, b.ID)
	enqueue(t, s, CommandRefineStyles, "q")

	doc := readDocument(t, s.Path())
	assert.Len(t, doc.Batches, 2)
}

func TestCorruptDocumentIsQuarantined(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	sum, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)

	matches, err := filepath.Glob(s.Path() + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestHandEditedDocumentStillLoads(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	handWritten := `{
  "queue_version": "1.0",
  "created": "2026-02-01T00:00:00Z",
  "checksum": "0000",
  "batches": [
    {"id": "legacy", "command": "explore_styles", "project": "old", "status": "pending",
     "created": "2026-02-01T00:00:00Z", "estimated_duration": 10, "parameters": {}}
  ]
}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(handWritten), 0o644))

	next, err := s.NextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "legacy", next.ID)

	_, err = s.UpdateStatus(ctx, "legacy", StatusProcessingLLM, "")
	require.NoError(t, err)
	doc := readDocument(t, s.Path())
	sum, err := checksum(doc.Batches)
	require.NoError(t, err)
	assert.Equal(t, sum, doc.Checksum, "checksum is rewritten on save")
}
