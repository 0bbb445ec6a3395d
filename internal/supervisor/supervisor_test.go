package supervisor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/musebatch/internal/testutil"
)

type fakeProc struct {
	alive      bool
	ignoreTerm bool
	unkillable bool
}

type fakeTable struct {
	mu    sync.Mutex
	procs map[int32]*fakeProc
	terms []int32
	kills []int32
}

func newFakeTable() *fakeTable { return &fakeTable{procs: map[int32]*fakeProc{}} }

func (f *fakeTable) add(pid int32, p *fakeProc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.alive = true
	f.procs[pid] = p
}

func (f *fakeTable) Matching(context.Context) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int32
	for pid, p := range f.procs {
		if p.alive {
			out = append(out, pid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeTable) Alive(_ context.Context, pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	return ok && p.alive
}

func (f *fakeTable) Terminate(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, pid)
	if p, ok := f.procs[pid]; ok && !p.ignoreTerm {
		p.alive = false
	}
	return nil
}

func (f *fakeTable) Kill(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, pid)
	if p, ok := f.procs[pid]; ok && !p.unkillable {
		p.alive = false
	}
	return nil
}

func (f *fakeTable) signalled() ([]int32, []int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.terms...), append([]int32(nil), f.kills...)
}

// fakeProber answers from a script, repeating the last answer.
type fakeProber struct {
	mu      sync.Mutex
	answers []bool
	calls   int
}

func (p *fakeProber) Probe(context.Context, time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.answers) == 0 {
		return false
	}
	a := p.answers[0]
	if len(p.answers) > 1 {
		p.answers = p.answers[1:]
	}
	return a
}

type fakeChild struct {
	pid  int
	done chan struct{}
	err  error
}

func (c *fakeChild) PID() int              { return c.pid }
func (c *fakeChild) Done() <-chan struct{} { return c.done }
func (c *fakeChild) Err() error            { return c.err }

type fakeLauncher struct {
	mu       sync.Mutex
	table    *fakeTable
	pid      int32
	launches int
	gate     chan struct{}
	entered  chan struct{}
	exited   bool
	err      error
}

func (l *fakeLauncher) Launch(context.Context) (Child, error) {
	if l.entered != nil {
		close(l.entered)
	}
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	c := &fakeChild{pid: int(l.pid), done: make(chan struct{})}
	if l.exited {
		c.err = errors.New("exit status 1")
		close(c.done)
		return c, nil
	}
	l.table.add(l.pid, &fakeProc{})
	return c, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func newTestSupervisor(t *testing.T, table *fakeTable, prober *fakeProber, launcher Launcher) (*Supervisor, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger, _ := testutil.NewTestSlogger()
	return New(table, prober, launcher, Options{
		ReadyTimeout: 300 * time.Second,
		ReadyPoll:    2 * time.Second,
		ReadySettle:  2 * time.Second,
		StopTimeout:  30 * time.Second,
		KillConfirm:  time.Second,
		RestartPause: 2 * time.Second,
		Clock:        clk,
		Logger:       logger,
	}), clk
}

func TestStartIsNoopWhenAlreadyRunning(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	table.add(4242, &fakeProc{})
	launcher := &fakeLauncher{table: table, pid: 1}
	s, _ := newTestSupervisor(t, table, &fakeProber{answers: []bool{true}}, launcher)

	require.NoError(t, s.Start(context.Background(), true, 0))
	require.NoError(t, s.Start(context.Background(), true, 0))
	assert.Equal(t, 0, launcher.count())
	assert.Equal(t, StateRunning, s.State())
}

func TestStartWhileStartingDoesNotSpawnTwice(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	launcher := &fakeLauncher{table: table, pid: 100, gate: make(chan struct{}), entered: make(chan struct{})}
	s, _ := newTestSupervisor(t, table, &fakeProber{answers: []bool{false}}, launcher)

	firstErr := make(chan error, 1)
	go func() { firstErr <- s.Start(context.Background(), false, 0) }()

	<-launcher.entered
	assert.Equal(t, StateStarting, s.State())
	require.NoError(t, s.Start(context.Background(), false, 0))

	close(launcher.gate)
	require.NoError(t, <-firstErr)
	assert.Equal(t, 1, launcher.count())
	assert.Equal(t, StateRunning, s.State())
}

func TestStartWhileStartingWaitsForReadiness(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	launcher := &fakeLauncher{table: table, pid: 100, gate: make(chan struct{}), entered: make(chan struct{})}
	s, _ := newTestSupervisor(t, table, &fakeProber{}, launcher)
	logger, logs := testutil.NewTestSlogger()
	s.logger = logger

	firstErr := make(chan error, 1)
	go func() { firstErr <- s.Start(context.Background(), true, 10*time.Second) }()
	<-launcher.entered

	secondErr := make(chan error, 1)
	go func() { secondErr <- s.Start(context.Background(), true, 10*time.Second) }()
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "engine start already in progress")
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case err := <-secondErr:
		t.Fatalf("second Start returned before the first finished: %v", err)
	default:
	}

	close(launcher.gate)
	err1 := <-firstErr
	err2 := <-secondErr
	assert.True(t, errors.Is(err1, ErrEngineStartFailure), "first: %v", err1)
	assert.True(t, errors.Is(err2, ErrEngineStartFailure), "second: %v", err2)
	assert.Equal(t, 1, launcher.count())
	assert.Equal(t, StateStopped, s.State())
}

func TestStartWhileStartingSharesSuccess(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	launcher := &fakeLauncher{table: table, pid: 100, gate: make(chan struct{}), entered: make(chan struct{})}
	// IsRunning probe, then ready across the settle delay.
	s, _ := newTestSupervisor(t, table, &fakeProber{answers: []bool{false, true}}, launcher)
	logger, logs := testutil.NewTestSlogger()
	s.logger = logger

	firstErr := make(chan error, 1)
	go func() { firstErr <- s.Start(context.Background(), true, 0) }()
	<-launcher.entered

	secondErr := make(chan error, 1)
	go func() { secondErr <- s.Start(context.Background(), true, 0) }()
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "engine start already in progress")
	}, 5*time.Second, 5*time.Millisecond)

	close(launcher.gate)
	require.NoError(t, <-firstErr)
	require.NoError(t, <-secondErr)
	assert.Equal(t, 1, launcher.count())
	assert.Equal(t, StateRunning, s.State())
}

func TestStartWaitsForTwoProbesAcrossSettle(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	launcher := &fakeLauncher{table: table, pid: 100}
	// IsRunning probe, two misses, one hit that does not hold, then steady.
	prober := &fakeProber{answers: []bool{false, false, false, true, false, true, true}}
	s, clk := newTestSupervisor(t, table, prober, launcher)

	require.NoError(t, s.Start(context.Background(), true, 0))
	assert.Equal(t, 1, launcher.count())
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, []time.Duration{
		2 * time.Second, 2 * time.Second, // polls
		2 * time.Second, 2 * time.Second, // settle, poll after flap
		2 * time.Second, // settle
	}, clk.Sleeps())
}

func TestStartTimeoutStopsEngine(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	launcher := &fakeLauncher{table: table, pid: 100}
	s, clk := newTestSupervisor(t, table, &fakeProber{}, launcher)

	err := s.Start(context.Background(), true, 10*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEngineStartFailure))
	assert.GreaterOrEqual(t, clk.Elapsed(), 10*time.Second)

	terms, _ := table.signalled()
	assert.Equal(t, []int32{100}, terms)
	assert.False(t, table.Alive(context.Background(), 100))
	assert.Equal(t, StateStopped, s.State())
}

func TestStartReportsEarlyExit(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	launcher := &fakeLauncher{table: table, pid: 100, exited: true}
	s, clk := newTestSupervisor(t, table, &fakeProber{}, launcher)

	err := s.Start(context.Background(), true, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEngineStartFailure))
	assert.Contains(t, err.Error(), "exited early")
	assert.Less(t, clk.Elapsed(), 300*time.Second)
}

func TestStartLaunchError(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	launcher := &fakeLauncher{table: table, err: errors.New("no such interpreter")}
	s, _ := newTestSupervisor(t, table, &fakeProber{}, launcher)

	err := s.Start(context.Background(), true, 0)
	assert.True(t, errors.Is(err, ErrEngineStartFailure))
	assert.Equal(t, StateStopped, s.State())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	table.add(7, &fakeProc{})
	s, _ := newTestSupervisor(t, table, &fakeProber{}, &fakeLauncher{table: table})

	require.NoError(t, s.Stop(context.Background(), false, 0))
	require.NoError(t, s.Stop(context.Background(), false, 0))
	terms, kills := table.signalled()
	assert.Equal(t, []int32{7}, terms)
	assert.Empty(t, kills)
	assert.Equal(t, StateStopped, s.State())
}

func TestStopEscalatesToKill(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	table.add(7, &fakeProc{ignoreTerm: true})
	s, clk := newTestSupervisor(t, table, &fakeProber{}, &fakeLauncher{table: table})

	require.NoError(t, s.Stop(context.Background(), false, 5*time.Second))
	terms, kills := table.signalled()
	assert.Equal(t, []int32{7}, terms)
	assert.Equal(t, []int32{7}, kills)
	assert.GreaterOrEqual(t, clk.Elapsed(), 5*time.Second)
}

func TestStopForceSkipsTerm(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	table.add(7, &fakeProc{})
	s, _ := newTestSupervisor(t, table, &fakeProber{}, &fakeLauncher{table: table})

	require.NoError(t, s.Stop(context.Background(), true, 0))
	terms, kills := table.signalled()
	assert.Empty(t, terms)
	assert.Equal(t, []int32{7}, kills)
}

func TestStopReportsSurvivors(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	table.add(7, &fakeProc{ignoreTerm: true, unkillable: true})
	table.add(8, &fakeProc{})
	s, _ := newTestSupervisor(t, table, &fakeProber{}, &fakeLauncher{table: table})

	err := s.Stop(context.Background(), false, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[7]")
}

func TestRestart(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	table.add(7, &fakeProc{})
	launcher := &fakeLauncher{table: table, pid: 9}
	prober := &fakeProber{answers: []bool{false, true}}
	s, _ := newTestSupervisor(t, table, prober, launcher)

	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, 1, launcher.count())
	assert.False(t, table.Alive(context.Background(), 7))
	assert.True(t, table.Alive(context.Background(), 9))
}

func TestSweepStrays(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	table.add(11, &fakeProc{})
	table.add(12, &fakeProc{ignoreTerm: true})
	s, clk := newTestSupervisor(t, table, &fakeProber{}, &fakeLauncher{table: table})

	n, err := s.SweepStrays(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, kills := table.signalled()
	assert.Equal(t, []int32{12}, kills)
	assert.Equal(t, 2*time.Second, clk.Elapsed())

	n, err = s.SweepStrays(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	table.add(5, &fakeProc{})
	s, _ := newTestSupervisor(t, table, &fakeProber{answers: []bool{true}}, &fakeLauncher{table: table})

	st := s.Status(context.Background())
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, []int32{5}, st.PIDs)
	assert.True(t, st.APIAccessible)
}

func TestIsRunningDegraded(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	s, _ := newTestSupervisor(t, table, &fakeProber{answers: []bool{false}}, &fakeLauncher{table: table})
	assert.False(t, s.IsRunning(context.Background()))

	table.add(3, &fakeProc{})
	assert.True(t, s.IsRunning(context.Background()), "process without API is still running")
}

func TestIsRunningNeedsMatchingProcess(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	s, _ := newTestSupervisor(t, table, &fakeProber{answers: []bool{true}}, &fakeLauncher{table: table})
	assert.False(t, s.IsRunning(context.Background()), "API alone is not a running engine")

	table.add(7, &fakeProc{})
	assert.True(t, s.IsRunning(context.Background()))
}

type brokenTable struct{ *fakeTable }

func (brokenTable) Matching(context.Context) ([]int32, error) {
	return nil, errors.New("permission denied")
}

func TestIsRunningFallsBackToProbe(t *testing.T) {
	t.Parallel()
	table := newFakeTable()
	s, _ := newTestSupervisor(t, table, &fakeProber{answers: []bool{true, false}}, &fakeLauncher{table: table})
	s.procs = brokenTable{table}
	assert.True(t, s.IsRunning(context.Background()))
	assert.False(t, s.IsRunning(context.Background()))
}
