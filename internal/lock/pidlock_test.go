package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/musebatch/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAcquirePIDLockWritesOwner(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "queue.json.lock")
	l, err := AcquirePIDLock(lockPath, t0)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, strconv.Itoa(os.Getpid()), lines[0])
	assert.Equal(t, "2026-03-01T12:00:00Z", lines[1])

	owner, err := ReadOwner(lockPath)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, os.Getpid(), owner.PID)
	assert.True(t, owner.AcquiredAt.Equal(t0))
}

func TestAcquirePIDLockExclusive(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "coordinator.lock")
	first, err := AcquirePIDLock(lockPath, t0)
	require.NoError(t, err)

	_, err = AcquirePIDLock(lockPath, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockUnavailable))

	var held *HeldError
	require.True(t, errors.As(err, &held))
	require.NotNil(t, held.Owner)
	assert.Equal(t, os.Getpid(), held.Owner.PID)

	require.NoError(t, first.Release())

	second, err := AcquirePIDLock(lockPath, t0)
	require.NoError(t, err, "lock should be free after release")
	assert.False(t, second.Reclaimed(), "clean release leaves no stale owner")
	require.NoError(t, second.Release())
}

func TestWaitPIDLockTimesOut(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "queue.json.lock")
	holder, err := AcquirePIDLock(lockPath, t0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Release() })

	clk := testutil.NewFakeClock(t0)
	_, err = WaitPIDLock(context.Background(), lockPath, 300*time.Second, 100*time.Millisecond, clk)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockUnavailable))
	assert.GreaterOrEqual(t, clk.Elapsed(), 300*time.Second)
	assert.Contains(t, err.Error(), "waited")
}

func TestWaitPIDLockAcquiresAfterRelease(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "queue.json.lock")
	holder, err := AcquirePIDLock(lockPath, t0)
	require.NoError(t, err)

	clk := testutil.NewFakeClock(t0)
	polls := 0
	clk.OnSleep = func(time.Time) {
		polls++
		if polls == 3 {
			_ = holder.Release()
		}
	}

	l, err := WaitPIDLock(context.Background(), lockPath, time.Minute, 100*time.Millisecond, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })
	assert.Equal(t, 3, polls)
}

func TestWaitPIDLockHonoursContext(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "queue.json.lock")
	holder, err := AcquirePIDLock(lockPath, t0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Release() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = WaitPIDLock(ctx, lockPath, time.Minute, time.Second, testutil.NewFakeClock(t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestReclaimedDetectsDeadOwner(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "coordinator.lock")
	host, _ := os.Hostname()
	// PID well above any default pid_max.
	stale := fmt.Sprintf("%d\n%s\n%s\n", 1<<30, t0.Format(time.RFC3339), host)
	require.NoError(t, os.WriteFile(lockPath, []byte(stale), 0o644))

	l, err := AcquirePIDLock(lockPath, t0.Add(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	require.NotNil(t, l.Previous())
	assert.Equal(t, 1<<30, l.Previous().PID)
	assert.True(t, l.Reclaimed())
}

func TestReadOwnerMissingFile(t *testing.T) {
	t.Parallel()

	owner, err := ReadOwner(filepath.Join(t.TempDir(), "absent.lock"))
	require.NoError(t, err)
	assert.Nil(t, owner)
}
