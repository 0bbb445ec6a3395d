package lock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/musebatch/internal/clock"
)

// ErrLockUnavailable is returned when another holder keeps the lock.
var ErrLockUnavailable = errors.New("lock unavailable")

// Owner is the record written into a held lock file.
type Owner struct {
	PID        int
	AcquiredAt time.Time
	Hostname   string
}

// HeldError reports who holds a lock we could not take.
type HeldError struct {
	Path   string
	Owner  *Owner
	Waited time.Duration
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("lock %s is held", e.Path)
	if e.Owner != nil && e.Owner.PID > 0 {
		msg += fmt.Sprintf(" by pid %d", e.Owner.PID)
		if !e.Owner.AcquiredAt.IsZero() {
			msg += " since " + e.Owner.AcquiredAt.Format(time.RFC3339)
		}
	}
	if e.Waited > 0 {
		msg += fmt.Sprintf(" (waited %s)", e.Waited.Round(time.Millisecond))
	}
	return msg
}

func (e *HeldError) Unwrap() error { return ErrLockUnavailable }

// PIDLock is an exclusive lock implemented via a PID file + flock(2).
// Keep the lock alive by keeping the file descriptor open.
type PIDLock struct {
	path string
	f    *os.File

	// previous is the owner record found in the file at acquisition time.
	previous *Owner
}

// AcquirePIDLock acquires an exclusive non-blocking lock at lockPath, writes
// the owner record into the file, and returns a handle that must be released.
func AcquirePIDLock(lockPath string, now time.Time) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			owner, _ := ReadOwner(lockPath)
			return nil, &HeldError{Path: lockPath, Owner: owner}
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	previous, _ := ReadOwner(lockPath)

	fail := func(step string, err error) (*PIDLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate lock file", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek lock file", err)
	}
	host, _ := os.Hostname()
	if _, err := fmt.Fprintf(f, "%d\n%s\n%s\n", os.Getpid(), now.UTC().Format(time.RFC3339), host); err != nil {
		return fail("write pid", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync lock file", err)
	}

	return &PIDLock{path: lockPath, f: f, previous: previous}, nil
}

// WaitPIDLock polls AcquirePIDLock every poll interval until it succeeds,
// ctx is done, or timeout elapses. On timeout the returned error wraps
// ErrLockUnavailable.
func WaitPIDLock(ctx context.Context, lockPath string, timeout, poll time.Duration, clk clock.Clock) (*PIDLock, error) {
	clk = clock.OrReal(clk)
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	start := clk.Now()
	for {
		l, err := AcquirePIDLock(lockPath, clk.Now())
		if err == nil {
			return l, nil
		}
		var held *HeldError
		if !errors.As(err, &held) {
			return nil, err
		}
		waited := clk.Now().Sub(start)
		if waited >= timeout {
			held.Waited = waited
			return nil, held
		}
		if err := clk.Sleep(ctx, poll); err != nil {
			return nil, fmt.Errorf("wait for lock %s: %w", lockPath, err)
		}
	}
}

// ReadOwner parses the owner record of a lock file. A missing or empty file
// yields (nil, nil).
func ReadOwner(lockPath string) (*Owner, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(lines) < 3 {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 || lines[0] == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, fmt.Errorf("parse pid %q: %w", lines[0], err)
	}
	owner := &Owner{PID: pid}
	if len(lines) > 1 {
		if ts, err := time.Parse(time.RFC3339, lines[1]); err == nil {
			owner.AcquiredAt = ts
		}
	}
	if len(lines) > 2 {
		owner.Hostname = lines[2]
	}
	return owner, nil
}

// ProcessAlive reports whether pid names a live process on this host.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (l *PIDLock) Path() string { return l.path }

// Previous is the owner record left in the file before we took the lock.
func (l *PIDLock) Previous() *Owner { return l.previous }

// Reclaimed reports whether the lock file still named a dead holder, i.e. a
// previous owner exited without releasing cleanly.
func (l *PIDLock) Reclaimed() bool {
	if l.previous == nil || l.previous.PID == os.Getpid() {
		return false
	}
	host, _ := os.Hostname()
	if l.previous.Hostname != "" && l.previous.Hostname != host {
		return true
	}
	return !ProcessAlive(l.previous.PID)
}

// Release clears the owner record and drops the lock. The file itself stays
// so that waiters blocked on the same inode are not stranded.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
