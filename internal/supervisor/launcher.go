package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Child is a spawned engine process.
type Child interface {
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done.
	Err() error
}

// Launcher spawns the engine.
type Launcher interface {
	Launch(ctx context.Context) (Child, error)
}

// ExecLauncher runs the engine's main script with an interpreter, appending
// its output to a log file.
type ExecLauncher struct {
	Python     string
	MainScript string
	Host       string
	Port       int
	OutputDir  string
	LowVRAM    bool
	CPU        bool
	ExtraArgs  []string
	LogPath    string
	Now        func() time.Time
}

// Args is the engine command line after the interpreter.
func (l *ExecLauncher) Args() []string {
	args := []string{l.MainScript, "--listen", l.Host, "--port", strconv.Itoa(l.Port)}
	if l.OutputDir != "" {
		args = append(args, "--output-directory", l.OutputDir)
	}
	if l.LowVRAM {
		args = append(args, "--lowvram")
	}
	if l.CPU {
		args = append(args, "--cpu")
	}
	return append(args, l.ExtraArgs...)
}

func (l *ExecLauncher) Launch(ctx context.Context) (Child, error) {
	if _, err := os.Stat(l.MainScript); err != nil {
		return nil, fmt.Errorf("engine main script: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create engine log dir: %w", err)
	}
	logFile, err := os.OpenFile(l.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open engine log: %w", err)
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	fmt.Fprintf(logFile, "\n===== engine start %s =====\n", now().UTC().Format(time.RFC3339))

	// Not CommandContext: the engine outlives the request that started it.
	cmd := exec.Command(l.Python, l.Args()...)
	cmd.Dir = filepath.Dir(l.MainScript)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	c := &execChild{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
	return c, nil
}

type execChild struct {
	pid  int
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (c *execChild) PID() int              { return c.pid }
func (c *execChild) Done() <-chan struct{} { return c.done }

func (c *execChild) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
