package textgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

const (
	maxStderrBytes = 64 * 1024
	maxStdoutBytes = 4 << 20

	terminationGracePeriod = 5 * time.Second
)

// LlamaCLI runs llama.cpp's llama-cli once per instruction.
type LlamaCLI struct {
	Binary      string
	Model       string
	ContextSize int
	MaxTokens   int
	GPULayers   int
	Threads     int
	Temperature float64
	TopP        float64
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Args is the llama-cli argument list for one call.
func (l *LlamaCLI) Args(instruction string, p Params) []string {
	args := []string{
		"-m", l.Model,
		"-c", strconv.Itoa(l.ContextSize),
		"-n", strconv.Itoa(pick(p.MaxTokens, l.MaxTokens)),
		"-ngl", strconv.Itoa(l.GPULayers),
		"--temp", strconv.FormatFloat(pick(p.Temperature, l.Temperature), 'f', -1, 64),
		"--top_p", strconv.FormatFloat(pick(p.TopP, l.TopP), 'f', -1, 64),
		"--no-conversation",
		"--no-display-prompt",
	}
	if l.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(l.Threads))
	}
	return append(args, "-p", instruction)
}

func (l *LlamaCLI) Generate(ctx context.Context, instruction string, p Params) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	binary := l.Binary
	if binary == "" {
		binary = "llama-cli"
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Not CommandContext: termination is SIGTERM first, then SIGKILL.
	cmd := exec.Command(binary, l.Args(instruction, p)...)
	stdout := &cappedBuffer{max: maxStdoutBytes}
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning llama-cli", "binary", binary, "model", l.Model, "timeout", timeout)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start llama-cli: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var cause error
	select {
	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return "", fmt.Errorf("llama-cli exited with status %d: %s", exitErr.ExitCode(), stderr.String())
			}
			return "", fmt.Errorf("wait for llama-cli: %w", err)
		}
		out := cleanOutput(stdout.String())
		if out == "" {
			return "", ErrEmptyOutput
		}
		logger.Info("text generated", "chars", len(out), "elapsed", time.Since(started).Round(time.Millisecond).String())
		return out, nil
	case <-timer.C:
		cause = fmt.Errorf("%w after %s", ErrGenerationTimeout, timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	logger.Warn("stopping llama-cli, sending SIGTERM", "reason", cause)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}
	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-waitErr:
	case <-grace.C:
		logger.Warn("llama-cli did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
	return "", cause
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[truncated]"
	}
	return c.buf.String()
}
