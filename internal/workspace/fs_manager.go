// Package workspace manages the per-batch scratch directories the job
// builder writes generated text and intermediate files into.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is one batch's scratch directory.
type Workspace struct {
	BatchID string
	Dir     string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// FSManager keeps one directory per batch under a base directory.
type FSManager struct {
	baseDir string
}

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*FSManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &FSManager{baseDir: filepath.Clean(trimmed)}, nil
}

func (m *FSManager) BaseDir() string { return m.baseDir }

// Create makes an empty workspace for batchID. A leftover from an earlier
// attempt at the same batch is replaced.
func (m *FSManager) Create(ctx context.Context, batchID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(batchID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return Workspace{}, fmt.Errorf("remove stale workspace for batch %q: %w", batchID, err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for batch %q: %w", batchID, err)
	}

	return Workspace{BatchID: batchID, Dir: path}, nil
}

// Remove deletes batchID's workspace. A missing workspace is not an error.
func (m *FSManager) Remove(batchID string) error {
	path, err := m.workspacePath(batchID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace for batch %q: %w", batchID, err)
	}
	return nil
}

// Cleanup removes every workspace directory. Callers hold the coordinator
// lock, so anything left here belongs to a run that died.
func (m *FSManager) Cleanup(ctx context.Context) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	report := CleanupReport{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *FSManager) workspacePath(batchID string) (string, error) {
	if err := validateBatchID(batchID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, batchID), nil
}

func validateBatchID(batchID string) error {
	trimmed := strings.TrimSpace(batchID)
	if trimmed == "" {
		return fmt.Errorf("batch id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("batch id %q is invalid", batchID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("batch id %q must not contain path separators", batchID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("batch id %q is invalid", batchID)
	}
	return nil
}
