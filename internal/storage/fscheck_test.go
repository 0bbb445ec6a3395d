package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateLocalPathWithDetector_AllowsLocalFS(t *testing.T) {
	t.Parallel()

	queuePath := filepath.Join(t.TempDir(), "batch_queue.json")
	err := validateLocalPathWithDetector(queuePath, "queue", func(path string) (string, error) {
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestValidateLocalPathWithDetector_RejectsNetworkFS(t *testing.T) {
	t.Parallel()

	queuePath := filepath.Join(t.TempDir(), "batch_queue.json")
	err := validateLocalPathWithDetector(queuePath, "queue", func(path string) (string, error) {
		return "nfs", nil
	})
	if err == nil {
		t.Fatal("expected network filesystem validation error")
	}

	msg := err.Error()
	for _, want := range []string{"nfs", "requires a local filesystem", "queue.path"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to contain %q, got %q", want, msg)
		}
	}
}

func TestValidateLocalPathWithDetector_UsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "history.db")

	var inspectedPath string
	err := validateLocalPathWithDetector(dbPath, "history", func(path string) (string, error) {
		inspectedPath = path
		return "xfs", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}

	if inspectedPath != root {
		t.Fatalf("expected detector to inspect nearest existing path %q, got %q", root, inspectedPath)
	}
}

func TestValidateLocalPathEmpty(t *testing.T) {
	t.Parallel()

	if err := ValidateLocalPath("", "queue"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fs   string
		want bool
	}{
		{name: "nfs", fs: "nfs", want: true},
		{name: "smbfs uppercase", fs: "SMBFS", want: true},
		{name: "sshfs", fs: "fuse.sshfs", want: true},
		{name: "local ext4", fs: "ext4", want: false},
		{name: "hex linux magic", fs: "0x6969", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := isNetworkFilesystem(tc.fs)
			if got != tc.want {
				t.Fatalf("isNetworkFilesystem(%q)=%v, want %v", tc.fs, got, tc.want)
			}
		})
	}
}
