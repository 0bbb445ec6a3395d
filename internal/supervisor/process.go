package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessTable finds and signals engine processes.
type ProcessTable interface {
	Matching(ctx context.Context) ([]int32, error)
	Alive(ctx context.Context, pid int32) bool
	Terminate(ctx context.Context, pid int32) error
	Kill(ctx context.Context, pid int32) error
}

// SystemProcesses is the gopsutil-backed ProcessTable.
type SystemProcesses struct {
	script  string
	markers []string
	self    int32
}

// NewSystemProcesses matches processes whose command line names the engine's
// main script and carries at least one marker.
func NewSystemProcesses(mainScript string, markers []string) *SystemProcesses {
	return &SystemProcesses{
		script:  filepath.Base(mainScript),
		markers: markers,
		self:    int32(os.Getpid()),
	}
}

func (p *SystemProcesses) Matching(ctx context.Context) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, pr := range procs {
		if pr.Pid == p.self {
			continue
		}
		cmdline, err := pr.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if matchCmdline(cmdline, p.script, p.markers) && p.Alive(ctx, pr.Pid) {
			out = append(out, pr.Pid)
		}
	}
	return out, nil
}

// Alive treats zombies as gone.
func (p *SystemProcesses) Alive(ctx context.Context, pid int32) bool {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !exists {
		return false
	}
	pr, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	status, err := pr.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func (p *SystemProcesses) Terminate(ctx context.Context, pid int32) error {
	return p.signal(ctx, pid, syscall.SIGTERM)
}

func (p *SystemProcesses) Kill(ctx context.Context, pid int32) error {
	return p.signal(ctx, pid, syscall.SIGKILL)
}

func (p *SystemProcesses) signal(ctx context.Context, pid int32, sig syscall.Signal) error {
	pr, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return pr.SendSignalWithContext(ctx, sig)
}

func matchCmdline(cmdline, script string, markers []string) bool {
	lc := strings.ToLower(cmdline)
	if script != "" && !strings.Contains(lc, strings.ToLower(script)) {
		return false
	}
	if len(markers) == 0 {
		return true
	}
	for _, m := range markers {
		if m != "" && strings.Contains(lc, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
