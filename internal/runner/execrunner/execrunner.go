// Package execrunner implements runner.Backend by spawning the assistant
// as a plain OS subprocess (component D's primary backend, spec §4.3).
// Grounded on the teacher's os/exec usage throughout agent/lifecycle and
// worktree managers; the SIGTERM/SIGKILL-with-grace-window idiom is
// adapted from lifecycle/manager.go's StopAgent.
package execrunner

import (
	"context"
	"io"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/phillipcheng/claude-task-automation-server/internal/runner"
)

// Backend spawns the assistant as a direct child process, in its own
// process group so Interrupt/Kill can address the whole tree (a CLI
// assistant may itself spawn subprocesses for tool execution).
type Backend struct{}

// New creates an execrunner Backend.
func New() *Backend { return &Backend{} }

type process struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

var _ runner.Backend = (*Backend)(nil)
var _ runner.Process = (*process)(nil)

func (b *Backend) Start(ctx context.Context, spec runner.Spec) (runner.Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &process{cmd: cmd, stdout: stdout}, nil
}

func (p *process) PID() string {
	if p.cmd.Process == nil {
		return ""
	}
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *process) Stdout() io.Reader { return p.stdout }

// Interrupt signals the whole process group so any child tool processes
// the assistant spawned are also asked to stop.
func (p *process) Interrupt() error {
	if p.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGINT)
}

func (p *process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *process) Wait() error {
	return p.cmd.Wait()
}
