// Package process spawns and signals child instances and reports their exit
// code; the terminal state is selected from that code and the termination
// intent by instance.TerminalFromExit.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/tarotech/taro/internal/instance"
	"github.com/tarotech/taro/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "process")

// ErrSpawnFailure wraps the underlying error from a failed child spawn.
var ErrSpawnFailure = errors.New("spawn failure")

// LimitEnforcer places a spawned process group's PID under a resource
// constraint, per SPEC_FULL.md §4.11. A nil LimitEnforcer (or the no-op
// returned by cgroup.Disabled) means instances run unconfined.
type LimitEnforcer interface {
	Enforce(limits *instance.ResourceLimits, pid int) error
}

// Handle is a live child process. The zero value is not usable.
type Handle struct {
	cmd *exec.Cmd
	pid int
}

// PID returns the child's (and process group leader's) PID.
func (h *Handle) PID() int { return h.pid }

// Runner spawns children in their own process group, so the whole tree can
// be signaled together. It does not track termination intent; the caller
// records that on the instance before signaling.
type Runner struct {
	limits LimitEnforcer
}

// New creates a Runner. limits may be nil.
func New(limits LimitEnforcer) *Runner {
	return &Runner{limits: limits}
}

// Start spawns cmd in a new process group and returns a Handle plus pipes
// for its stdout/stderr. On failure, the returned error wraps
// ErrSpawnFailure.
func (r *Runner) Start(cmd instance.Command, rl *instance.ResourceLimits) (*Handle, io.ReadCloser, io.ReadCloser, error) {
	c := exec.Command(cmd.Name, cmd.Args...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: stdout pipe: %s", ErrSpawnFailure, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: stderr pipe: %s", ErrSpawnFailure, err)
	}

	if err := c.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrSpawnFailure, err)
	}

	h := &Handle{cmd: c, pid: c.Process.Pid}

	if r.limits != nil && rl != nil {
		if err := r.limits.Enforce(rl, h.pid); err != nil {
			// Non-fatal: the instance still runs, just unconfined. Resource
			// limiting is a best-effort addition layered on top of the core
			// lifecycle, not a reason to fail an otherwise-successful spawn.
			logger.Warnf("enforce resource limits; pid: %d, error: %s", h.pid, err)
		}
	}

	return h, stdout, stderr, nil
}

// Stop sends the platform's graceful termination signal to the whole process
// group.
func (r *Runner) Stop(h *Handle) error {
	return signalGroup(h, syscall.SIGTERM)
}

// Interrupt sends the platform's interrupt signal to the whole process
// group.
func (r *Runner) Interrupt(h *Handle) error {
	return signalGroup(h, syscall.SIGINT)
}

func signalGroup(h *Handle, sig syscall.Signal) error {
	if err := syscall.Kill(-h.pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group %d: %w", h.pid, err)
	}
	return nil
}

// Await blocks until the child exits, returning its exit code. A negative
// exit code indicates the child was terminated by a signal rather than
// exiting normally.
func (r *Runner) Await(h *Handle) (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("await child: %w", err)
}
