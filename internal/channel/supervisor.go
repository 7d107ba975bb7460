// Package channel supervises the local secure-channel subprocess that makes
// an installed route usable: an `ssh -N -L` port-forward running under a
// pseudo-terminal.
//
// The pty lets the supervisor observe the ssh prompt stream and answer the
// first-connect host-key question, which a detached pipe would never see.
package channel

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/hpctools/slurmtunnel/internal/errors"
	"github.com/hpctools/slurmtunnel/internal/logging"
)

const hostKeyPrompt = "Are you sure you want to continue connecting"

// ForwardSpec describes one local port-forward channel.
type ForwardSpec struct {
	// LocalPort is the port to listen on locally.
	LocalPort int
	// RemotePort is the endpoint port on the far side of the route.
	RemotePort int
	// TargetAlias is the routing-file alias to connect through.
	TargetAlias string
}

// Supervisor starts and stops channel subprocesses.
type Supervisor struct {
	command   string
	stopGrace time.Duration
	log       *logging.Logger
}

// NewSupervisor returns a Supervisor launching channels with the given ssh
// command. stopGrace bounds how long Stop waits after the termination signal
// before force-killing.
func NewSupervisor(command string, stopGrace time.Duration, log *logging.Logger) *Supervisor {
	return &Supervisor{
		command:   command,
		stopGrace: stopGrace,
		log:       log.WithComponent("channel"),
	}
}

// Handle is one live channel subprocess.
type Handle struct {
	cmd       *exec.Cmd
	tty       *os.File
	done      chan struct{}
	stopOnce  sync.Once
	stopGrace time.Duration
	log       *logging.Logger
}

// Start launches the channel subprocess for spec and begins supervising it.
func (s *Supervisor) Start(ctx context.Context, spec ForwardSpec) (*Handle, error) {
	args := []string{
		"-N",
		"-L", fmt.Sprintf("%d:localhost:%d", spec.LocalPort, spec.RemotePort),
		spec.TargetAlias,
	}
	cmd := exec.CommandContext(ctx, s.command, args...)

	s.log.Info("starting channel subprocess",
		"command", s.command,
		"local_port", spec.LocalPort,
		"remote_port", spec.RemotePort,
		"alias", spec.TargetAlias,
	)

	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, errors.NewChannelError("failed to start subprocess", errors.ErrChannelLaunch).
			WithAlias(spec.TargetAlias)
	}

	h := &Handle{
		cmd:       cmd,
		tty:       tty,
		done:      make(chan struct{}),
		stopGrace: s.stopGrace,
		log:       s.log,
	}

	go h.pump()
	go func() {
		err := cmd.Wait()
		if err != nil {
			h.log.Debug("channel subprocess exited", "pid", cmd.Process.Pid, "error", err.Error())
		}
		close(h.done)
	}()

	return h, nil
}

// pump drains the pty, logging the subprocess output and answering the
// first-connect host-key prompt.
func (h *Handle) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := h.tty.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			h.log.Debug("channel output", "text", strings.TrimSpace(chunk))
			if strings.Contains(chunk, hostKeyPrompt) {
				if _, werr := h.tty.Write([]byte("yes\n")); werr != nil {
					h.log.Warn("failed to answer host-key prompt", "error", werr.Error())
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Alive reports whether the subprocess is still running. Non-blocking.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// PID returns the subprocess PID.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Stop terminates the subprocess: SIGTERM, a bounded grace period, then
// SIGKILL. Always succeeds from the caller's point of view; failures to
// stop an already-exited process are logged, not returned. Idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		defer h.tty.Close()

		if !h.Alive() {
			h.log.Debug("channel subprocess already exited", "pid", h.cmd.Process.Pid)
			return
		}

		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			h.log.Debug("termination signal failed", "pid", h.cmd.Process.Pid, "error", err.Error())
		}

		select {
		case <-h.done:
			h.log.Info("channel subprocess stopped", "pid", h.cmd.Process.Pid)
			return
		case <-time.After(h.stopGrace):
		}

		h.log.Warn("channel subprocess ignored termination signal, killing", "pid", h.cmd.Process.Pid)
		if err := h.cmd.Process.Kill(); err != nil {
			h.log.Warn("failed to kill channel subprocess", "pid", h.cmd.Process.Pid, "error", err.Error())
		}
		select {
		case <-h.done:
		case <-time.After(h.stopGrace):
			// Unkillable (e.g. stuck in uninterruptible IO); give up rather
			// than block teardown.
			h.log.Error("channel subprocess survived kill", "pid", h.cmd.Process.Pid)
		}
	})
}

// FreePort asks the kernel for an unused local TCP port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
