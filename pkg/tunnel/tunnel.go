package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/types"
)

// RemoteBindPort is the hub-side port the reverse tunnel binds; the
// upstream gateway maps it to the public address handed to the remote user.
const RemoteBindPort = 2210

// closeGrace is how long Close waits after SIGINT before SIGKILL.
const closeGrace = 5 * time.Second

// Request describes one reverse tunnel to open.
type Request struct {
	WDID        string
	InstanceID  string
	Hub         types.TunnelHub
	LocalTarget string // host:port of the container's SSH
	KeyPath     string // identity file for the hub connection
}

// Tunnel is a supervised ssh child holding one reverse forward.
type Tunnel struct {
	Req Request

	cmd    *exec.Cmd
	done   chan struct{}
	closed atomic.Bool
}

// Manager launches and supervises tunnel children. Loss of a child before
// Close is reported through the onLost callback, which owners use to post a
// TunnelLost event into their inbox.
type Manager struct {
	onLost func(*Tunnel)

	// CommandFunc builds the child invocation; it defaults to the ssh
	// reverse-forward command and exists as a seam for substitutes.
	CommandFunc func(Request) *exec.Cmd

	mu   sync.Mutex
	open map[*Tunnel]struct{}
}

// NewManager creates a manager. onLost may be nil.
func NewManager(onLost func(*Tunnel)) *Manager {
	return &Manager{
		onLost:     onLost,
		CommandFunc: sshCommand,
		open:       make(map[*Tunnel]struct{}),
	}
}

func sshCommand(req Request) *exec.Cmd {
	args := []string{
		"-o", "ServerAliveInterval=10",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-T", "-N",
		"-R", fmt.Sprintf(":%d:%s", RemoteBindPort, req.LocalTarget),
		"-i", req.KeyPath,
		"-p", fmt.Sprintf("%d", req.Hub.Port),
		fmt.Sprintf("%s@%s", req.Hub.User, req.Hub.Host),
	}
	return exec.Command("ssh", args...)
}

// Open starts the tunnel child. The child dials outward to the hub; the
// upstream confirms end-to-end reachability, so liveness here is process
// existence only.
func (m *Manager) Open(ctx context.Context, req Request) (*Tunnel, error) {
	cmd := m.CommandFunc(req)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTunnelOpenFailed, err)
	}

	t := &Tunnel{
		Req:  req,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.open[t] = struct{}{}
	m.mu.Unlock()

	go m.watch(t)

	logger := log.For("tunnel")
	logger.Info().
		Str("wdid", req.WDID).
		Str("instance_id", req.InstanceID).
		Str("target", req.LocalTarget).
		Str("hub", req.Hub.Host).
		Str("hub_hostkey", req.Hub.HostKey).
		Msg("tunnel child started")
	return t, nil
}

func (m *Manager) watch(t *Tunnel) {
	err := t.cmd.Wait()
	close(t.done)

	m.mu.Lock()
	delete(m.open, t)
	m.mu.Unlock()

	if t.closed.Load() {
		return
	}
	logger := log.For("tunnel")
	logger.Warn().
		Err(err).
		Str("instance_id", t.Req.InstanceID).
		Msg("tunnel child exited unexpectedly")
	if m.onLost != nil {
		m.onLost(t)
	}
}

// Close terminates the child: SIGINT, then SIGKILL after a grace period.
// Closing an already-dead tunnel is a no-op.
func (m *Manager) Close(t *Tunnel) {
	if t == nil || !t.closed.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}

	t.cmd.Process.Signal(syscall.SIGINT)
	select {
	case <-t.done:
	case <-time.After(closeGrace):
		t.cmd.Process.Kill()
		<-t.done
	}
}

// CloseAll terminates every open tunnel; used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.open))
	for t := range m.open {
		tunnels = append(tunnels, t)
	}
	m.mu.Unlock()
	for _, t := range tunnels {
		m.Close(t)
	}
}

// Alive reports whether the child process still exists.
func (t *Tunnel) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the child exits.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}
