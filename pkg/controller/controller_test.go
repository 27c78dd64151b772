package controller

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

func TestMain(m *testing.M) {
	log.Setup("error", false, nil)
	os.Exit(m.Run())
}

type execResult struct {
	code   int
	stderr string
	err    error
}

type fakeProvider struct {
	mu          sync.Mutex
	execLog     []string
	execResults map[string]execResult
	createErr   error
	startErr    error
	createBlock chan struct{}
	createBegan chan struct{}
	healthy     bool
	stopCalls   int
	removeCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		execResults: make(map[string]execResult),
		healthy:     true,
	}
}

func (p *fakeProvider) Kind() types.CProviderKind { return types.CProviderDocker }

func (p *fakeProvider) Create(ctx context.Context, wd *types.WDeployment, name string) (*cprovider.Handle, error) {
	p.mu.Lock()
	began := p.createBegan
	block := p.createBlock
	err := p.createErr
	p.mu.Unlock()
	if began != nil {
		select {
		case began <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &cprovider.Handle{Kind: types.CProviderDocker, Name: name}, nil
}

func (p *fakeProvider) Start(ctx context.Context, wd *types.WDeployment, h *cprovider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	h.Addr = "172.17.0.2"
	h.Port = 22
	h.HostKey = "ecdsa-sha2-nistp256 AAAAE2VjZHNh container"
	return nil
}

func (p *fakeProvider) Stop(ctx context.Context, h *cprovider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	return nil
}

func (p *fakeProvider) Remove(ctx context.Context, h *cprovider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeCalls++
	return nil
}

func (p *fakeProvider) ExecInside(ctx context.Context, h *cprovider.Handle, cmd string) (int, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execLog = append(p.execLog, cmd)
	res, ok := p.execResults[cmd]
	if !ok {
		return 0, nil, nil
	}
	return res.code, []byte(res.stderr), res.err
}

func (p *fakeProvider) Healthy(ctx context.Context, h *cprovider.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *fakeProvider) Pull(ctx context.Context, image string) error { return nil }

func (p *fakeProvider) ListStale(ctx context.Context, namePrefix string) ([]string, error) {
	return nil, nil
}

func (p *fakeProvider) setHealthy(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = v
}

func (p *fakeProvider) execs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.execLog...)
}

type fakeSender struct {
	mu     sync.Mutex
	frames []*types.Frame
}

func (s *fakeSender) Send(f *types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) stateFrames() []*types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Frame
	for _, f := range s.frames {
		if f.Cmd == types.CmdState {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSender) countState(state types.InstanceState) int {
	n := 0
	for _, f := range s.stateFrames() {
		if f.State == state {
			n++
		}
	}
	return n
}

func (s *fakeSender) lastReject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Reject != "" {
			return s.frames[i].Reject
		}
	}
	return ""
}

func (s *fakeSender) findState(state types.InstanceState) *types.Frame {
	for _, f := range s.stateFrames() {
		if f.State == state {
			return f
		}
	}
	return nil
}

type harness struct {
	t        *testing.T
	ctrl     *Controller
	provider *fakeProvider
	sender   *fakeSender
	store    *config.Store
	wd       *types.WDeployment
	cancel   context.CancelFunc
}

func testParams() *config.Params {
	return &config.Params{
		AdminReplyTimeout:    time.Second,
		ImagePullDeadline:    5 * time.Second,
		CreateTimeout:        5 * time.Second,
		ScriptTimeout:        2 * time.Second,
		ContainerStopTimeout: 2 * time.Second,
		TunnelOpenTimeout:    2 * time.Second,
		HeartbeatInterval:    time.Second,
		ReconnectBase:        time.Millisecond,
		ReconnectCap:         10 * time.Millisecond,
		TransportCutoff:      time.Minute,
		ShutdownDeadline:     5 * time.Second,
	}
}

func newHarness(t *testing.T, wd *types.WDeployment) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Version:      config.SchemaVersion,
		SSHKey:       filepath.Join(dir, "tunkey"),
		WDeployments: []*types.WDeployment{wd},
	}
	data, err := yaml.Marshal(&cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.yaml"), data, 0600))

	store := config.NewStore(dir)
	require.NoError(t, store.Load())

	provider := newFakeProvider()
	sender := &fakeSender{}

	var ctrl *Controller
	mgr := tunnel.NewManager(func(tn *tunnel.Tunnel) { ctrl.TunnelLost(tn) })
	mgr.CommandFunc = func(tunnel.Request) *exec.Cmd { return exec.Command("sleep", "600") }

	ctrl = New(wd.ID, store, testParams(), provider, mgr, sender, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("controller did not stop")
		}
		mgr.CloseAll()
	})

	return &harness{t: t, ctrl: ctrl, provider: provider, sender: sender, store: store, wd: wd, cancel: cancel}
}

func proxyWD() *types.WDeployment {
	return &types.WDeployment{
		ID:            "b47cd57c-833b-47c1-964d-79e5e6f00dba",
		Owner:         "scott",
		CProvider:     types.CProviderDocker,
		Image:         "rerobots/hs-generic:x86_64-latest",
		ContainerName: "rrc",
	}
}

func acquire(instanceID string) *types.Frame {
	return &types.Frame{
		Cmd:        types.CmdAcquire,
		InstanceID: instanceID,
		ConnType:   types.ConnProxy,
		PublicKey:  "ssh-ed25519 AAAA test",
	}
}

func (h *harness) waitState(state types.InstanceState) *types.Frame {
	h.t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if f := h.sender.findState(state); f != nil {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("no STATE{%s} frame observed", state)
	return nil
}

func (h *harness) waitReject(code string) {
	h.t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if h.sender.lastReject() == code {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("no STATE{reject=%s} frame observed", code)
}

func (h *harness) status() Status {
	h.t.Helper()
	req := NewAdminRequest("status", nil)
	h.ctrl.Submit(req)
	select {
	case reply := <-req.Reply:
		require.True(h.t, reply.OK)
		return reply.Payload.(Status)
	case <-time.After(10 * time.Second):
		h.t.Fatal("status request timed out")
		return Status{}
	}
}

func (h *harness) waitIdle() {
	h.t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if h.status().State == types.StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatal("controller never returned to IDLE")
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, proxyWD())

	h.ctrl.Deliver(acquire("i-1"))
	h.waitState(types.StateReady)

	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdRelease, InstanceID: "i-1"})
	f := h.waitState(types.StateTerminated)
	assert.Equal(t, types.ReasonRelease, f.Detail)
	h.waitIdle()

	wd, err := h.store.FindWD(h.wd.ID)
	require.NoError(t, err)
	assert.False(t, wd.Locked)

	// Monotonic prefix of the state machine path.
	var seq []types.InstanceState
	for _, fr := range h.sender.stateFrames() {
		seq = append(seq, fr.State)
	}
	assert.Equal(t, []types.InstanceState{
		types.StateInit, types.StateReady, types.StateTerminating, types.StateTerminated,
	}, seq)
}

func TestInitCommandFailureLocksWD(t *testing.T) {
	wd := proxyWD()
	wd.InitInside = []string{"/bin/false"}
	h := newHarness(t, wd)
	h.provider.mu.Lock()
	h.provider.execResults["/bin/false"] = execResult{code: 1}
	h.provider.mu.Unlock()

	h.ctrl.Deliver(acquire("i-1"))
	f := h.waitState(types.StateInitFail)
	assert.Equal(t, "init_cmd_exit=1", f.Detail)

	h.waitIdle()
	got, err := h.store.FindWD(wd.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked)

	// INIT_FAIL is terminal for the instance: a fresh ACQUIRE is rejected
	// while the lock stands.
	h.ctrl.Deliver(acquire("i-2"))
	h.waitReject(types.RejectLocked)
}

func TestBusyRejection(t *testing.T) {
	h := newHarness(t, proxyWD())
	h.provider.mu.Lock()
	h.provider.createBlock = make(chan struct{})
	h.provider.createBegan = make(chan struct{}, 1)
	h.provider.mu.Unlock()

	h.ctrl.Deliver(acquire("i-1"))
	select {
	case <-h.provider.createBegan:
	case <-time.After(10 * time.Second):
		t.Fatal("create never started")
	}

	h.ctrl.Deliver(acquire("i-2"))
	h.waitReject(types.RejectBusy)

	close(h.provider.createBlock)
	h.waitState(types.StateReady)
	assert.Equal(t, "i-1", h.status().InstanceID)
}

func TestLockedRejection(t *testing.T) {
	wd := proxyWD()
	wd.Locked = true
	h := newHarness(t, wd)

	h.ctrl.Deliver(acquire("i-1"))
	h.waitReject(types.RejectLocked)
	assert.Equal(t, types.StateIdle, h.status().State)
}

func TestReleaseDuringInitSkipsRemainingCommands(t *testing.T) {
	wd := proxyWD()
	wd.InitInside = []string{"echo one", "echo two"}
	h := newHarness(t, wd)
	h.provider.mu.Lock()
	h.provider.createBlock = make(chan struct{})
	h.provider.createBegan = make(chan struct{}, 1)
	h.provider.mu.Unlock()

	h.ctrl.Deliver(acquire("i-1"))
	select {
	case <-h.provider.createBegan:
	case <-time.After(10 * time.Second):
		t.Fatal("create never started")
	}

	// RELEASE lands while the container-create sub-step is in flight. The
	// status round trip goes through the inbox behind the RELEASE, so the
	// controller has taken the RELEASE before the create is let finish.
	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdRelease, InstanceID: "i-1"})
	h.status()
	close(h.provider.createBlock)

	h.waitState(types.StateTerminated)
	h.waitIdle()

	for _, cmd := range h.provider.execs() {
		assert.NotContains(t, cmd, "echo", "init command ran despite release during INIT")
	}
	assert.Nil(t, h.sender.findState(types.StateReady), "instance must not reach READY")
}

func TestIdempotentRelease(t *testing.T) {
	h := newHarness(t, proxyWD())

	h.ctrl.Deliver(acquire("i-1"))
	h.waitState(types.StateReady)

	for i := 0; i < 3; i++ {
		h.ctrl.Deliver(&types.Frame{Cmd: types.CmdRelease, InstanceID: "i-1"})
	}
	h.waitState(types.StateTerminated)
	h.waitIdle()

	assert.Equal(t, 1, h.sender.countState(types.StateTerminating))
	assert.Equal(t, 1, h.sender.countState(types.StateTerminated))
}

func TestVerifyEscalatesAfterTwoFailures(t *testing.T) {
	h := newHarness(t, proxyWD())

	h.ctrl.Deliver(acquire("i-1"))
	h.waitState(types.StateReady)

	h.provider.setHealthy(false)

	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdVerify, InstanceID: "i-1"})
	time.Sleep(100 * time.Millisecond)
	// Still READY after one failure: one retry is preserved.
	assert.Zero(t, h.sender.countState(types.StateTerminating),
		"terminated after a single verify failure")

	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdVerify, InstanceID: "i-1"})
	f := h.waitState(types.StateTerminating)
	assert.Equal(t, types.ReasonVerifyFail, f.Detail)
	h.waitIdle()
}

func TestVerifySuccessResetsFailureCount(t *testing.T) {
	h := newHarness(t, proxyWD())

	h.ctrl.Deliver(acquire("i-1"))
	h.waitState(types.StateReady)

	h.provider.setHealthy(false)
	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdVerify, InstanceID: "i-1"})
	time.Sleep(50 * time.Millisecond)

	h.provider.setHealthy(true)
	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdVerify, InstanceID: "i-1"})
	time.Sleep(50 * time.Millisecond)

	h.provider.setHealthy(false)
	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdVerify, InstanceID: "i-1"})
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, h.sender.countState(types.StateTerminating),
		"a success between failures must reset the escalation counter")
}

func TestTerminateScriptFailureLocksWD(t *testing.T) {
	wd := proxyWD()
	wd.Terminate = []string{"/bin/cleanup"}
	h := newHarness(t, wd)
	h.provider.mu.Lock()
	h.provider.execResults["/bin/cleanup"] = execResult{code: 3, stderr: "cleanup wedged"}
	h.provider.mu.Unlock()

	h.ctrl.Deliver(acquire("i-1"))
	h.waitState(types.StateReady)
	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdRelease, InstanceID: "i-1"})
	h.waitState(types.StateTerminated)
	h.waitIdle()

	got, err := h.store.FindWD(wd.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked)

	// Lockout & recovery: unlock clears the flag and the next acquire runs.
	req := NewAdminRequest("unlock", nil)
	h.ctrl.Submit(req)
	reply := <-req.Reply
	require.True(t, reply.OK)

	h.provider.mu.Lock()
	delete(h.provider.execResults, "/bin/cleanup")
	h.provider.mu.Unlock()

	h.ctrl.Deliver(acquire("i-2"))
	h.waitState(types.StateReady)
}

func TestCapabilityRulesGateAcquire(t *testing.T) {
	h := newHarness(t, proxyWD())

	// Default-deny when the acquire names a subject and no rule matches.
	f := acquire("i-1")
	f.Subject = "mallory"
	h.ctrl.Deliver(f)
	h.waitReject(types.RejectDenied)

	h.ctrl.Deliver(&types.Frame{
		Cmd:   types.CmdControlRule,
		Rules: []types.CapabilityRule{{Subject: "mallory", Action: types.CapInstantiate, Allow: true}},
	})

	f2 := acquire("i-2")
	f2.Subject = "mallory"
	h.ctrl.Deliver(f2)
	h.waitState(types.StateReady)
}

func TestSSHTunnelLifecycle(t *testing.T) {
	h := newHarness(t, proxyWD())

	f := &types.Frame{
		Cmd:        types.CmdAcquire,
		InstanceID: "i-1",
		ConnType:   types.ConnSSHTun,
		PublicKey:  "ssh-ed25519 AAAA remote",
		Tunnel:     &types.TunnelHub{Host: "hub.example.net", Port: 2200, User: "hs"},
	}
	h.ctrl.Deliver(f)
	ready := h.waitState(types.StateReady)
	assert.Equal(t, "ecdsa-sha2-nistp256 AAAAE2VjZHNh container", ready.HostKey,
		"READY frame must carry the container host key")

	// The authorized key was injected inside the container.
	found := false
	for _, cmd := range h.provider.execs() {
		if strings.Contains(cmd, "authorized_keys") {
			found = true
		}
	}
	assert.True(t, found, "authorized_keys injection did not run")

	h.ctrl.Deliver(&types.Frame{Cmd: types.CmdRelease, InstanceID: "i-1"})
	h.waitState(types.StateTerminated)
	h.waitIdle()
}

func TestExpiryTerminatesInstance(t *testing.T) {
	h := newHarness(t, proxyWD())

	f := acquire("i-1")
	f.Expiry = 1
	h.ctrl.Deliver(f)
	h.waitState(types.StateReady)

	term := h.waitState(types.StateTerminating)
	assert.Equal(t, types.ReasonExpire, term.Detail)
	h.waitIdle()
}

func TestTunnelLossTerminates(t *testing.T) {
	h := newHarness(t, proxyWD())

	// Tunnel child exits immediately after open.
	var once sync.Once
	h.ctrl.tunnels.CommandFunc = func(tunnel.Request) *exec.Cmd {
		cmd := exec.Command("sleep", "600")
		once.Do(func() { cmd = exec.Command("sleep", "0.2") })
		return cmd
	}

	f := &types.Frame{
		Cmd:        types.CmdAcquire,
		InstanceID: "i-1",
		ConnType:   types.ConnSSHTun,
		PublicKey:  "k",
		Tunnel:     &types.TunnelHub{Host: "hub", Port: 2200, User: "hs"},
	}
	h.ctrl.Deliver(f)
	h.waitState(types.StateReady)

	term := h.waitState(types.StateTerminating)
	assert.Equal(t, types.ReasonVerifyFail, term.Detail)
	h.waitIdle()
}

func TestAdminTerminateInstance(t *testing.T) {
	h := newHarness(t, proxyWD())

	h.ctrl.Deliver(acquire("i-1"))
	h.waitState(types.StateReady)

	req := NewAdminRequest("terminate-instance", nil)
	h.ctrl.Submit(req)
	reply := <-req.Reply
	require.True(t, reply.OK)

	f := h.waitState(types.StateTerminating)
	assert.Equal(t, types.ReasonTermCmd, f.Detail)
	h.waitIdle()
}

func TestAdminTerminateWithoutInstance(t *testing.T) {
	h := newHarness(t, proxyWD())

	req := NewAdminRequest("terminate-instance", nil)
	h.ctrl.Submit(req)
	reply := <-req.Reply
	assert.False(t, reply.OK)
}

func TestShutdownTerminatesReadyInstance(t *testing.T) {
	h := newHarness(t, proxyWD())

	h.ctrl.Deliver(acquire("i-1"))
	h.waitState(types.StateReady)

	h.cancel()
	f := h.waitState(types.StateTerminated)
	assert.Equal(t, types.ReasonShutdown, h.sender.findState(types.StateTerminating).Detail)
	_ = f
}
