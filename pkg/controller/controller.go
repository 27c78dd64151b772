package controller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/events"
	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/rules"
	"github.com/rerobots/hardshare/pkg/storage"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

// Sender is the outbound side of the upstream transport.
type Sender interface {
	Send(f *types.Frame) error
}

// verifyFailThreshold is how many consecutive VERIFY failures trigger
// termination. Two preserves at least one retry before escalation.
const verifyFailThreshold = 2

// Controller owns the state machine of one workspace deployment. It is
// single-threaded with respect to its WD: every input converges on one
// inbox, and blocking sub-steps run in worker goroutines whose completions
// come back as inbox events.
type Controller struct {
	wdid string

	store    *config.Store
	params   *config.Params
	provider cprovider.Provider
	tunnels  *tunnel.Manager
	sender   Sender
	journal  *storage.Journal
	broker   *events.Broker
	ruleset  *rules.Ruleset

	inbox chan event

	// owned state, touched only from Run
	inst           *types.Instance
	handle         *cprovider.Handle
	tun            *tunnel.Tunnel
	pendingRelease bool
	verifyFails    int
	verifyInFlight bool
	expiryTimer    *time.Timer

	// abortInit is read by the init worker between sub-steps.
	abortInit atomic.Bool

	// stateCache mirrors the instance state for cheap cross-goroutine
	// reads (camera gating); the inbox loop remains the only writer.
	stateCache atomic.Value // types.InstanceState

	shuttingDown bool
	logger       zerolog.Logger
}

// New builds the controller for one WD. The journal and broker may be nil
// in tests.
func New(wdid string, store *config.Store, params *config.Params, provider cprovider.Provider,
	tunnels *tunnel.Manager, sender Sender, journal *storage.Journal, broker *events.Broker) *Controller {
	return &Controller{
		wdid:     wdid,
		store:    store,
		params:   params,
		provider: provider,
		tunnels:  tunnels,
		sender:   sender,
		journal:  journal,
		broker:   broker,
		ruleset:  rules.New(nil),
		inbox:    make(chan event, 32),
		logger:   log.ForWD(wdid),
	}
}

// WDID returns the deployment this controller owns.
func (c *Controller) WDID() string { return c.wdid }

// State returns the last published instance state; IDLE when no instance
// exists. Safe from any goroutine.
func (c *Controller) State() types.InstanceState {
	if v := c.stateCache.Load(); v != nil {
		return v.(types.InstanceState)
	}
	return types.StateIdle
}

// Deliver routes an upstream frame into the inbox in arrival order.
func (c *Controller) Deliver(f *types.Frame) {
	c.inbox <- event{kind: evFrame, frame: f}
}

// Submit forwards an admin request into the inbox.
func (c *Controller) Submit(req *AdminRequest) {
	c.inbox <- event{kind: evAdmin, admin: req}
}

// Announce asks the controller to re-send its current state upstream, used
// after transport reconnect.
func (c *Controller) Announce() {
	select {
	case c.inbox <- event{kind: evAnnounce}:
	default:
	}
}

// Degraded notifies the controller the transport outage exceeded the
// cutoff.
func (c *Controller) Degraded() {
	select {
	case c.inbox <- event{kind: evDegraded}:
	default:
	}
}

// TunnelLost is wired as the tunnel manager's loss callback.
func (c *Controller) TunnelLost(t *tunnel.Tunnel) {
	c.inbox <- event{kind: evTunnelLost, instanceID: t.Req.InstanceID}
}

// Run processes the inbox until ctx is canceled and any graceful
// termination completes. It must be the only goroutine touching controller
// state.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if c.beginShutdown() {
				c.drain()
			}
			return
		case ev := <-c.inbox:
			c.dispatch(ev)
		}
	}
}

// beginShutdown stops accepting ACQUIRE and, when READY, starts a graceful
// termination. It reports whether there is anything left to wait for.
func (c *Controller) beginShutdown() bool {
	c.shuttingDown = true
	if c.inst == nil {
		return false
	}
	switch c.inst.State {
	case types.StateReady:
		c.startTermination(types.ReasonShutdown)
		return true
	case types.StateInit:
		c.abortInit.Store(true)
		c.pendingRelease = true
		return true
	case types.StateTerminating:
		return true
	default:
		return false
	}
}

// drain keeps processing worker completions until the instance reaches
// IDLE or the hard deadline passes.
func (c *Controller) drain() {
	deadline := time.After(c.params.ShutdownDeadline)
	for c.inst != nil {
		select {
		case ev := <-c.inbox:
			c.dispatch(ev)
		case <-deadline:
			c.logger.Error().Msg("shutdown deadline passed with instance still live")
			if c.tun != nil {
				c.tunnels.Close(c.tun)
				c.tun = nil
			}
			return
		}
	}
}

func (c *Controller) dispatch(ev event) {
	switch ev.kind {
	case evFrame:
		c.onFrame(ev.frame)
	case evAdmin:
		c.onAdmin(ev.admin)
	case evInitDone:
		c.onInitDone(ev)
	case evVerifyDone:
		c.onVerifyDone(ev)
	case evTermDone:
		c.onTermDone(ev)
	case evCleanupDone:
		c.onCleanupDone(ev)
	case evTunnelLost:
		c.onTunnelLost(ev)
	case evExpired:
		c.onExpired(ev)
	case evAnnounce:
		c.announce()
	case evDegraded:
		c.onDegraded()
	}
}

func (c *Controller) onFrame(f *types.Frame) {
	switch f.Cmd {
	case types.CmdAcquire:
		c.onAcquire(f)
	case types.CmdRelease:
		c.onRelease(f.InstanceID, types.ReasonRelease)
	case types.CmdVerify:
		c.onVerify(f)
	case types.CmdControlRule:
		c.ruleset.Replace(f.Rules)
		c.logger.Info().Int("rules", len(f.Rules)).Msg("capability ruleset replaced")
	default:
		c.logger.Warn().Str("cmd", f.Cmd).Msg("unexpected frame for controller; ignoring")
	}
}

func (c *Controller) onAcquire(f *types.Frame) {
	if c.shuttingDown {
		c.send(types.RejectFrame(c.wdid, f.InstanceID, types.RejectBusy))
		return
	}
	if c.inst != nil {
		c.logger.Warn().Str("instance_id", f.InstanceID).Msg("acquire while busy; rejecting")
		c.send(types.RejectFrame(c.wdid, f.InstanceID, types.RejectBusy))
		return
	}

	wd, err := c.store.FindWD(c.wdid)
	if err != nil {
		c.logger.Error().Err(err).Msg("acquire for WD missing from configuration")
		c.send(types.RejectFrame(c.wdid, f.InstanceID, types.RejectBusy))
		return
	}
	if wd.Locked {
		c.logger.Warn().Str("instance_id", f.InstanceID).Msg("acquire while locked; rejecting")
		c.send(types.RejectFrame(c.wdid, f.InstanceID, types.RejectLocked))
		return
	}
	if f.Subject != "" && !c.ruleset.Allowed(f.Subject, types.CapInstantiate, f.SubjectClasses) {
		c.logger.Warn().Str("subject", f.Subject).Msg("acquire denied by capability rules")
		c.send(types.RejectFrame(c.wdid, f.InstanceID, types.RejectDenied))
		return
	}

	instanceID := f.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	connType := f.ConnType
	if connType == "" {
		connType = types.ConnSSHTun
	}

	inst := &types.Instance{
		ID:            instanceID,
		WDID:          c.wdid,
		State:         types.StateIdle,
		ConnType:      connType,
		PublicKey:     f.PublicKey,
		ContainerName: cprovider.LocalName(wd),
		CreatedAt:     time.Now(),
	}
	if f.Expiry > 0 {
		inst.ExpiresAt = inst.CreatedAt.Add(time.Duration(f.Expiry) * time.Second)
	}

	c.inst = inst
	c.pendingRelease = false
	c.verifyFails = 0
	c.abortInit.Store(false)
	c.setState(types.StateInit, "")
	metrics.InstancesLaunched.Inc()

	if !inst.ExpiresAt.IsZero() {
		c.expiryTimer = time.AfterFunc(time.Until(inst.ExpiresAt), func() {
			c.inbox <- event{kind: evExpired, instanceID: inst.ID}
		})
	}

	go c.runInit(wd, inst, f.Tunnel)
}

func (c *Controller) onRelease(instanceID, reason string) {
	if c.inst == nil {
		c.logger.Warn().Str("instance_id", instanceID).Msg("release with no active instance")
		return
	}
	if instanceID != "" && instanceID != c.inst.ID {
		c.logger.Warn().Str("instance_id", instanceID).Msg("release for unknown instance")
		return
	}

	switch c.inst.State {
	case types.StateInit:
		// Finish the in-flight sub-step, skip the rest, then terminate.
		c.pendingRelease = true
		c.abortInit.Store(true)
	case types.StateReady:
		c.startTermination(reason)
	case types.StateTerminating, types.StateTerminated, types.StateInitFail:
		// Idempotent: at most one termination sequence.
	}
}

func (c *Controller) onVerify(f *types.Frame) {
	if c.inst == nil || c.inst.State != types.StateReady {
		state := types.StateIdle
		if c.inst != nil {
			state = c.inst.State
		}
		c.send(types.StateFrame(c.wdid, f.InstanceID, state, ""))
		return
	}
	if c.verifyInFlight {
		return
	}
	c.verifyInFlight = true

	inst := c.inst
	handle := c.handle
	tun := c.tun
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.params.ScriptTimeout)
		defer cancel()
		ok := c.provider.Healthy(ctx, handle)
		if ok && inst.ConnType == types.ConnSSHTun && tun != nil {
			ok = tun.Alive()
		}
		c.inbox <- event{kind: evVerifyDone, instanceID: inst.ID, healthy: ok}
	}()
}

func (c *Controller) onVerifyDone(ev event) {
	c.verifyInFlight = false
	if c.inst == nil || c.inst.ID != ev.instanceID || c.inst.State != types.StateReady {
		return
	}
	if ev.healthy {
		c.verifyFails = 0
		frame := types.StateFrame(c.wdid, c.inst.ID, types.StateReady, "")
		if c.handle != nil {
			frame.HostKey = c.handle.HostKey
		}
		c.send(frame)
		return
	}
	c.verifyFails++
	c.logger.Warn().Int("consecutive", c.verifyFails).Msg("verify failed")
	if c.verifyFails >= verifyFailThreshold {
		c.startTermination(types.ReasonVerifyFail)
	}
}

func (c *Controller) onTunnelLost(ev event) {
	if c.inst == nil || c.inst.ID != ev.instanceID {
		return
	}
	if c.inst.State == types.StateReady {
		c.logger.Warn().Msg("tunnel child lost while READY; terminating")
		c.tun = nil
		c.startTermination(types.ReasonVerifyFail)
	}
}

func (c *Controller) onExpired(ev event) {
	if c.inst == nil || c.inst.ID != ev.instanceID {
		return
	}
	if c.inst.State == types.StateReady {
		c.logger.Info().Msg("instance expired")
		c.startTermination(types.ReasonExpire)
	}
}

func (c *Controller) onDegraded() {
	if c.inst != nil && c.inst.State == types.StateReady {
		c.logger.Warn().Msg("transport outage exceeded cutoff; terminating instance")
		c.startTermination(types.ReasonTransportLost)
	}
}

func (c *Controller) announce() {
	wd, err := c.store.FindWD(c.wdid)
	locked := err == nil && wd.Locked
	if c.inst != nil && !c.inst.State.Terminal() {
		frame := types.StateFrame(c.wdid, c.inst.ID, c.inst.State, "")
		if c.inst.State == types.StateReady && c.handle != nil {
			frame.HostKey = c.handle.HostKey
		}
		c.send(frame)
		return
	}
	detail := ""
	if locked {
		detail = "locked"
	}
	c.send(types.StateFrame(c.wdid, "", types.StateIdle, detail))
}

// setState applies a transition to the current instance, emits the STATE
// frame, checkpoints the journal, and updates gauges.
func (c *Controller) setState(state types.InstanceState, detail string) {
	if c.inst == nil {
		return
	}
	prev := c.inst.State
	if !types.ValidTransition(prev, state) {
		c.logger.Error().
			Str("from", string(prev)).
			Str("to", string(state)).
			Msg("refusing invalid state transition")
		return
	}
	c.inst.State = state
	c.stateCache.Store(state)
	if state.Terminal() {
		c.inst.TerminalCause = detail
	}

	if prev != types.StateIdle {
		metrics.InstancesByState.WithLabelValues(c.wdid, string(prev)).Dec()
	}
	metrics.InstancesByState.WithLabelValues(c.wdid, string(state)).Inc()

	if c.journal != nil {
		if err := c.journal.Checkpoint(c.inst); err != nil {
			c.logger.Error().Err(err).Msg("journal checkpoint failed")
		}
	}
	if c.broker != nil {
		c.broker.Publish(&events.Event{
			Type:       events.EventInstanceState,
			WDID:       c.wdid,
			InstanceID: c.inst.ID,
			Message:    string(state),
			Metadata:   map[string]string{"detail": detail},
		})
	}
	frame := types.StateFrame(c.wdid, c.inst.ID, state, detail)
	if state == types.StateReady && c.handle != nil {
		frame.HostKey = c.handle.HostKey
	}
	c.send(frame)
}

func (c *Controller) send(f *types.Frame) {
	if c.sender == nil {
		return
	}
	if err := c.sender.Send(f); err != nil {
		c.logger.Warn().Err(err).Str("cmd", f.Cmd).Msg("outbound frame not queued")
	}
}

// lockWD sets the WD lock after a fatal INIT or TERMINATING failure.
func (c *Controller) lockWD(why string) {
	c.logger.Warn().Str("cause", why).Msg("locking workspace deployment")
	if err := c.store.SetLocked(c.wdid, true); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist lock")
	}
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: events.EventWDLocked, WDID: c.wdid, Message: why})
	}
}

// clearInstance returns the controller to IDLE after terminal cleanup.
func (c *Controller) clearInstance() {
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
	if c.inst != nil {
		if c.journal != nil {
			if err := c.journal.Forget(c.inst.ID); err != nil {
				c.logger.Error().Err(err).Msg("journal forget failed")
			}
		}
		metrics.InstancesByState.WithLabelValues(c.wdid, string(c.inst.State)).Dec()
	}
	c.inst = nil
	c.handle = nil
	c.tun = nil
	c.pendingRelease = false
	c.verifyFails = 0
	c.verifyInFlight = false
	c.stateCache.Store(types.StateIdle)
}
