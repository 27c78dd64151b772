package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

// runInit is the INIT worker: container create (with pull fallback), start,
// key injection, init-inside commands, tunnel open. It never touches
// controller state; the outcome returns through the inbox. Between
// sub-steps it honors the abort flag set by a RELEASE during INIT.
func (c *Controller) runInit(wd *types.WDeployment, inst *types.Instance, hub *types.TunnelHub) {
	post := func(handle *cprovider.Handle, tun *tunnel.Tunnel, err error, detail string) {
		c.inbox <- event{
			kind:       evInitDone,
			instanceID: inst.ID,
			handle:     handle,
			tun:        tun,
			err:        err,
			detail:     detail,
		}
	}

	createCtx, cancel := context.WithTimeout(context.Background(), c.params.CreateTimeout)
	handle, err := c.provider.Create(createCtx, wd, inst.ContainerName)
	cancel()
	if errors.Is(err, types.ErrImagePullRequired) {
		c.logger.Info().Str("image", wd.Image).Msg("image not local; pulling")
		pullCtx, cancel := context.WithTimeout(context.Background(), c.params.ImagePullDeadline)
		err = c.provider.Pull(pullCtx, wd.Image)
		cancel()
		if err == nil {
			createCtx, cancel := context.WithTimeout(context.Background(), c.params.CreateTimeout)
			handle, err = c.provider.Create(createCtx, wd, inst.ContainerName)
			cancel()
		}
	}
	if err != nil {
		post(nil, nil, err, "container_create")
		return
	}
	if c.abortInit.Load() {
		post(handle, nil, nil, "")
		return
	}

	startCtx, cancel := context.WithTimeout(context.Background(), c.params.CreateTimeout)
	err = c.provider.Start(startCtx, wd, handle)
	cancel()
	if err != nil {
		post(handle, nil, err, "container_start")
		return
	}
	if c.abortInit.Load() {
		post(handle, nil, nil, "")
		return
	}

	if inst.ConnType == types.ConnSSHTun && wd.CProvider != types.CProviderProxy {
		if err := c.injectKey(handle, inst.PublicKey); err != nil {
			post(handle, nil, err, "authorized_keys")
			return
		}
	}

	initScripts := wd.InitInside
	if wd.CProvider == types.CProviderProxy {
		// No container to exec into.
		initScripts = nil
	}
	for i, script := range initScripts {
		if c.abortInit.Load() {
			post(handle, nil, nil, "")
			return
		}
		execCtx, cancel := context.WithTimeout(context.Background(), c.params.ScriptTimeout)
		code, stderr, err := c.provider.ExecInside(execCtx, handle, script)
		cancel()
		if err != nil {
			post(handle, nil, fmt.Errorf("%w: %v", types.ErrInitCommandFailed, err),
				fmt.Sprintf("init_cmd=%d", i))
			return
		}
		if code != 0 {
			c.logger.Error().Str("script", script).Int("exit", code).
				Str("stderr", strings.TrimSpace(string(stderr))).Msg("init-inside command failed")
			post(handle, nil, types.ErrInitCommandFailed, fmt.Sprintf("init_cmd_exit=%d", code))
			return
		}
	}
	if c.abortInit.Load() {
		post(handle, nil, nil, "")
		return
	}

	var tun *tunnel.Tunnel
	if inst.ConnType == types.ConnSSHTun {
		if hub == nil {
			post(handle, nil, fmt.Errorf("%w: no tunnel hub in acquire", types.ErrTunnelOpenFailed), "tunnel_open")
			return
		}
		cfg := c.store.Snapshot()
		openCtx, cancel := context.WithTimeout(context.Background(), c.params.TunnelOpenTimeout)
		tun, err = c.tunnels.Open(openCtx, tunnel.Request{
			WDID:        c.wdid,
			InstanceID:  inst.ID,
			Hub:         *hub,
			LocalTarget: handle.Target(),
			KeyPath:     cfg.SSHKey,
		})
		cancel()
		if err != nil {
			post(handle, nil, err, "tunnel_open")
			return
		}
	}

	post(handle, tun, nil, "")
}

// injectKey writes the upstream-authorized public key into the container's
// authorized_keys, the way the remote user will enter over the tunnel.
func (c *Controller) injectKey(handle *cprovider.Handle, publicKey string) error {
	if publicKey == "" {
		return nil
	}
	script := fmt.Sprintf(
		"mkdir -p /root/.ssh && printf '%%s\\n' '%s' > /root/.ssh/authorized_keys && chown 0:0 /root/.ssh/authorized_keys && chmod 600 /root/.ssh/authorized_keys",
		strings.ReplaceAll(publicKey, "'", ""))
	ctx, cancel := context.WithTimeout(context.Background(), c.params.ScriptTimeout)
	defer cancel()
	code, stderr, err := c.provider.ExecInside(ctx, handle, script)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("authorized_keys injection exit %d: %s", code, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (c *Controller) onInitDone(ev event) {
	if c.inst == nil || c.inst.ID != ev.instanceID {
		// Orphaned worker result; reap its resources.
		c.reapOrphan(ev)
		return
	}

	if ev.err != nil {
		c.logger.Error().Err(ev.err).Str("step", ev.detail).Msg("instance init failed")
		detail := ev.detail
		if detail == "" {
			detail = ev.err.Error()
		}
		metrics.InstancesFailed.WithLabelValues("init").Inc()
		c.setState(types.StateInitFail, detail)
		c.lockWD("init failure")
		c.cleanupAfterFailure(ev.handle, ev.tun)
		return
	}

	c.handle = ev.handle
	c.tun = ev.tun

	if c.pendingRelease {
		c.startTermination(types.ReasonRelease)
		return
	}
	c.setState(types.StateReady, "")
}

// cleanupAfterFailure removes whatever the failed init left behind, then
// returns the WD to IDLE.
func (c *Controller) cleanupAfterFailure(handle *cprovider.Handle, tun *tunnel.Tunnel) {
	inst := c.inst
	go func() {
		if tun != nil {
			c.tunnels.Close(tun)
		}
		if handle != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.params.ContainerStopTimeout)
			if err := c.provider.Remove(ctx, handle); err != nil {
				c.logger.Error().Err(err).Msg("cleanup remove failed")
			}
			cancel()
		}
		c.inbox <- event{kind: evCleanupDone, instanceID: inst.ID}
	}()
}

func (c *Controller) reapOrphan(ev event) {
	go func() {
		if ev.tun != nil {
			c.tunnels.Close(ev.tun)
		}
		if ev.handle != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.params.ContainerStopTimeout)
			defer cancel()
			c.provider.Remove(ctx, ev.handle)
		}
	}()
}

func (c *Controller) onCleanupDone(ev event) {
	if c.inst == nil || c.inst.ID != ev.instanceID {
		return
	}
	c.clearInstance()
}

// startTermination moves to TERMINATING and hands the teardown to a
// worker: tunnel close, terminate scripts, container stop, remove.
func (c *Controller) startTermination(reason string) {
	if c.inst == nil || c.inst.State == types.StateTerminating || c.inst.State.Terminal() {
		return
	}
	c.setState(types.StateTerminating, reason)

	inst := c.inst
	handle := c.handle
	tun := c.tun
	c.tun = nil

	wd, err := c.store.FindWD(c.wdid)
	if err != nil {
		wd = nil
	}

	go c.runTermination(wd, inst, handle, tun, reason)
}

// runTermination is the TERMINATING worker. Each step has its own timeout;
// failures are collected so every step still runs.
func (c *Controller) runTermination(wd *types.WDeployment, inst *types.Instance,
	handle *cprovider.Handle, tun *tunnel.Tunnel, reason string) {

	var firstErr error

	if tun != nil {
		c.tunnels.Close(tun)
	}

	if handle != nil && wd != nil && wd.CProvider != types.CProviderProxy {
		for _, script := range wd.Terminate {
			ctx, cancel := context.WithTimeout(context.Background(), c.params.ScriptTimeout)
			code, stderr, err := c.provider.ExecInside(ctx, handle, script)
			cancel()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %v", types.ErrTerminateCommandFailed, err)
				}
				continue
			}
			if code != 0 {
				c.logger.Error().Str("script", script).Int("exit", code).
					Str("stderr", strings.TrimSpace(string(stderr))).Msg("terminate command failed")
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: exit %d", types.ErrTerminateCommandFailed, code)
				}
			}
		}
	}

	if handle != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), c.params.ContainerStopTimeout)
		if err := c.provider.Stop(stopCtx, handle); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()

		rmCtx, cancel := context.WithTimeout(context.Background(), c.params.ContainerStopTimeout)
		if err := c.provider.Remove(rmCtx, handle); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	c.inbox <- event{
		kind:       evTermDone,
		instanceID: inst.ID,
		err:        firstErr,
		detail:     reason,
	}
}

func (c *Controller) onTermDone(ev event) {
	if c.inst == nil || c.inst.ID != ev.instanceID {
		return
	}
	if ev.err != nil {
		c.logger.Error().Err(ev.err).Msg("termination completed with failure")
		metrics.InstancesFailed.WithLabelValues("terminate").Inc()
		c.setState(types.StateTerminated, ev.detail)
		c.lockWD("terminate failure")
	} else {
		c.setState(types.StateTerminated, ev.detail)
	}
	c.clearInstance()
}
