package controller

import (
	"time"

	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/types"
)

// onAdmin serves the WD-scoped admin commands. Process-scoped commands
// (stop-ad, attach-camera, reload-config) are handled by the supervisor
// before reaching any controller.
func (c *Controller) onAdmin(req *AdminRequest) {
	reply := func(r AdminReply) {
		select {
		case req.Reply <- r:
		default:
		}
		outcome := "ok"
		if !r.OK {
			outcome = "error"
		}
		metrics.AdminRequests.WithLabelValues(req.Command, outcome).Inc()
	}

	switch req.Command {
	case "status":
		reply(AdminReply{OK: true, Payload: c.status()})

	case "lock":
		if err := c.store.SetLocked(c.wdid, true); err != nil {
			reply(AdminReply{Err: err.Error()})
			return
		}
		reply(AdminReply{OK: true})

	case "unlock":
		if err := c.store.SetLocked(c.wdid, false); err != nil {
			reply(AdminReply{Err: err.Error()})
			return
		}
		reply(AdminReply{OK: true})

	case "terminate-instance":
		if c.inst == nil {
			reply(AdminReply{Err: "no active instance"})
			return
		}
		c.onRelease(c.inst.ID, types.ReasonTermCmd)
		reply(AdminReply{OK: true})

	default:
		reply(AdminReply{Err: "unknown command: " + req.Command})
	}
}

func (c *Controller) status() Status {
	st := Status{
		WDID:  c.wdid,
		State: types.StateIdle,
	}
	if wd, err := c.store.FindWD(c.wdid); err == nil {
		st.Locked = wd.Locked
	}
	if c.inst != nil {
		st.State = c.inst.State
		st.InstanceID = c.inst.ID
		st.ConnType = c.inst.ConnType
		st.ContainerName = c.inst.ContainerName
		st.CreatedAt = c.inst.CreatedAt.Format(time.RFC3339)
		if !c.inst.ExpiresAt.IsZero() {
			st.ExpiresAt = c.inst.ExpiresAt.Format(time.RFC3339)
		}
		st.TerminalCause = c.inst.TerminalCause
	}
	return st
}
