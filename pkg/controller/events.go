package controller

import (
	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

// eventKind discriminates inbox events. Every input to the controller
// (upstream frames, admin commands, worker completions, timers, transport
// notices) arrives as one of these and is processed to completion before
// the next is selected.
type eventKind int

const (
	evFrame eventKind = iota
	evAdmin
	evInitDone
	evVerifyDone
	evTermDone
	evCleanupDone
	evTunnelLost
	evExpired
	evAnnounce
	evDegraded
)

// event is one inbox item.
type event struct {
	kind eventKind

	frame *types.Frame
	admin *AdminRequest

	// worker completion payloads
	instanceID string
	handle     *cprovider.Handle
	tun        *tunnel.Tunnel
	err        error
	healthy    bool
	detail     string
}

// AdminRequest is a local admin command forwarded into the controller
// inbox. Reply is buffered so the controller never blocks on a slow admin
// client.
type AdminRequest struct {
	Command string
	Args    map[string]string
	Reply   chan AdminReply
}

// AdminReply carries the structured result back to the admin server.
type AdminReply struct {
	OK      bool        `json:"ok"`
	Err     string      `json:"error,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewAdminRequest builds a request with a buffered reply channel.
func NewAdminRequest(command string, args map[string]string) *AdminRequest {
	return &AdminRequest{
		Command: command,
		Args:    args,
		Reply:   make(chan AdminReply, 1),
	}
}

// Status is the controller snapshot returned to `hardshare status`.
type Status struct {
	WDID          string              `json:"wdid"`
	State         types.InstanceState `json:"state"`
	Locked        bool                `json:"locked"`
	InstanceID    string              `json:"instance_id,omitempty"`
	ConnType      types.ConnType      `json:"conn_type,omitempty"`
	ContainerName string              `json:"container_name,omitempty"`
	CreatedAt     string              `json:"created_at,omitempty"`
	ExpiresAt     string              `json:"expires_at,omitempty"`
	TerminalCause string              `json:"terminal_cause,omitempty"`
}
