package types

import (
	"fmt"
	"time"
)

// CProviderKind selects the container backend for a workspace deployment.
type CProviderKind string

const (
	CProviderDocker         CProviderKind = "docker"
	CProviderDockerRootless CProviderKind = "docker-rootless"
	CProviderPodman         CProviderKind = "podman"
	CProviderLXD            CProviderKind = "lxd"
	CProviderProxy          CProviderKind = "proxy"
)

// ParseCProvider validates a cprovider name from configuration or CLI input.
func ParseCProvider(s string) (CProviderKind, error) {
	switch CProviderKind(s) {
	case CProviderDocker, CProviderDockerRootless, CProviderPodman, CProviderLXD, CProviderProxy:
		return CProviderKind(s), nil
	}
	return "", fmt.Errorf("cprovider must be one of: docker, docker-rootless, lxd, podman, proxy (got %q)", s)
}

// Execname returns the CLI executable that drives this provider, or "" for
// the proxy variant, which has no container runtime behind it.
func (k CProviderKind) Execname() string {
	switch k {
	case CProviderDocker, CProviderDockerRootless:
		return "docker"
	case CProviderPodman:
		return "podman"
	case CProviderLXD:
		return "lxc"
	default:
		return ""
	}
}

// Rootless reports whether the provider publishes container SSH on a
// host-local port instead of a routable container address.
func (k CProviderKind) Rootless() bool {
	return k == CProviderDockerRootless || k == CProviderPodman
}

// AddonKind names an optional per-WD feature.
type AddonKind string

const (
	AddonCam        AddonKind = "cam"
	AddonCmdSh      AddonKind = "cmdsh"
	AddonVNC        AddonKind = "vnc"
	AddonMistyProxy AddonKind = "mistyproxy"
	AddonVSCode     AddonKind = "vscode"
)

// WDeployment is a workspace deployment: a persistently registered,
// shareable hardware configuration. WDs live in the local configuration and
// survive restarts.
type WDeployment struct {
	ID            string                       `yaml:"id" json:"id"`
	Owner         string                       `yaml:"owner" json:"owner"`
	CProvider     CProviderKind                `yaml:"cprovider" json:"cprovider"`
	Image         string                       `yaml:"image,omitempty" json:"image,omitempty"`
	ContainerName string                       `yaml:"container_name" json:"container_name"`
	CArgs         []string                     `yaml:"cargs,omitempty" json:"cargs,omitempty"`
	RawDevices    []string                     `yaml:"raw_devices,omitempty" json:"raw_devices,omitempty"`
	InitInside    []string                     `yaml:"init_inside,omitempty" json:"init_inside,omitempty"`
	Terminate     []string                     `yaml:"terminate,omitempty" json:"terminate,omitempty"`
	Monitor       string                       `yaml:"monitor,omitempty" json:"monitor,omitempty"`
	Addons        map[AddonKind]map[string]string `yaml:"addons,omitempty" json:"addons,omitempty"`
	Locked        bool                         `yaml:"locked" json:"locked"`
}

// DefaultContainerNameBase is used when a WD does not set container_name.
const DefaultContainerNameBase = "rrc"

// NewWDeployment fills in the defaults the upstream registration leaves
// unspecified.
func NewWDeployment(id, owner string) *WDeployment {
	return &WDeployment{
		ID:            id,
		Owner:         owner,
		CProvider:     CProviderDocker,
		Image:         "rerobots/hs-generic",
		ContainerName: DefaultContainerNameBase,
	}
}

// HasAddon reports whether the WD declares the named add-on.
func (wd *WDeployment) HasAddon(kind AddonKind) bool {
	_, ok := wd.Addons[kind]
	return ok
}

// InstanceState is the controller-visible state of an instance.
type InstanceState string

const (
	StateIdle        InstanceState = "IDLE"
	StateInit        InstanceState = "INIT"
	StateReady       InstanceState = "READY"
	StateTerminating InstanceState = "TERMINATING"
	StateInitFail    InstanceState = "INIT_FAIL"
	StateTerminated  InstanceState = "TERMINATED"
)

// Terminal reports whether the state admits no further transitions for the
// instance; recovery is only by creating a new instance.
func (s InstanceState) Terminal() bool {
	return s == StateInitFail || s == StateTerminated
}

// validTransitions is the controller's transition table. IDLE is both the
// initial state and the state re-entered after terminal cleanup.
var validTransitions = map[InstanceState][]InstanceState{
	StateIdle:        {StateInit},
	StateInit:        {StateReady, StateInitFail, StateTerminating},
	StateReady:       {StateTerminating},
	StateTerminating: {StateTerminated},
}

// ValidTransition reports whether from -> to is admitted by the state
// machine.
func ValidTransition(from, to InstanceState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConnType tags how a remote user reaches the instance.
type ConnType string

const (
	ConnSSHTun ConnType = "sshtun"
	ConnProxy  ConnType = "proxy"
)

// Instance is a time-bounded allocation of a WD to a remote user. Instances
// live entirely inside one daemon run.
type Instance struct {
	ID            string
	WDID          string
	State         InstanceState
	ConnType      ConnType
	PublicKey     string
	ContainerName string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	TerminalCause string
}

// Expired reports whether the instance passed its upstream-issued expiry.
func (inst *Instance) Expired(now time.Time) bool {
	return !inst.ExpiresAt.IsZero() && now.After(inst.ExpiresAt)
}

// TokenRecord is a bearer credential on disk plus the parsed-but-opaque
// claims. The daemon interprets only the expiry, subject and organization
// fields; the
// upstream is the authority on everything else.
type TokenRecord struct {
	Path      string
	Raw       string
	Claims    []byte
	Subject   string
	Org       string
	ExpiresAt time.Time
}

// Expired reports whether the token's exp claim is in the past.
func (t *TokenRecord) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
