package cprovider

import (
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"sync/atomic"

	"github.com/rerobots/hardshare/pkg/types"
)

// Handle identifies a created container (or, for the proxy variant, the
// forwarded endpoint) and where SSH inside it is reachable.
type Handle struct {
	Kind    types.CProviderKind
	Name    string
	Addr    string
	Port    int
	HostKey string

	// proxy child, owned by the proxy provider
	proc *exec.Cmd
}

// Target returns the host:port a tunnel should forward to.
func (h *Handle) Target() string {
	return fmt.Sprintf("%s:%d", h.Addr, h.Port)
}

// Provider is the capability set the controller depends on. Each backend
// is a thin translation over the provider's CLI; the proxy variant forwards
// ports instead of creating a container.
type Provider interface {
	Kind() types.CProviderKind

	// Create builds the container for wd under the given local name with
	// raw devices passed through and the WD's extra args applied. It does
	// not start the container.
	Create(ctx context.Context, wd *types.WDeployment, name string) (*Handle, error)

	// Start runs the container and resolves the SSH address into the
	// handle. The proxy variant launches the WD's proxy program instead.
	Start(ctx context.Context, wd *types.WDeployment, h *Handle) error

	Stop(ctx context.Context, h *Handle) error
	Remove(ctx context.Context, h *Handle) error

	// ExecInside runs cmd through /bin/sh -c inside the container,
	// blocking until exit. Returns the exit code and captured stderr.
	ExecInside(ctx context.Context, h *Handle, cmd string) (int, []byte, error)

	Healthy(ctx context.Context, h *Handle) bool

	// Pull fetches the WD image; used when Create fails with
	// ErrImagePullRequired.
	Pull(ctx context.Context, image string) error

	// ListStale returns names of containers from previous runs matching
	// the daemon's naming pattern, for startup reaping.
	ListStale(ctx context.Context, namePrefix string) ([]string, error)
}

// New returns the backend for the WD's cprovider kind.
func New(kind types.CProviderKind) (Provider, error) {
	switch kind {
	case types.CProviderDocker, types.CProviderDockerRootless, types.CProviderPodman:
		return newCLIProvider(kind), nil
	case types.CProviderLXD:
		return newLXDProvider(), nil
	case types.CProviderProxy:
		return newProxyProvider(), nil
	default:
		return nil, fmt.Errorf("unknown cprovider: %s", kind)
	}
}

var nameSeq atomic.Uint32

// LocalName generates the per-instance container name: the WD's base name,
// a WD id prefix, and a random suffix so a crashed run's leftover container
// never collides with a new instance.
func LocalName(wd *types.WDeployment) string {
	base := wd.ContainerName
	if base == "" {
		base = types.DefaultContainerNameBase
	}
	prefix := wd.ID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%s-%d%d", base, prefix, rand.Intn(1<<16), nameSeq.Add(1))
}

// NamePrefix is the stale-container match pattern for a WD.
func NamePrefix(wd *types.WDeployment) string {
	base := wd.ContainerName
	if base == "" {
		base = types.DefaultContainerNameBase
	}
	prefix := wd.ID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%s-", base, prefix)
}
