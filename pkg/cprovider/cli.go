package cprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/types"
)

// runner abstracts CLI invocation so tests can substitute canned output.
type runner interface {
	run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, code int, err error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		} else if errors.Is(err, exec.ErrNotFound) {
			return nil, nil, -1, fmt.Errorf("%w: %s", types.ErrProviderMissing, name)
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), code, err
}

// cliProvider drives docker, rootless docker, and podman through their CLI.
// The three differ only in executable name, whether container SSH is
// published on a host-local port, and whether CAP_SYS_CHROOT is added
// (every kind except plain docker).
type cliProvider struct {
	kind     types.CProviderKind
	execname string
	rootless bool
	run      runner
}

func newCLIProvider(kind types.CProviderKind) *cliProvider {
	return &cliProvider{
		kind:     kind,
		execname: kind.Execname(),
		rootless: kind.Rootless(),
		run:      execRunner{},
	}
}

func (p *cliProvider) Kind() types.CProviderKind { return p.kind }

func (p *cliProvider) Create(ctx context.Context, wd *types.WDeployment, name string) (*Handle, error) {
	if wd.Image == "" {
		return nil, errors.New("no image in configuration")
	}
	for _, dev := range wd.RawDevices {
		if _, err := os.Stat(dev); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrDeviceMissing, dev)
		}
	}

	args := []string{
		"create",
		"-h", name,
		"--name", name,
		"--device=/dev/net/tun:/dev/net/tun",
		"--cap-add=NET_ADMIN",
	}
	if p.kind != types.CProviderDocker {
		args = append(args, "--cap-add=CAP_SYS_CHROOT")
	}
	for _, dev := range wd.RawDevices {
		args = append(args, fmt.Sprintf("--device=%s:%s", dev, dev))
	}
	args = append(args, wd.CArgs...)
	if p.rootless {
		args = append(args, "-p", "127.0.0.1::22")
	}
	if os.Getenv("HARDSHARE_LOG") != "" {
		args = append(args, "-e", "HARDSHARE_LOG=1")
	}
	args = append(args, wd.Image)

	_, stderr, code, err := p.run.run(ctx, p.execname, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		if imageMissing(stderr) {
			return nil, fmt.Errorf("%w: %s", types.ErrImagePullRequired, wd.Image)
		}
		return nil, types.NewProviderError(p.kind, "create", strings.TrimSpace(string(stderr)))
	}

	return &Handle{Kind: p.kind, Name: name}, nil
}

func imageMissing(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	return strings.Contains(s, "no such image") ||
		strings.Contains(s, "unable to find image") ||
		strings.Contains(s, "image not known") ||
		strings.Contains(s, "manifest unknown")
}

func (p *cliProvider) Start(ctx context.Context, wd *types.WDeployment, h *Handle) error {
	_, stderr, code, err := p.run.run(ctx, p.execname, "start", h.Name)
	if err != nil {
		return err
	}
	if code != 0 {
		return types.NewProviderError(p.kind, "start", strings.TrimSpace(string(stderr)))
	}

	if p.rootless {
		h.Addr = "127.0.0.1"
		port, err := p.sshPort(ctx, h.Name)
		if err != nil {
			return err
		}
		h.Port = port
	} else {
		addr, err := p.containerAddr(ctx, h.Name)
		if err != nil {
			return err
		}
		h.Addr = addr
		h.Port = 22
	}

	if key, err := p.hostKey(ctx, h.Name); err == nil {
		h.HostKey = key
	} else {
		logger := log.For("cprovider")
		logger.Warn().Err(err).Str("name", h.Name).Msg("container host key unavailable")
	}
	return nil
}

// containerAddr polls inspect until the container has an address; images
// can take a moment to attach to the bridge.
func (p *cliProvider) containerAddr(ctx context.Context, name string) (string, error) {
	for {
		stdout, stderr, code, err := p.run.run(ctx, p.execname,
			"inspect", "-f", "{{.NetworkSettings.IPAddress}}", name)
		if err != nil {
			return "", err
		}
		if code != 0 {
			return "", types.NewProviderError(p.kind, "inspect", strings.TrimSpace(string(stderr)))
		}
		addr := strings.TrimSpace(string(stdout))
		if addr != "" && addr != "<no value>" {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("container address: %w", types.ErrTimeout)
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *cliProvider) sshPort(ctx context.Context, name string) (int, error) {
	stdout, stderr, code, err := p.run.run(ctx, p.execname, "port", name, "22")
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, types.NewProviderError(p.kind, "port", strings.TrimSpace(string(stderr)))
	}
	line := strings.TrimSpace(strings.SplitN(string(stdout), "\n", 2)[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return 0, fmt.Errorf("ssh port not found in %q", line)
	}
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("ssh port not found: %w", err)
	}
	return port, nil
}

// hostKey reads the container's SSH host key, retrying while sshd
// generates it on first boot.
func (p *cliProvider) hostKey(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		stdout, _, code, err := p.run.run(ctx, p.execname,
			"exec", name, "/bin/cat", "/etc/ssh/ssh_host_ecdsa_key.pub")
		if err != nil {
			return "", err
		}
		if code == 0 {
			key := strings.TrimSpace(string(stdout))
			if key != "" {
				return key, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return "", errors.New("host key not found before deadline")
}

func (p *cliProvider) Stop(ctx context.Context, h *Handle) error {
	_, stderr, code, err := p.run.run(ctx, p.execname, "stop", h.Name)
	if err != nil {
		return err
	}
	if code != 0 {
		// Escalate: the container may be wedged; kill it outright.
		_, kstderr, kcode, kerr := p.run.run(ctx, p.execname, "kill", h.Name)
		if kerr != nil {
			return kerr
		}
		if kcode != 0 {
			return types.NewProviderError(p.kind, "stop",
				strings.TrimSpace(string(stderr))+"; kill: "+strings.TrimSpace(string(kstderr)))
		}
	}
	return nil
}

func (p *cliProvider) Remove(ctx context.Context, h *Handle) error {
	_, stderr, code, err := p.run.run(ctx, p.execname, "rm", "-f", h.Name)
	if err != nil {
		return err
	}
	if code != 0 {
		msg := strings.TrimSpace(string(stderr))
		if strings.Contains(strings.ToLower(msg), "no such container") {
			return nil
		}
		return types.NewProviderError(p.kind, "rm", msg)
	}
	return nil
}

func (p *cliProvider) ExecInside(ctx context.Context, h *Handle, cmd string) (int, []byte, error) {
	_, stderr, code, err := p.run.run(ctx, p.execname, "exec", h.Name, "/bin/sh", "-c", cmd)
	if err != nil {
		return -1, nil, err
	}
	return code, stderr, nil
}

func (p *cliProvider) Healthy(ctx context.Context, h *Handle) bool {
	stdout, _, code, err := p.run.run(ctx, p.execname,
		"inspect", "-f", "{{.State.Running}}", h.Name)
	if err != nil || code != 0 {
		return false
	}
	return strings.TrimSpace(string(stdout)) == "true"
}

func (p *cliProvider) Pull(ctx context.Context, image string) error {
	_, stderr, code, err := p.run.run(ctx, p.execname, "pull", image)
	if err != nil {
		return err
	}
	if code != 0 {
		return types.NewProviderError(p.kind, "pull", strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (p *cliProvider) ListStale(ctx context.Context, namePrefix string) ([]string, error) {
	stdout, stderr, code, err := p.run.run(ctx, p.execname,
		"ps", "-a", "--filter", "name="+namePrefix, "--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, types.NewProviderError(p.kind, "ps", strings.TrimSpace(string(stderr)))
	}
	var names []string
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, namePrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}
