package cprovider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rerobots/hardshare/pkg/types"
)

// lxdProvider drives LXD through the lxc CLI. LXD containers join the
// lxdbr0 bridge; SSH is reached on the container address directly.
type lxdProvider struct {
	execname string
	run      runner
}

func newLXDProvider() *lxdProvider {
	return &lxdProvider{execname: types.CProviderLXD.Execname(), run: execRunner{}}
}

func (p *lxdProvider) Kind() types.CProviderKind { return types.CProviderLXD }

func (p *lxdProvider) Create(ctx context.Context, wd *types.WDeployment, name string) (*Handle, error) {
	if wd.Image == "" {
		return nil, fmt.Errorf("no image in configuration")
	}
	for _, dev := range wd.RawDevices {
		if _, err := os.Stat(dev); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrDeviceMissing, dev)
		}
	}

	args := []string{"init", wd.Image, name}
	args = append(args, wd.CArgs...)
	_, stderr, code, err := p.run.run(ctx, p.execname, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		msg := strings.TrimSpace(string(stderr))
		if strings.Contains(strings.ToLower(msg), "not found") {
			return nil, fmt.Errorf("%w: %s", types.ErrImagePullRequired, wd.Image)
		}
		return nil, types.NewProviderError(types.CProviderLXD, "init", msg)
	}

	for i, dev := range wd.RawDevices {
		devName := fmt.Sprintf("raw%d", i)
		_, stderr, code, err := p.run.run(ctx, p.execname,
			"config", "device", "add", name, devName, "unix-char", "path="+dev)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, types.NewProviderError(types.CProviderLXD, "device add", strings.TrimSpace(string(stderr)))
		}
	}

	return &Handle{Kind: types.CProviderLXD, Name: name}, nil
}

func (p *lxdProvider) Start(ctx context.Context, wd *types.WDeployment, h *Handle) error {
	_, stderr, code, err := p.run.run(ctx, p.execname, "start", h.Name)
	if err != nil {
		return err
	}
	if code != 0 {
		return types.NewProviderError(types.CProviderLXD, "start", strings.TrimSpace(string(stderr)))
	}

	for {
		stdout, _, code, err := p.run.run(ctx, p.execname,
			"list", h.Name, "-c", "4", "--format", "csv")
		if err != nil {
			return err
		}
		if code == 0 {
			fields := strings.Fields(strings.TrimSpace(string(stdout)))
			if len(fields) > 0 && fields[0] != "" {
				h.Addr = fields[0]
				h.Port = 22
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("container address: %w", types.ErrTimeout)
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *lxdProvider) Stop(ctx context.Context, h *Handle) error {
	_, stderr, code, err := p.run.run(ctx, p.execname, "stop", "--force", h.Name)
	if err != nil {
		return err
	}
	if code != 0 {
		return types.NewProviderError(types.CProviderLXD, "stop", strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (p *lxdProvider) Remove(ctx context.Context, h *Handle) error {
	_, stderr, code, err := p.run.run(ctx, p.execname, "delete", "--force", h.Name)
	if err != nil {
		return err
	}
	if code != 0 {
		msg := strings.TrimSpace(string(stderr))
		if strings.Contains(strings.ToLower(msg), "not found") {
			return nil
		}
		return types.NewProviderError(types.CProviderLXD, "delete", msg)
	}
	return nil
}

func (p *lxdProvider) ExecInside(ctx context.Context, h *Handle, cmd string) (int, []byte, error) {
	_, stderr, code, err := p.run.run(ctx, p.execname, "exec", h.Name, "--", "/bin/sh", "-c", cmd)
	if err != nil {
		return -1, nil, err
	}
	return code, stderr, nil
}

func (p *lxdProvider) Healthy(ctx context.Context, h *Handle) bool {
	stdout, _, code, err := p.run.run(ctx, p.execname,
		"list", h.Name, "-c", "s", "--format", "csv")
	if err != nil || code != 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(string(stdout)), "running")
}

func (p *lxdProvider) Pull(ctx context.Context, image string) error {
	_, stderr, code, err := p.run.run(ctx, p.execname, "image", "copy", image, "local:")
	if err != nil {
		return err
	}
	if code != 0 {
		return types.NewProviderError(types.CProviderLXD, "image copy", strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (p *lxdProvider) ListStale(ctx context.Context, namePrefix string) ([]string, error) {
	stdout, stderr, code, err := p.run.run(ctx, p.execname, "list", "-c", "n", "--format", "csv")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, types.NewProviderError(types.CProviderLXD, "list", strings.TrimSpace(string(stderr)))
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
