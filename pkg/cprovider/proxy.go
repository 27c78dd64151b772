package cprovider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rerobots/hardshare/pkg/types"
)

// proxyProvider does not create a container: it launches the configured
// proxy program (rrhttp), which prints the local address it forwards, and
// returns a sentinel handle pointing at that port.
type proxyProvider struct{}

func newProxyProvider() *proxyProvider { return &proxyProvider{} }

func (p *proxyProvider) Kind() types.CProviderKind { return types.CProviderProxy }

func (p *proxyProvider) Create(ctx context.Context, wd *types.WDeployment, name string) (*Handle, error) {
	if len(wd.CArgs) == 0 || wd.CArgs[0] != "rrhttp" {
		return nil, errors.New("only rrhttp proxy supported")
	}
	return &Handle{Kind: types.CProviderProxy, Name: name}, nil
}

// Start launches the proxy child and parses the announced port from its
// first stdout line ("host:port").
func (p *proxyProvider) Start(ctx context.Context, wd *types.WDeployment, h *Handle) error {
	cmd := exec.Command(wd.CArgs[0], wd.CArgs[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", types.ErrProviderMissing, wd.CArgs[0])
		}
		return err
	}

	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			lineCh <- scanner.Text()
			return
		}
		errCh <- errors.New("proxy exited before announcing its port")
	}()

	select {
	case line := <-lineCh:
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			cmd.Process.Kill()
			return fmt.Errorf("proxy announced malformed address %q", line)
		}
		port, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err != nil {
			cmd.Process.Kill()
			return fmt.Errorf("proxy port parse: %w", err)
		}
		h.Addr = "127.0.0.1"
		h.Port = port
		h.proc = cmd
		return nil
	case err := <-errCh:
		cmd.Wait()
		return err
	case <-ctx.Done():
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("proxy start: %w", types.ErrTimeout)
	}
}

func (p *proxyProvider) Stop(ctx context.Context, h *Handle) error {
	if h.proc == nil || h.proc.Process == nil {
		return nil
	}
	h.proc.Process.Signal(syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		h.proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.proc.Process.Kill()
		<-done
	}
	h.proc = nil
	return nil
}

func (p *proxyProvider) Remove(ctx context.Context, h *Handle) error {
	return p.Stop(ctx, h)
}

func (p *proxyProvider) ExecInside(ctx context.Context, h *Handle, cmd string) (int, []byte, error) {
	return -1, nil, errors.New("exec not supported by proxy cprovider")
}

func (p *proxyProvider) Healthy(ctx context.Context, h *Handle) bool {
	if h.proc == nil || h.proc.Process == nil {
		return false
	}
	// Signal 0 probes process existence.
	return h.proc.Process.Signal(syscall.Signal(0)) == nil
}

func (p *proxyProvider) Pull(ctx context.Context, image string) error {
	return nil
}

func (p *proxyProvider) ListStale(ctx context.Context, namePrefix string) ([]string, error) {
	return nil, nil
}
