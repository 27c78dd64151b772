package admin

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerobots/hardshare/pkg/controller"
	"github.com/rerobots/hardshare/pkg/events"
)

func startTestServer(t *testing.T, handler Handler, broker *events.Broker) string {
	t.Helper()
	// Keep the socket path short; the sun_path limit is ~100 bytes.
	dir, err := os.MkdirTemp("", "hsadm")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "adm.sock")
	srv := NewServer(path, handler, broker, 200*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return path
}

func TestRequestReply(t *testing.T) {
	path := startTestServer(t, func(ctx context.Context, req Request) controller.AdminReply {
		if req.Command == "status" {
			return controller.AdminReply{OK: true, Payload: map[string]string{"state": "IDLE"}}
		}
		return controller.AdminReply{Err: "unknown command"}
	}, nil)

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Do(Request{Command: "status"}, 0)
	require.NoError(t, err)
	assert.True(t, reply.OK)

	reply, err = c.Do(Request{Command: "nonsense"}, 0)
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Err, "unknown")
}

func TestHandlerTimeoutSurfaced(t *testing.T) {
	path := startTestServer(t, func(ctx context.Context, req Request) controller.AdminReply {
		select {
		case <-ctx.Done():
			return controller.AdminReply{Err: ErrTimeout.Error()}
		case <-time.After(10 * time.Second):
			return controller.AdminReply{OK: true}
		}
	}, nil)

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Do(Request{Command: "slow"}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Err, "timed out")
}

func TestStaleSocketReaped(t *testing.T) {
	dir, err := os.MkdirTemp("", "hsadm")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "adm.sock")

	// A socket file with no listener behind it, as a crashed daemon leaves.
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	l.Close()
	// net closes and unlinks; recreate the stale file by hand.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		require.NoError(t, os.WriteFile(path, nil, 0600))
	}

	srv := NewServer(path, func(ctx context.Context, req Request) controller.AdminReply {
		return controller.AdminReply{OK: true}
	}, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()
	reply, err := c.Do(Request{Command: "status"}, 0)
	require.NoError(t, err)
	assert.True(t, reply.OK)
}

func TestSecondDaemonRefused(t *testing.T) {
	path := startTestServer(t, func(ctx context.Context, req Request) controller.AdminReply {
		return controller.AdminReply{OK: true}
	}, nil)

	srv2 := NewServer(path, nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := srv2.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already listening")
}

func TestMonitorStreamsEvents(t *testing.T) {
	broker := events.NewBroker()
	t.Cleanup(broker.Close)

	path := startTestServer(t, func(ctx context.Context, req Request) controller.AdminReply {
		return controller.AdminReply{OK: true}
	}, broker)

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	received := make(chan *events.Event, 8)
	go c.Monitor(func(ev *events.Event) error {
		received <- ev
		return nil
	})

	// Give the subscription a moment to register.
	time.Sleep(100 * time.Millisecond)
	broker.Publish(&events.Event{Type: events.EventInstanceState, WDID: "wd-1", Message: "READY"})

	select {
	case ev := <-received:
		assert.Equal(t, events.EventInstanceState, ev.Type)
		assert.Equal(t, "wd-1", ev.WDID)
	case <-time.After(10 * time.Second):
		t.Fatal("no event streamed to monitor client")
	}
}
