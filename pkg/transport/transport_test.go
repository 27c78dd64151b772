package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerobots/hardshare/pkg/types"
)

type recordingHandler struct {
	mu         sync.Mutex
	frames     []*types.Frame
	connects   int
	degraded   int
	disconnect int
}

func (h *recordingHandler) OnFrame(f *types.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) OnConnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
}

func (h *recordingHandler) OnDisconnect(error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnect++
}

func (h *recordingHandler) OnDegraded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded++
}

func (h *recordingHandler) frameCmds() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, f := range h.frames {
		out = append(out, f.Cmd)
	}
	return out
}

// wsTestServer accepts one websocket client at a time and exposes the
// send/receive ends to the test.
type wsTestServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	authHeader chan string
	received   chan *types.Frame
}

func newWSTestServer(t *testing.T) *wsTestServer {
	s := &wsTestServer{
		authHeader: make(chan string, 8),
		received:   make(chan *types.Frame, 64),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.authHeader <- r.Header.Get("Authorization")
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := types.DecodeFrame(data)
			if err == nil {
				s.received <- f
			}
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func (s *wsTestServer) push(t *testing.T, f *types.Frame) {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (s *wsTestServer) waitFrame(t *testing.T, cmd string) *types.Frame {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case f := <-s.received:
			if f.Cmd == cmd {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame from client", cmd)
		}
	}
}

func startClient(t *testing.T, url string, h Handler) (*Client, context.CancelFunc) {
	c := New(Config{
		URL:           url,
		TokenFn:       func() (string, error) { return "test-token", nil },
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
	}, h)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectSendsBearer(t *testing.T) {
	srv := newWSTestServer(t)
	h := &recordingHandler{}
	startClient(t, srv.url(), h)

	select {
	case auth := <-srv.authHeader:
		assert.Equal(t, "Bearer test-token", auth)
	case <-time.After(10 * time.Second):
		t.Fatal("client never dialed")
	}
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects == 1
	}, "OnConnect not called")
}

func TestInboundFramesDeliveredInOrder(t *testing.T) {
	srv := newWSTestServer(t)
	h := &recordingHandler{}
	startClient(t, srv.url(), h)
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects == 1
	}, "never connected")

	srv.push(t, &types.Frame{Cmd: types.CmdAcquire, WDID: "wd-1", InstanceID: "i-1"})
	srv.push(t, &types.Frame{Cmd: types.CmdVerify, WDID: "wd-1", InstanceID: "i-1"})
	srv.push(t, &types.Frame{Cmd: types.CmdRelease, WDID: "wd-1", InstanceID: "i-1"})

	waitFor(t, func() bool { return len(h.frameCmds()) == 3 }, "frames not delivered")
	assert.Equal(t, []string{types.CmdAcquire, types.CmdVerify, types.CmdRelease}, h.frameCmds())
}

func TestPingAnsweredWithoutHandler(t *testing.T) {
	srv := newWSTestServer(t)
	h := &recordingHandler{}
	startClient(t, srv.url(), h)
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects == 1
	}, "never connected")

	srv.push(t, &types.Frame{Cmd: types.CmdPing, MessageID: "m-7"})
	pong := srv.waitFrame(t, types.CmdPong)
	assert.Equal(t, "m-7", pong.MessageID)
	assert.Empty(t, h.frameCmds(), "PING must not reach the handler")
}

func TestSendDeliversFrames(t *testing.T) {
	srv := newWSTestServer(t)
	h := &recordingHandler{}
	c, _ := startClient(t, srv.url(), h)
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects == 1
	}, "never connected")

	require.NoError(t, c.Send(types.StateFrame("wd-1", "i-1", types.StateReady, "")))
	f := srv.waitFrame(t, types.CmdState)
	assert.Equal(t, types.StateReady, f.State)
	assert.Equal(t, "wd-1", f.WDID)
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv := newWSTestServer(t)
	h := &recordingHandler{}
	startClient(t, srv.url(), h)
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects == 1
	}, "never connected")

	srv.mu.Lock()
	srv.conn.Close()
	srv.mu.Unlock()

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects >= 2
	}, "client did not reconnect")
}

func TestDegradedAfterCutoff(t *testing.T) {
	h := &recordingHandler{}
	c := New(Config{
		URL:           "ws://127.0.0.1:1/nowhere",
		TokenFn:       func() (string, error) { return "t", nil },
		ReconnectBase: 5 * time.Millisecond,
		ReconnectCap:  10 * time.Millisecond,
		Cutoff:        50 * time.Millisecond,
	}, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return c.Degraded() }, "client never reported degraded")
	h.mu.Lock()
	assert.Equal(t, 1, h.degraded)
	h.mu.Unlock()
}
