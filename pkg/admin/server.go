package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/controller"
	"github.com/rerobots/hardshare/pkg/events"
	"github.com/rerobots/hardshare/pkg/log"
)

// Request is one line from the CLI on the admin socket.
type Request struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// Handler executes one admin command and returns the structured reply. The
// supervisor provides it; it must respect the passed deadline context.
type Handler func(ctx context.Context, req Request) controller.AdminReply

// SocketPath is the well-known per-WD admin socket location.
func SocketPath(baseDir, wdid string) string {
	prefix := wdid
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return filepath.Join(baseDir, fmt.Sprintf("hardshare.%s.sock", prefix))
}

// Server accepts line-delimited JSON requests on a Unix socket bound to
// one advertised WD.
type Server struct {
	path         string
	handler      Handler
	broker       *events.Broker
	replyTimeout time.Duration

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	logger zerolog.Logger
}

// NewServer builds a server for one WD's socket. broker may be nil; then
// the monitor command reports an error.
func NewServer(path string, handler Handler, broker *events.Broker, replyTimeout time.Duration) *Server {
	if replyTimeout == 0 {
		replyTimeout = 10 * time.Second
	}
	return &Server{
		path:         path,
		handler:      handler,
		broker:       broker,
		replyTimeout: replyTimeout,
		stopCh:       make(chan struct{}),
		conns:        make(map[net.Conn]struct{}),
		logger:       log.For("admin"),
	}
}

// Start binds the socket, reaping a stale one left by a crashed daemon
// (detected by a failed dial). A live listener on the path is an error:
// another daemon is running.
func (s *Server) Start(ctx context.Context) error {
	if _, err := os.Stat(s.path); err == nil {
		conn, err := net.DialTimeout("unix", s.path, time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("daemon already listening at %s", s.path)
		}
		s.logger.Info().Str("path", s.path).Msg("removing stale admin socket")
		if err := os.Remove(s.path); err != nil {
			return err
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		listener.Close()
		s.closeConns()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(ctx, conn)
			}()
		}
	}()
	return nil
}

// Stop closes the listener and any open connections, then removes the
// socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.listener != nil {
		s.listener.Close()
	}
	s.closeConns()
	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			encoder.Encode(controller.AdminReply{Err: "malformed request: " + err.Error()})
			continue
		}

		if req.Command == "monitor" {
			s.streamEvents(ctx, conn, encoder)
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.replyTimeout)
		reply := s.handler(reqCtx, req)
		cancel()
		if err := encoder.Encode(reply); err != nil {
			return
		}
	}
}

// streamEvents sends broker events as JSON lines until the client hangs up
// or the daemon stops.
func (s *Server) streamEvents(ctx context.Context, conn net.Conn, encoder *json.Encoder) {
	if s.broker == nil {
		encoder.Encode(controller.AdminReply{Err: "event monitoring unavailable"})
		return
	}
	sub, cancel := s.broker.Subscribe()
	defer cancel()

	// Detect client hangup by reading; the monitor protocol is one-way.
	hangup := make(chan struct{})
	go func() {
		defer close(hangup)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := encoder.Encode(ev); err != nil {
				return
			}
		}
	}
}

// ErrTimeout is returned by handlers when a controller does not reply in
// time; its text travels to the client in the reply's error field.
var ErrTimeout = errors.New("admin request timed out")
