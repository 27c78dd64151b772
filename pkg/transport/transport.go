package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/types"
)

// Handler receives transport callbacks. OnFrame is called from a single
// goroutine in frame arrival order; the handler routes to controller
// inboxes and must not block for long.
type Handler interface {
	OnFrame(f *types.Frame)
	OnConnect()
	OnDisconnect(err error)
	OnDegraded()
}

// Config tunes the persistent upstream channel.
type Config struct {
	// URL is the full websocket endpoint, e.g.
	// wss://api.rerobots.net/hardshare/ad.
	URL string

	// TokenFn supplies the bearer credential at each (re)connect, so a
	// token refresh on disk takes effect without a restart.
	TokenFn func() (string, error)

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	Cutoff            time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.Cutoff == 0 {
		c.Cutoff = 20 * time.Minute
	}
	return c
}

// Client maintains the authenticated bidirectional frame channel. One
// writer goroutine serializes outbound frames from the multi-producer
// queue; inbound frames are delivered in arrival order.
type Client struct {
	cfg     Config
	handler Handler

	out      chan *types.Frame
	degraded atomic.Bool
	lastRx   atomic.Int64 // unix nanos of last inbound traffic

	logger zerolog.Logger
}

// New creates a client; Run must be called to start it.
func New(cfg Config, handler Handler) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		handler: handler,
		out:     make(chan *types.Frame, 256),
		logger:  log.For("transport"),
	}
}

// Send enqueues an outbound frame. Per-producer order is preserved; frames
// queued while disconnected are delivered after reconnect. Returns
// ErrTransportDisconnected when the queue is full.
func (c *Client) Send(f *types.Frame) error {
	select {
	case c.out <- f:
		metrics.FramesSent.WithLabelValues(f.Cmd).Inc()
		return nil
	default:
		return fmt.Errorf("%w: outbound queue full", types.ErrTransportDisconnected)
	}
}

// Degraded reports whether continuous connection failure exceeded the
// cutoff.
func (c *Client) Degraded() bool {
	return c.degraded.Load()
}

// Run connects and reconnects until ctx is canceled. Backoff starts at
// ReconnectBase, doubles to ReconnectCap; continuous failure past Cutoff
// raises OnDegraded once per outage.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectBase
	var failingSince time.Time

	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			if failingSince.IsZero() {
				failingSince = time.Now()
			}
			if !c.degraded.Load() && time.Since(failingSince) > c.cfg.Cutoff {
				c.degraded.Store(true)
				c.logger.Error().Dur("outage", time.Since(failingSince)).Msg("transport degraded: reconnect cutoff exceeded")
				c.handler.OnDegraded()
			}
			metrics.TransportReconnects.Inc()
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("upstream connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectCap {
				backoff = c.cfg.ReconnectCap
			}
			continue
		}

		backoff = c.cfg.ReconnectBase
		failingSince = time.Time{}
		c.degraded.Store(false)

		c.logger.Info().Str("url", c.cfg.URL).Msg("upstream connected")
		c.handler.OnConnect()
		serveErr := c.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(serveErr).Msg("upstream disconnected")
		c.handler.OnDisconnect(serveErr)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.cfg.TokenFn()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", types.ErrTransportAuthFailed, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// serve pumps one established connection until it breaks or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.lastRx.Store(time.Now().UnixNano())

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-serveCtx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return serveCtx.Err()

		case err := <-readErr:
			return err

		case f := <-c.out:
			data, err := f.Encode()
			if err != nil {
				c.logger.Error().Err(err).Str("cmd", f.Cmd).Msg("dropping unencodable frame")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Best effort: put the frame back for the next connection.
				select {
				case c.out <- f:
				default:
				}
				return err
			}

		case <-ticker.C:
			// Two silent heartbeat intervals means the peer is gone.
			silent := time.Since(time.Unix(0, c.lastRx.Load()))
			if silent > 2*c.cfg.HeartbeatInterval+c.cfg.HeartbeatInterval/2 {
				return fmt.Errorf("%w: no heartbeat for %s", types.ErrTransportDisconnected, silent)
			}
			hb := &types.Frame{Cmd: types.CmdHeartbeat}
			data, _ := hb.Encode()
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
			metrics.FramesSent.WithLabelValues(types.CmdHeartbeat).Inc()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.lastRx.Store(time.Now().UnixNano())
		if kind != websocket.TextMessage {
			continue
		}

		f, err := types.DecodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("undecodable frame; ignoring")
			continue
		}
		metrics.FramesReceived.WithLabelValues(f.Cmd).Inc()

		switch f.Cmd {
		case types.CmdPing:
			// Answered here; controllers never see transport liveness.
			c.Send(&types.Frame{Cmd: types.CmdPong, MessageID: f.MessageID})
		case types.CmdHeartbeat:
			// rx timestamp update above is all a heartbeat means
		default:
			c.handler.OnFrame(f)
		}
	}
}
