package admin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rerobots/hardshare/pkg/controller"
	"github.com/rerobots/hardshare/pkg/events"
)

// Client is the CLI side of the admin socket.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Dial connects to a daemon's admin socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon not responsive at %s: %w", path, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	return &Client{conn: conn, scanner: scanner}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and waits for the reply line.
func (c *Client) Do(req Request, timeout time.Duration) (*controller.AdminReply, error) {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, err
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}
	var reply controller.AdminReply
	if err := json.Unmarshal(c.scanner.Bytes(), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Monitor requests the event stream and calls fn per event until the
// stream ends or fn returns an error.
func (c *Client) Monitor(fn func(*events.Event) error) error {
	data, err := json.Marshal(Request{Command: "monitor"})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return err
	}

	c.conn.SetDeadline(time.Time{})
	for c.scanner.Scan() {
		var ev events.Event
		if err := json.Unmarshal(c.scanner.Bytes(), &ev); err != nil {
			return err
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return c.scanner.Err()
}
