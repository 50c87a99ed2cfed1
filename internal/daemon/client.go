package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/autointersection/internal/protocol"
)

// DialFunc opens a stream to the arbiter. net.Dialer.DialContext satisfies
// it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client is a lazily dialled session with the arbiter. A failed write or
// read drops the connection; the next Send dials again.
type Client struct {
	addr    string
	dial    DialFunc
	handler func(protocol.Message)

	// DialTimeout and WriteTimeout bound each attempt.
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ctx is cancelled by Close so a dial in progress gives up.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	wg     sync.WaitGroup
}

// NewClient returns a client for the arbiter at addr. Every message read
// from the arbiter is passed to handler on the client's reader goroutine.
// A nil dial uses net.Dialer.
func NewClient(addr string, dial DialFunc, handler func(protocol.Message)) *Client {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ctx:          ctx,
		cancel:       cancel,
		addr:         addr,
		dial:         dial,
		handler:      handler,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

// Send writes m, dialling first if there is no connection.
func (c *Client) Send(m protocol.Message) error {
	conn, err := c.connect()
	if err != nil {
		return err
	}
	if c.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if err := protocol.WriteMessage(conn, m); err != nil {
		c.drop(conn)
		return fmt.Errorf("send %s to arbiter: %w", m.Type(), err)
	}
	return nil
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close drops the session and waits for the reader to finish. Later Sends
// fail.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) connect() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.DialTimeout)
	defer cancel()
	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("dial arbiter %s: %w", c.addr, err)
	}
	logf("[v2i] connected to arbiter %s", c.addr)
	c.conn = conn
	c.wg.Add(1)
	go c.read(conn)
	return conn, nil
}

func (c *Client) read(conn net.Conn) {
	defer c.wg.Done()
	for {
		m, err := protocol.ReadMessage(conn)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrUnknownMessage):
				logf("[v2i] %v", err)
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				logf("[v2i] arbiter session: %v", err)
			}
			c.drop(conn)
			return
		}
		if c.handler != nil {
			c.handler(m)
		}
	}
}

// drop closes conn if it is still the current session.
func (c *Client) drop(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}
