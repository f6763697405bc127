package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/session"
)

const (
	// DefaultAddr is where the companion process listens.
	DefaultAddr = "127.0.0.1:2350"

	// DefaultReconnectInterval is the pause between connection attempts
	// while the companion is unreachable.
	DefaultReconnectInterval = 3 * time.Second

	// DefaultPingInterval is how often an empty keepalive frame is sent
	// on an idle link.
	DefaultPingInterval = 5 * time.Second

	dialTimeout = 2 * time.Second

	// backlogSize bounds the frames queued while the companion link is
	// down. A full backlog drops new frames instead of blocking hooked
	// calls inside the host.
	backlogSize = 256
)

// ClientOptions configures a companion client. Zero fields fall back to
// the package defaults.
type ClientOptions struct {
	Addr              string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
}

// Client maintains the link to the companion process. It reconnects on
// its own, queues outbound frames while the link is down, and hands
// every inbound frame to the registered handler.
type Client struct {
	logger zerolog.Logger

	addr      string
	reconnect time.Duration
	ping      time.Duration

	dialFunc func(ctx context.Context) (net.Conn, error)

	alive   atomic.Bool
	out     chan Frame
	dropped atomic.Uint64

	mu      sync.Mutex
	conn    net.Conn
	handler func(Frame)
	closed  bool
}

// NewClient creates a client for the companion at opts.Addr. The client
// does nothing until Run is called.
func NewClient(logger zerolog.Logger, opts ClientOptions) *Client {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}

	c := &Client{
		logger:    logger,
		addr:      opts.Addr,
		reconnect: opts.ReconnectInterval,
		ping:      opts.PingInterval,
		out:       make(chan Frame, backlogSize),
	}
	c.dialFunc = c.dial

	return c
}

// OnFrame registers the handler for inbound frames. Keepalives are
// consumed by the client and never reach the handler. The handler runs
// on the client's read loop, so it must not block.
func (c *Client) OnFrame(handler func(Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Alive reports whether the companion link is currently established.
func (c *Client) Alive() bool {
	return c.alive.Load()
}

// Send queues a frame for the companion. The payload is copied, so the
// caller may reuse its buffer. Frames queued while the link is down are
// flushed once it comes back; when the backlog is full the frame is
// dropped so the hooked call never stalls the host.
func (c *Client) Send(op Op, payload []byte) {
	f := Frame{Op: op}
	if len(payload) > 0 {
		f.Payload = make([]byte, len(payload))
		copy(f.Payload, payload)
	}

	select {
	case c.out <- f:
	default:
		if c.dropped.Add(1)%100 == 1 {
			c.logger.Warn().
				Str("op", op.String()).
				Uint64("dropped", c.dropped.Load()).
				Msg("relay backlog full, dropping frames")
		}
	}
}

// Run connects to the companion and keeps the link alive until ctx is
// cancelled or Close is called. It blocks, so callers start it on its
// own goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		if c.isClosed() || ctx.Err() != nil {
			return
		}

		conn, err := c.dialFunc(ctx)
		if err != nil {
			c.logger.Trace().Err(err).Str("addr", c.addr).Msg("companion unreachable")
			if !sleepCtx(ctx, c.reconnect) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.alive.Store(true)
		c.logger.Info().Str("addr", c.addr).Msg("companion connected")

		c.pump(ctx, conn)

		c.alive.Store(false)
		c.setConn(nil)
		conn.Close()

		if c.isClosed() || ctx.Err() != nil {
			return
		}

		c.logger.Warn().Str("addr", c.addr).Msg("companion disconnected")
		if !sleepCtx(ctx, c.reconnect) {
			return
		}
	}
}

// Close tears down the current link and stops Run. Queued frames are
// discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.alive.Store(false)
	if conn != nil {
		return conn.Close()
	}

	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(session.WithBypass(ctx), "tcp", c.addr)
}

// pump runs the read and write loops for one established link and
// returns when either side fails or ctx is cancelled.
func (c *Client) pump(ctx context.Context, conn net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		c.readLoop(conn)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		c.writeLoop(ctx, conn)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}

	// Unblock whichever loop is still inside a conn call.
	conn.Close()
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			c.logger.Trace().Err(err).Msg("companion read loop ended")
			return
		}

		if f.Op == OpPing {
			continue
		}

		if handler := c.currentHandler(); handler != nil {
			handler(f)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.out:
			if err := WriteFrame(conn, f); err != nil {
				c.logger.Trace().Err(err).Msg("companion write loop ended")
				return
			}
		case <-ticker.C:
			if err := WriteFrame(conn, Frame{Op: OpPing}); err != nil {
				c.logger.Trace().Err(err).Msg("companion keepalive failed")
				return
			}
		}
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) currentHandler() func(Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
