package relay

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/rules"
)

// mirrorChunk caps the payload of a single mirrored frame. Larger reads
// and writes are split across frames.
const mirrorChunk = 4096

// aLongTimeAgo is a past deadline used to interrupt a blocked Read when
// companion data arrives.
var aLongTimeAgo = time.Unix(1, 0)

// TrackedConn wraps an established connection whose traffic is shared
// with the companion. In mirror mode both streams are copied out and the
// host talks to the server as usual. In takeover mode the companion
// owns the send stream: host writes are reported as sent but only
// forwarded as frames, and the companion decides what reaches the
// server and what the host reads. Either way the connection degrades to
// a plain passthrough whenever the companion link is down.
type TrackedConn struct {
	inner  net.Conn
	client *Client
	logger zerolog.Logger

	id       string
	rule     *rules.Rule
	mirror   bool
	takeover bool

	mu           sync.Mutex
	injected     [][]byte
	woken        bool
	hostDeadline time.Time

	closeOnce sync.Once
	onClose   func()
}

// ID returns the identifier the connection was registered under.
func (c *TrackedConn) ID() string { return c.id }

// Rule returns the rule that caused the connection to be tracked.
func (c *TrackedConn) Rule() *rules.Rule { return c.rule }

func (c *TrackedConn) Read(p []byte) (int, error) {
	for {
		if n, ok := c.takeInjected(p); ok {
			return n, nil
		}

		n, err := c.inner.Read(p)
		if n > 0 {
			if c.linked() {
				c.sendChunked(OpRecv, p[:n])
			}
			return n, err
		}
		if err == nil {
			continue
		}
		if c.consumeWake(err) {
			continue
		}
		return 0, err
	}
}

func (c *TrackedConn) Write(p []byte) (int, error) {
	if c.takeover && c.linked() {
		// The companion owns the send stream. The host believes the
		// write succeeded while only the companion sees the bytes.
		c.sendChunked(OpSend, p)
		return len(p), nil
	}

	n, err := c.inner.Write(p)
	if n > 0 && c.linked() {
		c.sendChunked(OpSend, p[:n])
	}

	return n, err
}

func (c *TrackedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
		err = c.inner.Close()
	})

	return err
}

func (c *TrackedConn) LocalAddr() net.Addr  { return c.inner.LocalAddr() }
func (c *TrackedConn) RemoteAddr() net.Addr { return c.inner.RemoteAddr() }

func (c *TrackedConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.inner.SetWriteDeadline(t)
}

func (c *TrackedConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hostDeadline = t
	if c.woken {
		// The deadline is currently poked to deliver injected data; the
		// host's deadline is reapplied once the wake is consumed.
		return nil
	}

	return c.inner.SetReadDeadline(t)
}

func (c *TrackedConn) SetWriteDeadline(t time.Time) error {
	return c.inner.SetWriteDeadline(t)
}

// writeDirect puts companion bytes on the wire to the server.
func (c *TrackedConn) writeDirect(b []byte) {
	if _, err := c.inner.Write(b); err != nil {
		c.logger.Trace().Err(err).Msg("companion payload write failed")
	}
}

// inject queues companion bytes for the host's next Read and interrupts
// a Read already blocked on the server.
func (c *TrackedConn) inject(b []byte) {
	buf := make([]byte, len(b))
	copy(buf, b)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.injected = append(c.injected, buf)
	if !c.woken {
		c.woken = true
		c.inner.SetReadDeadline(aLongTimeAgo)
	}
}

// takeInjected hands queued companion bytes to the host, splitting a
// queued chunk when p is too small for it.
func (c *TrackedConn) takeInjected(p []byte) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.injected) == 0 {
		return 0, false
	}

	n := copy(p, c.injected[0])
	if n < len(c.injected[0]) {
		c.injected[0] = c.injected[0][n:]
	} else {
		c.injected = c.injected[1:]
	}

	return n, true
}

// consumeWake reports whether err is the poked deadline from inject. If
// so the host's own deadline is reapplied and the Read should retry.
func (c *TrackedConn) consumeWake(err error) bool {
	nerr, ok := err.(net.Error)
	if !ok || !nerr.Timeout() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.woken {
		return false
	}

	c.woken = false
	c.inner.SetReadDeadline(c.hostDeadline)
	return true
}

func (c *TrackedConn) linked() bool {
	return c.mirror && c.client != nil && c.client.Alive()
}

func (c *TrackedConn) sendChunked(op Op, p []byte) {
	for len(p) > 0 {
		n := len(p)
		if n > mirrorChunk {
			n = mirrorChunk
		}
		c.client.Send(op, p[:n])
		p = p[n:]
	}
}
