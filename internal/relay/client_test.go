package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer fakes the companion with in-memory pipes. The first fails
// dial attempts error out; each later attempt yields a fresh pipe whose
// far end is delivered on the returned channel.
func pipeDialer(fails int) (func(ctx context.Context) (net.Conn, error), chan net.Conn) {
	server := make(chan net.Conn, 4)
	attempts := 0

	dial := func(ctx context.Context) (net.Conn, error) {
		attempts++
		if attempts <= fails {
			return nil, errors.New("connection refused")
		}

		near, far := net.Pipe()
		server <- far
		return near, nil
	}

	return dial, server
}

func newTestClient(t *testing.T, fails int) (*Client, chan net.Conn, context.CancelFunc) {
	t.Helper()

	c := NewClient(zerolog.Nop(), ClientOptions{
		ReconnectInterval: 5 * time.Millisecond,
		PingInterval:      time.Hour,
	})

	dial, server := pipeDialer(fails)
	c.dialFunc = dial

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	t.Cleanup(func() {
		cancel()
		c.Close()
	})

	return c, server, cancel
}

func readFrameWithin(t *testing.T, conn net.Conn, d time.Duration) Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	f, err := ReadFrame(conn)
	require.NoError(t, err)
	return f
}

func waitAlive(t *testing.T, c *Client, want bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Alive() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("client alive state never became %v", want)
}

func TestClientSendReachesCompanion(t *testing.T) {
	c, server, _ := newTestClient(t, 0)

	conn := <-server
	defer conn.Close()
	waitAlive(t, c, true)

	c.Send(OpSend, []byte("from host"))

	f := readFrameWithin(t, conn, 2*time.Second)
	assert.Equal(t, OpSend, f.Op)
	assert.Equal(t, "from host", string(f.Payload))
}

func TestClientDispatchesInboundFrames(t *testing.T) {
	c, server, _ := newTestClient(t, 0)

	got := make(chan Frame, 1)
	c.OnFrame(func(f Frame) { got <- f })

	conn := <-server
	defer conn.Close()
	waitAlive(t, c, true)

	require.NoError(t, WriteFrame(conn, Frame{Op: OpRecv, Payload: []byte("inject me")}))

	select {
	case f := <-got:
		assert.Equal(t, OpRecv, f.Op)
		assert.Equal(t, "inject me", string(f.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame never reached the handler")
	}
}

func TestClientConsumesKeepalives(t *testing.T) {
	c, server, _ := newTestClient(t, 0)

	got := make(chan Frame, 2)
	c.OnFrame(func(f Frame) { got <- f })

	conn := <-server
	defer conn.Close()
	waitAlive(t, c, true)

	require.NoError(t, WriteFrame(conn, Frame{Op: OpPing}))
	require.NoError(t, WriteFrame(conn, Frame{Op: OpSend, Payload: []byte("after ping")}))

	select {
	case f := <-got:
		assert.Equal(t, OpSend, f.Op, "keepalive should not reach the handler")
	case <-time.After(2 * time.Second):
		t.Fatal("frame after keepalive never arrived")
	}
}

func TestClientSendsKeepalives(t *testing.T) {
	c := NewClient(zerolog.Nop(), ClientOptions{
		ReconnectInterval: 5 * time.Millisecond,
		PingInterval:      10 * time.Millisecond,
	})
	dial, server := pipeDialer(0)
	c.dialFunc = dial

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	conn := <-server
	defer conn.Close()

	f := readFrameWithin(t, conn, 2*time.Second)
	assert.Equal(t, OpPing, f.Op)
	assert.Empty(t, f.Payload)
}

func TestClientReconnects(t *testing.T) {
	c, server, _ := newTestClient(t, 0)

	first := <-server
	waitAlive(t, c, true)

	first.Close()
	waitAlive(t, c, false)

	select {
	case second := <-server:
		defer second.Close()
		waitAlive(t, c, true)
	case <-time.After(2 * time.Second):
		t.Fatal("client never reconnected")
	}
}

func TestClientBuffersWhileDown(t *testing.T) {
	c, server, _ := newTestClient(t, 2)

	c.Send(OpSend, []byte("one"))
	c.Send(OpSend, []byte("two"))

	conn := <-server
	defer conn.Close()

	f := readFrameWithin(t, conn, 2*time.Second)
	assert.Equal(t, "one", string(f.Payload))

	f = readFrameWithin(t, conn, 2*time.Second)
	assert.Equal(t, "two", string(f.Payload))
}

func TestClientSendCopiesPayload(t *testing.T) {
	c, server, _ := newTestClient(t, 0)

	conn := <-server
	defer conn.Close()
	waitAlive(t, c, true)

	payload := []byte("stable")
	c.Send(OpSend, payload)
	copy(payload, "mangle")

	f := readFrameWithin(t, conn, 2*time.Second)
	assert.Equal(t, "stable", string(f.Payload))
}

func TestClientCloseStopsRun(t *testing.T) {
	c := NewClient(zerolog.Nop(), ClientOptions{
		ReconnectInterval: time.Millisecond,
	})
	dial, server := pipeDialer(0)
	c.dialFunc = dial

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	conn := <-server
	defer conn.Close()
	waitAlive(t, c, true)

	require.NoError(t, c.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
	assert.False(t, c.Alive())
}

func TestClientDropsWhenBacklogFull(t *testing.T) {
	c := NewClient(zerolog.Nop(), ClientOptions{})

	for i := 0; i < backlogSize+10; i++ {
		c.Send(OpSend, []byte{byte(i)})
	}

	assert.Equal(t, backlogSize, len(c.out))
	assert.Equal(t, uint64(10), c.dropped.Load())
}
