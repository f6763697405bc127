package relay

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/rules"
)

// Registry tracks the connections whose traffic is shared with the
// companion and routes inbound companion frames to the newest of them.
// The companion treats the link the same way: one live session at a
// time, older connections lingering only until they close.
type Registry struct {
	logger zerolog.Logger
	client *Client

	mu    sync.Mutex
	conns map[string]*TrackedConn
	order []string
}

// NewRegistry creates a registry whose tracked connections share their
// traffic through client.
func NewRegistry(logger zerolog.Logger, client *Client) *Registry {
	return &Registry{
		logger: logger,
		client: client,
		conns:  make(map[string]*TrackedConn),
	}
}

// Track wraps conn according to rule and registers the wrapper. The
// caller hands the wrapper to the host in place of conn.
func (r *Registry) Track(conn net.Conn, rule *rules.Rule) *TrackedConn {
	id := uuid.NewString()

	tc := &TrackedConn{
		inner:    conn,
		client:   r.client,
		id:       id,
		rule:     rule,
		mirror:   rule.Mirror,
		takeover: rule.Takeover,
		logger: r.logger.With().
			Str("conn_id", id).
			Str("rule", rule.Name).
			Logger(),
	}
	tc.onClose = func() { r.drop(id) }

	r.mu.Lock()
	r.conns[id] = tc
	r.order = append(r.order, id)
	r.mu.Unlock()

	tc.logger.Debug().
		Bool("takeover", rule.Takeover).
		Str("remote", conn.RemoteAddr().String()).
		Msg("connection tracked for companion")

	return tc
}

// Dispatch routes one companion frame. Send payloads go to the server
// through the active connection, recv payloads are injected into its
// host read stream. Frames arriving when nothing is tracked are
// dropped.
func (r *Registry) Dispatch(f Frame) {
	tc := r.active()
	if tc == nil {
		r.logger.Trace().Str("op", f.Op.String()).Msg("companion frame with no tracked connection")
		return
	}

	switch f.Op {
	case OpSend:
		tc.writeDirect(f.Payload)
	case OpRecv:
		tc.inject(f.Payload)
	default:
		r.logger.Trace().Str("op", f.Op.String()).Msg("ignoring companion frame")
	}
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Reset forgets all tracked connections without closing them. The
// wrappers keep serving the host and degrade to passthrough once the
// companion client is closed.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]*TrackedConn)
	r.order = nil
}

func (r *Registry) active() *TrackedConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return nil
	}

	return r.conns[r.order[len(r.order)-1]]
}

func (r *Registry) drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return
	}

	delete(r.conns, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
