package hooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/detour"
	"github.com/sctnightcore/netredirect/internal/netutil"
	"github.com/sctnightcore/netredirect/internal/relay"
	"github.com/sctnightcore/netredirect/internal/rules"
	"github.com/sctnightcore/netredirect/internal/session"
)

type dialContextFunc = func(
	d *net.Dialer,
	ctx context.Context,
	network, address string,
) (net.Conn, error)

// activeConnHook holds the installed hook instance. The patched entry
// can only jump to a plain function, so that function reaches its state
// through this package global; install and uninstall keep it in step
// with the patch.
var activeConnHook atomic.Pointer[ConnectionHook]

// ConnectionHook redirects outbound dials through the rule table by
// patching (*net.Dialer).DialContext, the choke point every dialer in
// the process funnels through. Matched dials go to the rule's target
// via the original implementation; mirrored ones come back wrapped for
// the relay. Anything the hook cannot decide passes through unchanged.
type ConnectionHook struct {
	logger     zerolog.Logger
	table      *rules.Table
	correlator *rules.Correlator
	registry   *relay.Registry

	record *detour.Record
	origin dialContextFunc
}

var _ Hook = (*ConnectionHook)(nil)

// NewConnectionHook creates the hook. The correlator and registry may
// be nil; hostname correlation and relay tracking are then skipped.
func NewConnectionHook(
	logger zerolog.Logger,
	table *rules.Table,
	correlator *rules.Correlator,
	registry *relay.Registry,
) *ConnectionHook {
	return &ConnectionHook{
		logger:     logger,
		table:      table,
		correlator: correlator,
		registry:   registry,
	}
}

func (h *ConnectionHook) Name() string {
	return "net.dialer.dialcontext"
}

// Install patches the dialer entry. The hook binds itself to the
// package global before the patch lands so no call ever reaches an
// unbound entry; failure unwinds in the opposite order.
func (h *ConnectionHook) Install(m *detour.Manager) error {
	if !activeConnHook.CompareAndSwap(nil, h) {
		return fmt.Errorf("%w: %s", detour.ErrAlreadyInstalled, h.Name())
	}

	target, err := detour.FuncEntry((*net.Dialer).DialContext)
	if err != nil {
		activeConnHook.CompareAndSwap(h, nil)
		return fmt.Errorf("%w: %s: %w", detour.ErrPatchFailed, h.Name(), err)
	}

	replacement, err := detour.FuncEntry(hookedDialContext)
	if err != nil {
		activeConnHook.CompareAndSwap(h, nil)
		return fmt.Errorf("%w: %s: %w", detour.ErrPatchFailed, h.Name(), err)
	}

	rec, err := m.Install(h.Name(), target, replacement)
	if err != nil {
		activeConnHook.CompareAndSwap(h, nil)
		return err
	}

	if rec.HasTrampoline() {
		var origin dialContextFunc
		if err := detour.BindFunc(&origin, rec.Origin()); err != nil {
			uninstallErr := m.Uninstall(rec)
			activeConnHook.CompareAndSwap(h, nil)
			return errors.Join(
				fmt.Errorf("%w: %s: bind origin: %w", detour.ErrPatchFailed, h.Name(), err),
				uninstallErr,
			)
		}
		h.origin = origin
	}

	h.record = rec
	h.logger.Debug().Msg("dialer routed through rule table")

	return nil
}

func (h *ConnectionHook) Uninstall(m *detour.Manager) error {
	if h.record == nil {
		return detour.ErrNotInstalled
	}

	if err := m.Uninstall(h.record); err != nil {
		return err
	}

	h.record = nil
	h.origin = nil
	activeConnHook.CompareAndSwap(h, nil)

	h.logger.Debug().Msg("dialer restored")

	return nil
}

// hookedDialContext is the patched entry target. Its signature must
// stay the exact method signature with the receiver first.
func hookedDialContext(
	d *net.Dialer,
	ctx context.Context,
	network, address string,
) (net.Conn, error) {
	h := activeConnHook.Load()
	if h == nil {
		return nil, fmt.Errorf("netredirect: connection hook entry with no hook bound")
	}

	return h.intercept(d, ctx, network, address)
}

func (h *ConnectionHook) intercept(
	d *net.Dialer,
	ctx context.Context,
	network, address string,
) (net.Conn, error) {
	if session.BypassFrom(ctx) {
		return h.callOrigin(d, ctx, network, address)
	}

	rule, ok := h.decide(network, address)
	if !ok {
		return h.callOrigin(d, ctx, network, address)
	}

	// Each redirected dial gets a trace id so its log lines can be
	// followed through the relay and registry.
	ctx = session.WithNewTraceID(session.WithRemoteInfo(ctx, address))
	logger := h.logger.With().Ctx(ctx).Logger()

	target := rule.Target.String()
	logger.Debug().
		Str("network", network).
		Str("requested", address).
		Str("target", target).
		Str("rule", rule.Name).
		Msg("connection redirected")

	conn, err := h.callOrigin(d, ctx, network, target)
	if err != nil {
		logger.Debug().Err(err).Str("target", target).Msg("redirected dial failed")
		return nil, err
	}

	if rule.Mirror && h.registry != nil {
		conn = h.registry.Track(conn, rule)
	}

	return conn, nil
}

// decide matches the requested endpoint against the table. Any panic in
// the decision path is contained here and reported as a miss, so a
// broken table can degrade the hook to a passthrough but never take the
// host call down with it.
func (h *ConnectionHook) decide(network, address string) (rule *rules.Rule, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Interface("panic", r).
				Str("address", address).
				Msg("connection hook recovered, passing dial through")
			rule, ok = nil, false
		}
	}()

	switch network {
	case "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6":
	default:
		return nil, false
	}

	ep, err := netutil.ParseEndpoint(address)
	if err != nil {
		return nil, false
	}

	if ep.IsLiteral() {
		if r, found := h.table.LookupAddr(ep.AddrPort()); found {
			return r, true
		}

		// A bare address may still fall under a host rule when we saw
		// the name resolve to it recently.
		if h.correlator != nil {
			if host, found := h.correlator.HostFor(ep.Addr); found {
				if r, found := h.table.LookupHost(host, ep.Port); found {
					return r, true
				}
			}
		}

		return nil, false
	}

	if r, found := h.table.LookupHost(ep.Host, ep.Port); found {
		return r, true
	}

	return nil, false
}

// callOrigin reaches the genuine DialContext. With a trampoline the
// bound origin is always callable; a flip record restores the entry
// around the call instead.
func (h *ConnectionHook) callOrigin(
	d *net.Dialer,
	ctx context.Context,
	network, address string,
) (net.Conn, error) {
	rec := h.record
	if rec == nil {
		return d.DialContext(ctx, network, address)
	}

	if h.origin != nil {
		return h.origin(d, ctx, network, address)
	}

	var conn net.Conn
	var dialErr error

	err := rec.CallUnpatched(func() {
		conn, dialErr = d.DialContext(ctx, network, address)
	})
	if err != nil {
		return nil, err
	}

	return conn, dialErr
}
