//go:build windows

package hooks

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"

	"github.com/sctnightcore/netredirect/internal/detour"
	"github.com/sctnightcore/netredirect/internal/netutil"
	"github.com/sctnightcore/netredirect/internal/relay"
	"github.com/sctnightcore/netredirect/internal/rules"
)

// socketError is SOCKET_ERROR truncated to the callee's int width.
const socketError = ^uintptr(0)

// activeWinsockHook mirrors activeConnHook: the winsock callbacks are
// plain functions and reach the hook instance through it.
var activeWinsockHook atomic.Pointer[WinsockHook]

// The callback thunks are process-global and never released, so they
// are created once and reused across attach cycles.
var (
	winsockCallbackOnce sync.Once
	connectCallback     uintptr
	sendCallback        uintptr
	recvCallback        uintptr
	closeCallback       uintptr
)

func winsockCallbacks() (connect, send, recv, clos uintptr) {
	winsockCallbackOnce.Do(func() {
		connectCallback = syscall.NewCallback(hookedConnect)
		sendCallback = syscall.NewCallback(hookedSend)
		recvCallback = syscall.NewCallback(hookedRecv)
		closeCallback = syscall.NewCallback(hookedCloseSocket)
	})

	return connectCallback, sendCallback, recvCallback, closeCallback
}

// WinsockHook patches ws2_32 connect, send, recv and closesocket inside
// an injected host process. Connect destinations are rewritten per the
// rule table; sockets matched by a mirror rule have their streams
// copied to the relay companion, and in takeover mode the companion
// owns the send stream the same way TrackedConn does for dialed
// connections.
type WinsockHook struct {
	logger     zerolog.Logger
	table      *rules.Table
	correlator *rules.Correlator
	client     *relay.Client

	connectRec *detour.Record
	sendRec    *detour.Record
	recvRec    *detour.Record
	closeRec   *detour.Record

	mu      sync.Mutex
	tracked map[uintptr]*wsSocket
	order   []uintptr
}

var _ Hook = (*WinsockHook)(nil)

// wsSocket is the per-socket relay state, keyed by the SOCKET handle.
type wsSocket struct {
	rule *rules.Rule

	mu       sync.Mutex
	injected [][]byte
}

func (ws *wsSocket) inject(b []byte) {
	buf := make([]byte, len(b))
	copy(buf, b)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.injected = append(ws.injected, buf)
}

func (ws *wsSocket) takeInjected(limit int) ([]byte, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if len(ws.injected) == 0 || limit <= 0 {
		return nil, false
	}

	head := ws.injected[0]
	if limit < len(head) {
		ws.injected[0] = head[limit:]
		return head[:limit], true
	}

	ws.injected = ws.injected[1:]
	return head, true
}

// NewWinsockHook creates the hook. The client may be nil; sockets are
// then redirected but never mirrored.
func NewWinsockHook(
	logger zerolog.Logger,
	table *rules.Table,
	correlator *rules.Correlator,
	client *relay.Client,
) *WinsockHook {
	return &WinsockHook{
		logger:     logger,
		table:      table,
		correlator: correlator,
		client:     client,
		tracked:    make(map[uintptr]*wsSocket),
	}
}

func (h *WinsockHook) Name() string {
	return "ws2_32"
}

// Install patches the four winsock entries. A failure part way through
// returns the error with the earlier patches still installed; the
// caller unwinds them through the manager.
func (h *WinsockHook) Install(m *detour.Manager) error {
	if !activeWinsockHook.CompareAndSwap(nil, h) {
		return fmt.Errorf("%w: %s", detour.ErrAlreadyInstalled, h.Name())
	}

	dll := windows.NewLazySystemDLL("ws2_32.dll")
	connectCB, sendCB, recvCB, closeCB := winsockCallbacks()

	installs := []struct {
		proc     string
		callback uintptr
		rec      **detour.Record
	}{
		{proc: "connect", callback: connectCB, rec: &h.connectRec},
		{proc: "send", callback: sendCB, rec: &h.sendRec},
		{proc: "recv", callback: recvCB, rec: &h.recvRec},
		{proc: "closesocket", callback: closeCB, rec: &h.closeRec},
	}

	for _, in := range installs {
		proc := dll.NewProc(in.proc)
		if err := proc.Find(); err != nil {
			activeWinsockHook.CompareAndSwap(h, nil)
			return fmt.Errorf("%w: ws2_32.%s: %w", detour.ErrPatchFailed, in.proc, err)
		}

		rec, err := m.Install("ws2_32."+in.proc, proc.Addr(), in.callback)
		if err != nil {
			activeWinsockHook.CompareAndSwap(h, nil)
			return err
		}

		*in.rec = rec
	}

	h.logger.Debug().Msg("winsock routed through rule table")

	return nil
}

func (h *WinsockHook) Uninstall(m *detour.Manager) error {
	var errs []error

	for _, rec := range []**detour.Record{&h.closeRec, &h.recvRec, &h.sendRec, &h.connectRec} {
		if *rec == nil {
			continue
		}

		if err := m.Uninstall(*rec); err != nil {
			errs = append(errs, err)
			continue
		}

		*rec = nil
	}

	h.mu.Lock()
	h.tracked = make(map[uintptr]*wsSocket)
	h.order = nil
	h.mu.Unlock()

	activeWinsockHook.CompareAndSwap(h, nil)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	h.logger.Debug().Msg("winsock restored")

	return nil
}

// DispatchFrame routes a companion frame to the newest tracked socket.
// It reports false when no socket is tracked so the caller can fall
// back to the dialed connection registry.
func (h *WinsockHook) DispatchFrame(f relay.Frame) bool {
	s, ws := h.newest()
	if ws == nil {
		return false
	}

	switch f.Op {
	case relay.OpSend:
		h.writeToSocket(s, f.Payload)
	case relay.OpRecv:
		ws.inject(f.Payload)
	}

	return true
}

func hookedConnect(s, name, namelen uintptr) uintptr {
	h := activeWinsockHook.Load()
	if h == nil {
		return socketError
	}

	return h.interceptConnect(s, name, namelen)
}

func hookedSend(s, buf, n, flags uintptr) uintptr {
	h := activeWinsockHook.Load()
	if h == nil {
		return socketError
	}

	return h.interceptSend(s, buf, n, flags)
}

func hookedRecv(s, buf, n, flags uintptr) uintptr {
	h := activeWinsockHook.Load()
	if h == nil {
		return socketError
	}

	return h.interceptRecv(s, buf, n, flags)
}

func hookedCloseSocket(s uintptr) uintptr {
	h := activeWinsockHook.Load()
	if h == nil {
		return socketError
	}

	h.untrack(s)
	return h.callOrigin(h.closeRec, s)
}

func (h *WinsockHook) interceptConnect(s, name, namelen uintptr) uintptr {
	rule, rewritten := h.decideConnect(name, namelen)
	if rule == nil {
		return h.callOrigin(h.connectRec, s, name, namelen)
	}

	ret := h.callOrigin(h.connectRec,
		s,
		uintptr(unsafe.Pointer(&rewritten[0])),
		uintptr(len(rewritten)),
	)

	if int32(ret) == 0 && rule.Mirror && h.client != nil {
		h.track(s, rule)
	}

	return ret
}

// decideConnect reads the requested sockaddr and returns the matched
// rule with the rewritten sockaddr bytes, or nil to pass through. All
// parsing is contained here; a panic degrades to a passthrough.
func (h *WinsockHook) decideConnect(name, namelen uintptr) (rule *rules.Rule, encoded []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Interface("panic", r).
				Msg("winsock connect hook recovered, passing through")
			rule, encoded = nil, nil
		}
	}()

	if name == 0 || int32(namelen) <= 0 {
		return nil, nil
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(name)), int(int32(namelen)))
	ep, err := netutil.DecodeSockaddr(raw)
	if err != nil {
		return nil, nil
	}

	r, ok := h.table.LookupAddr(ep)
	if !ok && h.correlator != nil {
		if host, found := h.correlator.HostFor(ep.Addr()); found {
			r, ok = h.table.LookupHost(host, ep.Port())
		}
	}
	if !ok {
		return nil, nil
	}

	enc, err := netutil.EncodeSockaddr(r.Target)
	if err != nil {
		h.logger.Warn().Err(err).Str("rule", r.Name).Msg("cannot encode rewrite target")
		return nil, nil
	}

	h.logger.Debug().
		Str("requested", ep.String()).
		Str("target", r.Target.String()).
		Str("rule", r.Name).
		Msg("winsock connect redirected")

	return r, enc
}

func (h *WinsockHook) interceptSend(s, buf, n, flags uintptr) uintptr {
	ws := h.trackedFor(s)
	count := int(int32(n))
	if ws == nil || buf == 0 || count <= 0 {
		return h.callOrigin(h.sendRec, s, buf, n, flags)
	}

	payload := unsafe.Slice((*byte)(unsafe.Pointer(buf)), count)

	if ws.rule.Takeover && h.client.Alive() {
		// The companion owns the send stream; the host sees a full
		// write that never touched the wire.
		h.client.Send(relay.OpSend, payload)
		return n
	}

	ret := h.callOrigin(h.sendRec, s, buf, n, flags)
	if sent := int32(ret); sent > 0 && h.client.Alive() {
		h.client.Send(relay.OpSend, payload[:sent])
	}

	return ret
}

func (h *WinsockHook) interceptRecv(s, buf, n, flags uintptr) uintptr {
	ws := h.trackedFor(s)
	limit := int(int32(n))
	if ws == nil || buf == 0 || limit <= 0 {
		return h.callOrigin(h.recvRec, s, buf, n, flags)
	}

	if data, ok := ws.takeInjected(limit); ok {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), limit)
		copy(dst, data)
		return uintptr(len(data))
	}

	ret := h.callOrigin(h.recvRec, s, buf, n, flags)
	if got := int32(ret); got > 0 && h.client.Alive() {
		payload := unsafe.Slice((*byte)(unsafe.Pointer(buf)), got)
		h.client.Send(relay.OpRecv, payload)
	}

	return ret
}

// callOrigin invokes the genuine winsock function. These are foreign
// ABI entries, so the call goes through SyscallN on the trampoline, or
// on the restored entry inside a flip window.
func (h *WinsockHook) callOrigin(rec *detour.Record, args ...uintptr) uintptr {
	if rec == nil {
		return socketError
	}

	if rec.HasTrampoline() {
		r1, _, _ := syscall.SyscallN(rec.Origin(), args...)
		return r1
	}

	var r1 uintptr
	err := rec.CallUnpatched(func() {
		r1, _, _ = syscall.SyscallN(rec.Target(), args...)
	})
	if err != nil {
		h.logger.Error().Err(err).Str("detour", rec.Name()).Msg("flip window failed")
		return socketError
	}

	return r1
}

func (h *WinsockHook) track(s uintptr, rule *rules.Rule) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.tracked[s]; ok {
		return
	}

	h.tracked[s] = &wsSocket{rule: rule}
	h.order = append(h.order, s)

	h.logger.Debug().
		Uint64("socket", uint64(s)).
		Str("rule", rule.Name).
		Bool("takeover", rule.Takeover).
		Msg("socket tracked for companion")
}

func (h *WinsockHook) untrack(s uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.tracked[s]; !ok {
		return
	}

	delete(h.tracked, s)
	for i, v := range h.order {
		if v == s {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *WinsockHook) trackedFor(s uintptr) *wsSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracked[s]
}

func (h *WinsockHook) newest() (uintptr, *wsSocket) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.order) == 0 {
		return 0, nil
	}

	s := h.order[len(h.order)-1]
	return s, h.tracked[s]
}

// writeToSocket pushes companion bytes to the server through the
// genuine send, looping on partial writes.
func (h *WinsockHook) writeToSocket(s uintptr, payload []byte) {
	for len(payload) > 0 {
		ret := h.callOrigin(h.sendRec,
			s,
			uintptr(unsafe.Pointer(&payload[0])),
			uintptr(len(payload)),
			0,
		)

		sent := int32(ret)
		if sent <= 0 {
			h.logger.Trace().Uint64("socket", uint64(s)).Msg("companion payload write failed")
			return
		}

		payload = payload[sent:]
	}
}
