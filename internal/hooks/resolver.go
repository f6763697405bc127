package hooks

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/detour"
	"github.com/sctnightcore/netredirect/internal/dnsproxy"
)

type dialFunc = func(ctx context.Context, network, address string) (net.Conn, error)

// ResolverHook reroutes the stub resolver into the in-process DNS
// handler. It swaps the resolver's Dial for the proxy's pipe transport
// and forces PreferGo so the pure Go client actually uses it; both are
// restored on uninstall.
type ResolverHook struct {
	logger   zerolog.Logger
	proxy    *dnsproxy.Proxy
	resolver *net.Resolver

	record        *detour.Record
	savedPreferGo bool
}

var _ Hook = (*ResolverHook)(nil)

// NewResolverHook creates a hook for the given resolver. A nil resolver
// means net.DefaultResolver, which is what every net.Lookup* and
// hostname dial in the process consults.
func NewResolverHook(
	logger zerolog.Logger,
	proxy *dnsproxy.Proxy,
	resolver *net.Resolver,
) *ResolverHook {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	return &ResolverHook{
		logger:   logger,
		proxy:    proxy,
		resolver: resolver,
	}
}

func (h *ResolverHook) Name() string {
	return "resolver.dial"
}

// Install swaps the resolver seam. The previous Dial value travels
// through the record; PreferGo is hook state since the manager only
// tracks the slot itself.
func (h *ResolverHook) Install(m *detour.Manager) error {
	slot := detour.Slot{
		Get: func() any { return h.resolver.Dial },
		Set: func(v any) {
			fn, _ := v.(dialFunc)
			h.resolver.Dial = fn
		},
	}

	rec, err := m.InstallSlot(h.Name(), slot, dialFunc(h.proxy.PipeDial))
	if err != nil {
		return err
	}

	h.record = rec
	h.savedPreferGo = h.resolver.PreferGo
	h.resolver.PreferGo = true

	h.logger.Debug().
		Bool("prefer_go_was", h.savedPreferGo).
		Msg("resolver routed through rule table")

	return nil
}

func (h *ResolverHook) Uninstall(m *detour.Manager) error {
	if h.record == nil {
		return detour.ErrNotInstalled
	}

	h.resolver.PreferGo = h.savedPreferGo

	if err := m.Uninstall(h.record); err != nil {
		return err
	}

	h.record = nil
	h.logger.Debug().Msg("resolver restored")

	return nil
}
