//go:build windows

package engine

import (
	"github.com/sctnightcore/netredirect/internal/hooks"
	"github.com/sctnightcore/netredirect/internal/logging"
)

// platformHooks adds the winsock patches when enabled. The winsock hook
// takes over companion frame routing for its sockets; dialed
// connections keep the registry fallback.
func (e *Engine) platformHooks(opts Options) []hooks.Hook {
	if !opts.Winsock {
		return nil
	}

	ws := hooks.NewWinsockHook(
		logging.WithScope(e.logger, "WINSOCK"),
		opts.Table,
		e.correlator,
		e.client,
	)
	e.frameSink = ws.DispatchFrame

	return []hooks.Hook{ws}
}
