//go:build !windows

package engine

import (
	"github.com/sctnightcore/netredirect/internal/hooks"
)

// platformHooks is empty outside Windows; the portable resolver and
// connection hooks cover everything.
func (e *Engine) platformHooks(Options) []hooks.Hook {
	return nil
}
