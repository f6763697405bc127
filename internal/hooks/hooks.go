// Package hooks contains the interception points: the resolver hook
// that reroutes name resolution into the rewriting DNS handler, the
// connection hook that redirects outbound dials through the rule table,
// and on Windows the winsock patches doing the same for native socket
// calls inside an injected host process.
//
// Hooks decide and redirect; they never own policy. The rule table says
// what matches, the detour manager owns the patches, and the relay
// registry takes over matched traffic. A hook that cannot decide passes
// the call through unchanged.
package hooks

import (
	"github.com/sctnightcore/netredirect/internal/detour"
)

// Hook is one interception point with a detour lifecycle. Install
// leaves no partial state behind on failure; Uninstall restores what
// Install displaced.
type Hook interface {
	Name() string
	Install(m *detour.Manager) error
	Uninstall(m *detour.Manager) error
}
