// Command netredirect-lib is the c-shared build of the redirect engine,
// meant to be loaded into a foreign host process. Build it with
//
//	go build -buildmode=c-shared -o netredirect.dll ./cmd/netredirect-lib
//
// The injector loads the library and then calls NetRedirectAttach from
// its own thread; nothing here runs under the loader lock. Configuration
// comes from the NETREDIRECT_CONFIG environment variable or a
// netredirect.toml next to the library, logs honor NETREDIRECT_LOG.
package main

import "C"

import (
	"context"
	"errors"

	"github.com/sctnightcore/netredirect"
)

// Return codes for the exported calls. State values follow the engine
// lifecycle: 0 unloaded, 1 initializing, 2 active, 3 unloading.
const (
	statusOK              = 0
	statusError           = 1
	statusAlreadyAttached = 2
	statusNotAttached     = 3
)

//export NetRedirectAttach
func NetRedirectAttach() C.int {
	err := netredirect.Attach(context.Background(), "")
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, netredirect.ErrAlreadyAttached):
		return statusAlreadyAttached
	default:
		return statusError
	}
}

//export NetRedirectDetach
func NetRedirectDetach() C.int {
	err := netredirect.Detach()
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, netredirect.ErrNotAttached):
		return statusNotAttached
	default:
		return statusError
	}
}

//export NetRedirectState
func NetRedirectState() C.int {
	return C.int(netredirect.CurrentState())
}

func main() {}
