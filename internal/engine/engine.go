// Package engine drives the attach lifecycle: it assembles the rule
// table, DNS proxy, relay link and hooks, installs the hooks in a fixed
// order, and tears everything down in reverse. Attachment is
// all-or-nothing; a partial install rolls back and reports the failure
// rather than leaving the process half hooked.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/detour"
	"github.com/sctnightcore/netredirect/internal/dnsproxy"
	"github.com/sctnightcore/netredirect/internal/hooks"
	"github.com/sctnightcore/netredirect/internal/logging"
	"github.com/sctnightcore/netredirect/internal/relay"
	"github.com/sctnightcore/netredirect/internal/rules"
)

// State is the engine lifecycle position. Transitions only move
// forward around the cycle: Unloaded, Initializing, Active, Unloading,
// and back to Unloaded.
type State int32

const (
	StateUnloaded State = iota
	StateInitializing
	StateActive
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateUnloading:
		return "unloading"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrAlreadyAttached is returned by Attach outside the Unloaded
	// state.
	ErrAlreadyAttached = errors.New("already attached")

	// ErrNotAttached is returned by Detach outside the Active state.
	ErrNotAttached = errors.New("not attached")
)

// Options carries everything Attach needs. Table is required; the rest
// defaults sensibly.
type Options struct {
	Table *rules.Table

	DNS            dnsproxy.Options
	Relay          relay.ClientOptions
	RelayEnabled   bool
	CorrelationTTL time.Duration

	// Winsock enables the native socket patches on Windows; it is
	// ignored elsewhere.
	Winsock bool

	// Resolver overrides the resolver the hook rewires. Nil means
	// net.DefaultResolver.
	Resolver *net.Resolver

	// Manager overrides the detour manager.
	Manager *detour.Manager
}

// Engine owns the attached state of the process.
type Engine struct {
	logger zerolog.Logger
	state  atomic.Int32

	manager    *detour.Manager
	proxy      *dnsproxy.Proxy
	correlator *rules.Correlator
	client     *relay.Client
	registry   *relay.Registry
	hooks      []hooks.Hook
	cancel     context.CancelFunc

	// frameSink gets first claim on inbound companion frames; the
	// winsock hook uses it, the dialed connection registry is the
	// fallback.
	frameSink func(relay.Frame) bool

	buildHooks func(opts Options) []hooks.Hook
}

// New creates a detached engine.
func New(logger zerolog.Logger) *Engine {
	e := &Engine{logger: logger}
	e.buildHooks = e.defaultHooks

	return e
}

// State returns the current lifecycle position.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Attach assembles the components and installs every hook. On any
// install failure the already installed hooks are removed in reverse
// order and the engine returns to Unloaded with the error; the process
// is never left partially hooked.
func (e *Engine) Attach(ctx context.Context, opts Options) error {
	if !e.state.CompareAndSwap(int32(StateUnloaded), int32(StateInitializing)) {
		return fmt.Errorf("%w: state %s", ErrAlreadyAttached, e.State())
	}

	if opts.Table == nil {
		e.state.Store(int32(StateUnloaded))
		return errors.New("attach requires a rule table")
	}

	e.manager = opts.Manager
	if e.manager == nil {
		e.manager = detour.NewManager(logging.WithScope(e.logger, "DETOUR"))
	}

	e.correlator = rules.NewCorrelator(opts.CorrelationTTL)
	e.proxy = dnsproxy.New(
		logging.WithScope(e.logger, "DNS"),
		opts.Table,
		e.correlator,
		opts.DNS,
	)

	// Background loops outlive the attach call but keep its values.
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	if opts.RelayEnabled {
		relayLogger := logging.WithScope(e.logger, "RELAY")
		e.client = relay.NewClient(relayLogger, opts.Relay)
		e.registry = relay.NewRegistry(relayLogger, e.client)
		e.client.OnFrame(e.dispatchFrame)
		go e.client.Run(bgCtx)
	}

	go e.correlator.Janitor(bgCtx, time.Minute)
	go e.proxy.Janitor(bgCtx, time.Minute)

	hookList := e.buildHooks(opts)

	for i, hk := range hookList {
		if err := hk.Install(e.manager); err != nil {
			e.logger.Error().Err(err).Str("hook", hk.Name()).Msg("hook install failed, rolling back")
			e.rollback(hookList[:i])
			e.state.Store(int32(StateUnloaded))
			return fmt.Errorf("install %s: %w", hk.Name(), err)
		}
	}

	e.hooks = hookList
	e.state.Store(int32(StateActive))

	e.logger.Info().
		Int("hooks", len(hookList)).
		Int("rules", opts.Table.Len()).
		Bool("relay", opts.RelayEnabled).
		Msg("attached")

	return nil
}

// Detach removes every hook in reverse installation order and stops the
// background components. Failures do not stop the sweep; they are
// joined into the returned error and the engine still ends Unloaded.
func (e *Engine) Detach() error {
	if !e.state.CompareAndSwap(int32(StateActive), int32(StateUnloading)) {
		return fmt.Errorf("%w: state %s", ErrNotAttached, e.State())
	}

	var errs []error

	for i := len(e.hooks) - 1; i >= 0; i-- {
		if err := e.hooks[i].Uninstall(e.manager); err != nil {
			errs = append(errs, fmt.Errorf("uninstall %s: %w", e.hooks[i].Name(), err))
		}
	}

	// Backstop for records no hook claimed.
	if err := e.manager.UninstallAll(); err != nil {
		errs = append(errs, err)
	}

	e.teardown()
	e.state.Store(int32(StateUnloaded))

	if err := errors.Join(errs...); err != nil {
		logging.ErrorUnwrapped(&e.logger, "detached with failures", err)
		return err
	}

	e.logger.Info().Msg("detached")

	return nil
}

func (e *Engine) defaultHooks(opts Options) []hooks.Hook {
	list := []hooks.Hook{
		hooks.NewResolverHook(
			logging.WithScope(e.logger, "RESOLVER"),
			e.proxy,
			opts.Resolver,
		),
		hooks.NewConnectionHook(
			logging.WithScope(e.logger, "CONN"),
			opts.Table,
			e.correlator,
			e.registry,
		),
	}

	return append(list, e.platformHooks(opts)...)
}

func (e *Engine) rollback(installed []hooks.Hook) {
	for i := len(installed) - 1; i >= 0; i-- {
		if err := installed[i].Uninstall(e.manager); err != nil {
			e.logger.Warn().Err(err).Str("hook", installed[i].Name()).Msg("rollback uninstall failed")
		}
	}

	if err := e.manager.UninstallAll(); err != nil {
		logging.WarnUnwrapped(&e.logger, "rollback left detours behind", err)
	}

	e.teardown()
}

func (e *Engine) teardown() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	if e.client != nil {
		e.client.Close()
		e.client = nil
	}

	if e.registry != nil {
		e.registry.Reset()
		e.registry = nil
	}

	if e.proxy != nil {
		if err := e.proxy.Stop(); err != nil {
			logging.TraceUnwrapped(&e.logger, "dns proxy stop", err)
		}
		e.proxy = nil
	}

	e.hooks = nil
	e.frameSink = nil
}

func (e *Engine) dispatchFrame(f relay.Frame) {
	if sink := e.frameSink; sink != nil && sink(f) {
		return
	}

	if reg := e.registry; reg != nil {
		reg.Dispatch(f)
	}
}
