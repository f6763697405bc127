// Package netredirect attaches transparent connection and name
// resolution redirection to the running process. Once attached, outbound
// dials and DNS lookups are matched against a rule table and silently
// rerouted to their configured targets; everything else passes through
// untouched.
//
// The package manages one process-wide engine. Attach and Detach map to
// the load and unload notifications of the injected deployment and are
// safe to call from init-like contexts; steady-state interception never
// synchronizes with them.
package netredirect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sctnightcore/netredirect/internal/config"
	"github.com/sctnightcore/netredirect/internal/engine"
	"github.com/sctnightcore/netredirect/internal/logging"
)

// State mirrors the engine lifecycle for callers that poll it.
type State = engine.State

const (
	StateUnloaded     = engine.StateUnloaded
	StateInitializing = engine.StateInitializing
	StateActive       = engine.StateActive
	StateUnloading    = engine.StateUnloading
)

var (
	// ErrAlreadyAttached is returned by Attach when the engine is not
	// in the unloaded state.
	ErrAlreadyAttached = engine.ErrAlreadyAttached

	// ErrNotAttached is returned by Detach when nothing is attached.
	ErrNotAttached = engine.ErrNotAttached
)

// EnvLogPath names an optional log file. The injected build has no
// terminal, so without it logs go to stderr.
const EnvLogPath = "NETREDIRECT_LOG"

var (
	mu      sync.Mutex
	current *engine.Engine
	logFile *os.File
)

// Attach loads the configuration and activates interception. An empty
// configPath consults the NETREDIRECT_CONFIG environment variable and
// then the usual file locations, falling back to built-in defaults.
//
// Attachment is all-or-nothing: any failure tears down whatever was
// already installed and leaves the process exactly as it was.
func Attach(ctx context.Context, configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	if current != nil && current.State() != engine.StateUnloaded {
		return ErrAlreadyAttached
	}

	cfg, loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}

	out, file, err := logOutput()
	if err != nil {
		return err
	}

	logging.SetGlobalLogger(ctx, out, cfg.Level())

	if loaded != "" {
		log.Logger.Debug().Str("path", loaded).Msg("configuration loaded")
	}

	eng := engine.New(log.Logger)
	if err := eng.Attach(ctx, opts); err != nil {
		if file != nil {
			_ = file.Close()
		}

		return err
	}

	current = eng
	logFile = file

	return nil
}

// Detach uninstalls every hook in reverse install order and releases the
// engine. Uninstall failures are collected but never stop the teardown;
// the process always ends up unhooked.
func Detach() error {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		return ErrNotAttached
	}

	err := current.Detach()
	if errors.Is(err, engine.ErrNotAttached) {
		return err
	}

	current = nil

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	return err
}

// CurrentState reports the lifecycle state of the process-wide engine.
func CurrentState() State {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		return StateUnloaded
	}

	return current.State()
}

func logOutput() (io.Writer, *os.File, error) {
	path := os.Getenv(EnvLogPath)
	if path == "" {
		return os.Stderr, nil, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	return f, f, nil
}
