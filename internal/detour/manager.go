// Package detour installs and removes function detours: patches that
// reroute a function entry to a replacement while keeping the original
// implementation callable. Patch detours overwrite the entry with a jump
// and either relocate the prologue into a trampoline or flip the bytes
// around original calls; slot detours swap a function value held in a
// process-global seam. All bookkeeping lives in Records owned by a
// Manager, so installation can be rolled back and removal restores every
// byte exactly as it was.
package detour

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// prologueView bounds how many bytes of a target entry the decoder may
// inspect. Large enough for any patch window plus one trailing
// instruction.
const prologueView = 32

// Manager owns the live detour records of the process. Install and
// uninstall serialize on the manager; steady-state calls through
// installed detours never touch it.
type Manager struct {
	logger zerolog.Logger

	mu       sync.Mutex
	mem      memory
	mode     int
	records  []*Record
	byTarget map[uintptr]*Record
	bySlot   map[string]*Record
}

// NewManager creates a manager operating on the live process.
func NewManager(logger zerolog.Logger) *Manager {
	return newManager(logger, newSysMemory(), nativeMode())
}

func newManager(logger zerolog.Logger, mem memory, mode int) *Manager {
	return &Manager{
		logger:   logger,
		mem:      mem,
		mode:     mode,
		byTarget: make(map[uintptr]*Record),
		bySlot:   make(map[string]*Record),
	}
}

// Install patches the function entry at target to jump to replacement.
// The returned record keeps the displaced bytes and the path back to the
// original implementation. Installing over a live record returns
// ErrAlreadyInstalled; any failure to modify the target returns
// ErrPatchFailed and leaves the entry untouched.
func (m *Manager) Install(name string, target, replacement uintptr) (*Record, error) {
	if target == 0 || replacement == 0 {
		return nil, fmt.Errorf("%w: %s: zero entry address", ErrPatchFailed, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byTarget[target]; ok && prev.installed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInstalled, prev.name)
	}

	patch := jumpTo(target, replacement)

	view, err := m.mem.View(target, prologueView)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read entry: %w", ErrPatchFailed, name, err)
	}

	rec := &Record{
		name:        name,
		target:      target,
		replacement: replacement,
		patch:       patch,
		mem:         m.mem,
	}

	// Prefer a trampoline; fall back to flipping when the prologue
	// cannot be relocated.
	displaced, decodeErr := prologueLength(view, len(patch), m.mode)
	if decodeErr != nil {
		rec.kind = originFlip
		displaced = len(patch)
	}

	rec.original = append([]byte(nil), view[:displaced]...)

	if rec.kind == originTrampoline {
		rec.tramp, rec.trampLen, err = buildTrampoline(m.mem, target, rec.original)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPatchFailed, name, err)
		}
	}

	if err := m.mem.Write(target, patch); err != nil {
		m.freeTrampoline(rec)
		return nil, fmt.Errorf("%w: %s: %w", ErrPatchFailed, name, err)
	}

	rec.installed = true
	m.records = append(m.records, rec)
	m.byTarget[target] = rec

	m.logger.Debug().
		Str("detour", rec.String()).
		Int("displaced", displaced).
		Msg("installed")

	return rec, nil
}

// InstallSlot displaces the function value held by slot with replacement.
// The previous value is saved in the record and restored on uninstall.
func (m *Manager) InstallSlot(name string, slot Slot, replacement any) (*Record, error) {
	if slot.Get == nil || slot.Set == nil {
		return nil, fmt.Errorf("%w: %s: incomplete slot", ErrPatchFailed, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.bySlot[name]; ok && prev.installed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInstalled, name)
	}

	rec := &Record{
		name:  name,
		kind:  originSlot,
		slot:  slot,
		saved: slot.Get(),
		mem:   m.mem,
	}

	slot.Set(replacement)

	rec.installed = true
	m.records = append(m.records, rec)
	m.bySlot[name] = rec

	m.logger.Debug().Str("detour", rec.String()).Msg("installed")

	return rec, nil
}

// Uninstall removes a live detour, restoring the saved entry bytes or
// slot value. A record that is not live returns ErrNotInstalled.
func (m *Manager) Uninstall(rec *Record) error {
	if rec == nil {
		return ErrNotInstalled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.uninstallLocked(rec)
}

func (m *Manager) uninstallLocked(rec *Record) error {
	switch rec.kind {
	case originSlot:
		if prev, ok := m.bySlot[rec.name]; !ok || prev != rec {
			return fmt.Errorf("%w: %s", ErrNotInstalled, rec.name)
		}

		rec.slot.Set(rec.saved)
		rec.setInstalled(false)
		delete(m.bySlot, rec.name)

	default:
		if prev, ok := m.byTarget[rec.target]; !ok || prev != rec {
			return fmt.Errorf("%w: %s", ErrNotInstalled, rec.name)
		}

		// Take the record lock so no flip window is mid-flight while
		// the entry goes back to its original bytes. A failed restore
		// leaves the record live; the entry is still patched.
		rec.mu.Lock()
		err := m.mem.Write(rec.target, rec.original)
		if err == nil {
			rec.installed = false
		}
		rec.mu.Unlock()

		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrPatchFailed, rec.name, err)
		}

		m.freeTrampoline(rec)
		delete(m.byTarget, rec.target)
	}

	if idx := slices.Index(m.records, rec); idx >= 0 {
		m.records = slices.Delete(m.records, idx, idx+1)
	}

	m.logger.Debug().Str("detour", rec.String()).Msg("uninstalled")

	return nil
}

// UninstallAll removes every live detour in reverse installation order.
// Failures do not stop the sweep; they are joined into the returned
// error.
func (m *Manager) UninstallAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for i := len(m.records) - 1; i >= 0; i-- {
		if err := m.uninstallLocked(m.records[i]); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Records returns the live records in installation order.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.records)
}

func (m *Manager) freeTrampoline(rec *Record) {
	if rec.tramp == 0 {
		return
	}

	if err := m.mem.Free(rec.tramp, rec.trampLen); err != nil {
		m.logger.Warn().Err(err).Str("detour", rec.String()).Msg("freeing trampoline")
	}

	rec.tramp = 0
	rec.trampLen = 0
}

// Slot is a function-value seam: a process-global place that holds a
// callable consulted on every use. Swapping the value is the moral
// equivalent of patching an entry, with save and restore going through
// the same Record bookkeeping.
type Slot struct {
	Get func() any
	Set func(any)
}
