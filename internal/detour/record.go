package detour

import (
	"fmt"
	"sync"
)

type originKind int

const (
	// originTrampoline relocates the displaced prologue into an
	// executable block so the original stays callable while patched.
	originTrampoline originKind = iota

	// originFlip restores the entry bytes around each original call.
	// Used when the prologue cannot be relocated.
	originFlip

	// originSlot swaps a function value held in a mutable slot instead
	// of rewriting code.
	originSlot
)

func (k originKind) String() string {
	return []string{"trampoline", "flip", "slot"}[k]
}

// Record tracks one installed detour: the identity of the hooked
// function, the saved state needed to undo the patch, and the way the
// replacement reaches the original implementation while the detour is
// live. Records are created and removed by a Manager.
type Record struct {
	name        string
	target      uintptr
	replacement uintptr
	kind        originKind

	// original holds the displaced prologue bytes for patch detours, or
	// nothing for slot detours. Uninstall writes it back verbatim.
	original []byte

	// patch holds the jump bytes written over the entry.
	patch []byte

	tramp    uintptr
	trampLen int

	slot  Slot
	saved any

	// mu serializes flip windows against each other and against the
	// final restore on uninstall.
	mu        sync.Mutex
	mem       memory
	installed bool
}

// Name returns the identifier the detour was installed under.
func (r *Record) Name() string {
	return r.name
}

// Target returns the patched entry address, or zero for slot detours.
func (r *Record) Target() uintptr {
	return r.target
}

// Installed reports whether the detour is currently live.
func (r *Record) Installed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.installed
}

// HasTrampoline reports whether Origin returns a callable entry.
func (r *Record) HasTrampoline() bool {
	return r.kind == originTrampoline
}

// Origin returns the trampoline entry that reaches the original
// implementation, or zero when the record has no trampoline.
func (r *Record) Origin() uintptr {
	return r.tramp
}

// Saved returns the function value a slot detour displaced.
func (r *Record) Saved() any {
	return r.saved
}

func (r *Record) String() string {
	if r.kind == originSlot {
		return fmt.Sprintf("%s (slot)", r.name)
	}

	return fmt.Sprintf("%s @ %#x (%s)", r.name, r.target, r.kind)
}

// CallUnpatched makes the original implementation reachable for the
// duration of fn. For trampoline and slot records the original is always
// reachable and fn runs directly. For flip records the entry bytes are
// restored first and the patch is rewritten afterwards; calls arriving on
// other threads during that window run the original unhooked, which keeps
// the failure direction open rather than corrupting traffic.
func (r *Record) CallUnpatched(fn func()) (err error) {
	if r.kind != originFlip {
		fn()
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.installed {
		fn()
		return nil
	}

	if werr := r.mem.Write(r.target, r.original); werr != nil {
		return fmt.Errorf("%w: restore entry: %w", ErrPatchFailed, werr)
	}

	defer func() {
		if werr := r.mem.Write(r.target, r.patch); werr != nil && err == nil {
			err = fmt.Errorf("%w: rewrite entry: %w", ErrPatchFailed, werr)
		}
	}()

	fn()

	return nil
}

func (r *Record) setInstalled(v bool) {
	r.mu.Lock()
	r.installed = v
	r.mu.Unlock()
}
