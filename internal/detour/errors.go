package detour

import "errors"

var (
	// ErrAlreadyInstalled is returned when a detour is requested for a
	// target that already has a live record.
	ErrAlreadyInstalled = errors.New("detour already installed")

	// ErrNotInstalled is returned when uninstalling a record that is not
	// live, either because it was never installed or already removed.
	ErrNotInstalled = errors.New("detour not installed")

	// ErrPatchFailed wraps any failure to modify the target, such as a
	// protection change being refused or an unusable prologue. The target
	// is left untouched when this is returned.
	ErrPatchFailed = errors.New("detour patch failed")

	// ErrUnsupportedPrologue is reported by the decoder when the bytes at
	// the target entry cannot be relocated, usually because a relative
	// instruction sits inside the patch window.
	ErrUnsupportedPrologue = errors.New("unsupported function prologue")
)
