package detour

// memory abstracts access to the address space the detours operate on.
// The production implementation touches live pages through the OS; tests
// substitute an in-process fake backed by plain byte slices so the patch
// and restore logic can be exercised without rewriting real code.
type memory interface {
	// View returns a live view of n bytes at addr.
	View(addr uintptr, n int) ([]byte, error)

	// Write copies data over the bytes at addr, temporarily lifting write
	// protection and keeping other executing threads away from the window
	// as far as the platform allows.
	Write(addr uintptr, data []byte) error

	// AllocExec allocates an executable block of at least n bytes.
	AllocExec(n int) (uintptr, []byte, error)

	// Free releases a block returned by AllocExec.
	Free(addr uintptr, n int) error
}
