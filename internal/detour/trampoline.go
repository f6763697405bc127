package detour

import "fmt"

// buildTrampoline copies the displaced prologue instructions into a fresh
// executable block and appends a jump back to the remainder of the
// original function. The block is written before the entry is patched, so
// no other thread can observe it half-built.
func buildTrampoline(mem memory, entry uintptr, displaced []byte) (uintptr, int, error) {
	size := len(displaced) + absJumpLen

	addr, block, err := mem.AllocExec(size)
	if err != nil {
		return 0, 0, fmt.Errorf("allocate trampoline: %w", err)
	}

	n := copy(block, displaced)
	back := jumpTo(addr+uintptr(n), entry+uintptr(n))
	n += copy(block[n:], back)

	// Pad the rest with int3 so a stray jump into the block traps.
	for i := n; i < len(block); i++ {
		block[i] = 0xCC
	}

	return addr, size, nil
}
