//go:build !windows

package detour

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysMemory is the live process address space. Code pages are assumed to
// be mapped r-x, which holds for the text segment and for blocks returned
// by AllocExec.
type sysMemory struct{}

func newSysMemory() memory {
	return sysMemory{}
}

func (sysMemory) View(addr uintptr, n int) ([]byte, error) {
	if addr == 0 || n <= 0 {
		return nil, fmt.Errorf("invalid view at %#x (%d bytes)", addr, n)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n), nil
}

func (m sysMemory) Write(addr uintptr, data []byte) error {
	pages, err := pageSpan(addr, len(data))
	if err != nil {
		return err
	}

	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect rwx at %#x: %w", addr, err)
	}

	view, err := m.View(addr, len(data))
	if err != nil {
		return err
	}
	copy(view, data)

	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect rx at %#x: %w", addr, err)
	}

	return nil
}

func (sysMemory) AllocExec(n int) (uintptr, []byte, error) {
	block, err := unix.Mmap(
		-1,
		0,
		n,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("mmap executable block: %w", err)
	}

	return uintptr(unsafe.Pointer(&block[0])), block, nil
}

func (sysMemory) Free(addr uintptr, n int) error {
	block := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	return unix.Munmap(block)
}

// pageSpan returns the whole pages covering [addr, addr+n) as a slice,
// which is the granularity mprotect works on.
func pageSpan(addr uintptr, n int) ([]byte, error) {
	pageSize := uintptr(os.Getpagesize())

	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(n) + pageSize - 1) &^ (pageSize - 1)
	if end <= start {
		return nil, fmt.Errorf("invalid write span at %#x (%d bytes)", addr, n)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start), nil
}
