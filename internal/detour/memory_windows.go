//go:build windows

package detour

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const threadSuspendResume = 0x0002

var (
	kernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructions = kernel32.NewProc("FlushInstructionCache")
)

// sysMemory is the live process address space. Patch writes briefly
// suspend every other thread in the process so no instruction pointer can
// sit inside the window while it is rewritten.
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
	threads, err := suspendOtherThreads()
	if err != nil {
		return err
	}
	defer resumeThreads(threads)

	var oldProtect uint32
	size := uintptr(len(data))

	err = windows.VirtualProtect(addr, size, windows.PAGE_EXECUTE_READWRITE, &oldProtect)
	if err != nil {
		return fmt.Errorf("virtualprotect rwx at %#x: %w", addr, err)
	}

	view, err := m.View(addr, len(data))
	if err != nil {
		return err
	}
	copy(view, data)

	var scratch uint32
	err = windows.VirtualProtect(addr, size, oldProtect, &scratch)
	if err != nil {
		return fmt.Errorf("virtualprotect restore at %#x: %w", addr, err)
	}

	// Pseudo-handle for the current process.
	self := ^uintptr(0)
	_, _, _ = procFlushInstructions.Call(self, addr, size)

	return nil
}

func (sysMemory) AllocExec(n int) (uintptr, []byte, error) {
	addr, err := windows.VirtualAlloc(
		0,
		uintptr(n),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_EXECUTE_READWRITE,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("virtualalloc executable block: %w", err)
	}

	return addr, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n), nil
}

func (sysMemory) Free(addr uintptr, n int) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

// suspendOtherThreads freezes every thread in the process except the
// caller and returns their opened handles.
func suspendOtherThreads() ([]windows.Handle, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("thread snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	self := windows.GetCurrentThreadId()
	pid := windows.GetCurrentProcessId()

	var suspended []windows.Handle

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	for err = windows.Thread32First(snapshot, &entry); err == nil; err = windows.Thread32Next(snapshot, &entry) {
		if entry.OwnerProcessID != pid || entry.ThreadID == self {
			continue
		}

		thread, openErr := windows.OpenThread(threadSuspendResume, false, entry.ThreadID)
		if openErr != nil {
			// Threads can exit between the snapshot and here.
			continue
		}

		if _, suspendErr := windows.SuspendThread(thread); suspendErr != nil {
			windows.CloseHandle(thread)
			continue
		}

		suspended = append(suspended, thread)
	}

	return suspended, nil
}

func resumeThreads(threads []windows.Handle) {
	for i := len(threads) - 1; i >= 0; i-- {
		_, _ = windows.ResumeThread(threads[i])
		windows.CloseHandle(threads[i])
	}
}
