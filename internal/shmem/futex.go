package shmem

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. golang.org/x/sys/unix exposes the SYS_FUTEX
// syscall number but not these op constants, so they're named directly from
// the kernel ABI (include/uapi/linux/futex.h); they are stable across
// kernels.
const (
	futexWait = 0
	futexWake = 1
)

// FutexWait blocks until *addr no longer equals expected, or timeout
// elapses (timeout <= 0 means wait indefinitely). It is the process-shared
// primitive the design notes call for to back the helper registry's
// cross-process wakeups: multiple processes mapping the same shared memory
// word can wait/wake on it without any other IPC channel.
func FutexWait(addr *uint32, expected uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWait),
		uintptr(expected),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	if errno == 0 {
		return nil
	}
	if errors.Is(errno, unix.EAGAIN) || errors.Is(errno, unix.ETIMEDOUT) || errors.Is(errno, unix.EINTR) {
		return errno
	}
	return errno
}

// FutexWake wakes up to n waiters blocked on addr.
func FutexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWake),
		uintptr(n),
		0, 0, 0,
	)
	if errno == 0 {
		return nil
	}
	return errno
}
