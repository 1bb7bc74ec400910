//go:build linux

// Package futex exposes the process-private futex operations the thread
// lifecycle is built on.
//
// Three protocols in the core sit directly on futex words: the parent
// waiting for the kernel to publish a new thread's id, joiners waiting for
// that id word to be cleared again when the thread exits, and the startup
// handshake lock that holds a new thread at its entry point until the
// parent has finished writing its control block. All of them share the
// property that the word lives in memory both sides can see and the slow
// path goes through the kernel.
package futex

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operation values from the kernel UAPI (include/uapi/linux/futex.h).
// golang.org/x/sys/unix exports SYS_FUTEX and the errnos but not these.
const (
	FUTEX_WAIT         = 0
	FUTEX_WAKE         = 1
	FUTEX_PRIVATE_FLAG = 128
)

// Wait blocks until addr is woken, provided *addr still equals val at
// sleep time. Returns unix.EAGAIN if the value had already changed and
// unix.EINTR if interrupted; callers re-check their condition and loop.
func Wait(addr *uint32, val uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		FUTEX_WAIT|FUTEX_PRIVATE_FLAG,
		uintptr(val), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Wake wakes up to count waiters sleeping on addr and returns how many
// it released.
func Wake(addr *uint32, count int) int {
	woken, _, _ := unix.RawSyscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		FUTEX_WAKE|FUTEX_PRIVATE_FLAG,
		uintptr(count), 0, 0, 0)
	return int(woken)
}

// WaitUntilNonzero blocks until *addr is nonzero and returns the observed
// value. This is the parent side of thread-id publication: the word starts
// at zero and the kernel stores the new id into it.
func WaitUntilNonzero(addr *uint32) uint32 {
	for {
		if v := atomic.LoadUint32(addr); v != 0 {
			return v
		}
		_ = Wait(addr, 0)
	}
}

// WaitUntilZero blocks until *addr is zero. This is the joiner side of
// thread exit: the id word is cleared and woken when the thread is gone.
func WaitUntilZero(addr *uint32) {
	for {
		v := atomic.LoadUint32(addr)
		if v == 0 {
			return
		}
		_ = Wait(addr, v)
	}
}

// Lock states. The three-state scheme lets Unlock skip the wake syscall
// when nobody ever contended.
const (
	unlocked         = 0
	lockedNoWaiter   = 1
	lockedWithWaiter = 2
)

// Lock is a minimal futex mutex. The zero value is unlocked and ready to
// use. It is not reentrant and has no poisoning or ownership checks; it
// exists for the startup handshake, where a thread may block on a lock
// before any richer machinery is usable.
type Lock struct {
	state uint32
}

// TryLock acquires the lock without blocking and reports whether it did.
func (l *Lock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, unlocked, lockedNoWaiter)
}

// Acquire takes the lock, sleeping on the futex under contention.
func (l *Lock) Acquire() {
	if atomic.CompareAndSwapUint32(&l.state, unlocked, lockedNoWaiter) {
		return
	}
	// Announce ourselves as a waiter, then sleep until the word returns
	// to unlocked. The swap re-asserts the waiter state on every wakeup
	// because Release resets it.
	for atomic.SwapUint32(&l.state, lockedWithWaiter) != unlocked {
		_ = Wait(&l.state, lockedWithWaiter)
	}
}

// Release drops the lock, waking one waiter if any announced itself.
func (l *Lock) Release() {
	if atomic.SwapUint32(&l.state, unlocked) == lockedWithWaiter {
		Wake(&l.state, 1)
	}
}
