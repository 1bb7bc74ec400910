// Package pthread creates and manages native kernel threads with the
// full bootstrap a C runtime gives them: a guarded stack, a control
// block reachable through static TLS, an alternate signal stack, a
// shadow call stack on architectures that have one, and a race-free
// handshake that guarantees a new thread never observes itself half
// initialized.
//
// # Quick Start
//
//	package main
//
//	import (
//		"fmt"
//
//		"github.com/renlord/platform-bionic/pthread"
//	)
//
//	func main() {
//		t, err := pthread.Create(nil, func(arg any) any {
//			return arg.(int) * 2
//		}, 21)
//		if err != nil {
//			panic(err)
//		}
//		result, err := pthread.Join(t)
//		if err != nil {
//			panic(err)
//		}
//		fmt.Println(result) // 42
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Creation and teardown: [Create], [Exit], [Join], [Detach]
//   - Identity: [Self], [Equal], [Thread.ID]
//   - Exit-time hooks: [PushCleanup], [PopCleanup]
//   - Introspection: [ReadStats], [GetInfo], [Version]
//
// # How It Works
//
// Every thread owns one contiguous virtual memory reservation, carved
// into sub-ranges:
//
//	low addresses
//	+----------------------+  inaccessible stack guard
//	|     guard region     |
//	+----------------------+  read/write
//	|        stack         |
//	+----------------------+  inaccessible, randomly sized
//	|      stack gap       |
//	+----------------------+  read/write
//	|     control page     |
//	|      static TLS      |
//	+----------------------+  inaccessible
//	|    trailing guard    |
//	+----------------------+
//	high addresses
//
// The control page holds the thread-id futex word; the static TLS region
// holds the slot array through which the thread finds its own record.
// Sub-ranges are tagged with names visible in /proc/<pid>/maps, so
// introspection tooling can attribute thread memory.
//
// Creation arms a futex handshake before the kernel thread exists and
// releases it only after every byte the new thread will read has been
// written, on every path including failures. Joining is a futex wait for
// the thread-id word to return to zero, which the exit path guarantees
// happens after the exit value is in place.
//
// # Failure Model
//
// Errors wrap POSIX-style errnos, so errors.Is(err, unix.EAGAIN) and
// friends work. One failure is special: when the thread exists at the
// kernel level but its requested scheduling could not be applied, Create
// returns the scheduler's error and no handle, yet a detached, inert
// thread still winds itself down through the normal exit path. Callers
// must not assume a failed Create created nothing.
//
// # Platform Support
//
// Linux only; this package sits directly on anonymous mappings, futexes,
// and the scheduler syscalls. The shadow call stack is maintained on
// arm64 and riscv64 and skipped elsewhere.
package pthread
