//go:build linux

// Package pthread provides the public API for creating and managing
// native kernel threads.
//
// See doc.go for detailed documentation and examples.
package pthread

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/control"
	"github.com/renlord/platform-bionic/internal/pthread/launch"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
	"github.com/renlord/platform-bionic/internal/pthread/memsys"
)

// DefaultStackSize is the stack size used when an Attr does not name one.
const DefaultStackSize = 1 << 20

// MinStackSize returns the smallest stack size Create accepts. Wider
// pointers mean deeper frames, so the floor scales with the platform
// word.
func MinStackSize() uintptr {
	if layout.PointerBits == 64 {
		return 4 * memsys.PageSize()
	}
	return 2 * memsys.PageSize()
}

// DefaultGuardSize returns the guard region size used when an Attr does
// not name one: a single page.
func DefaultGuardSize() uintptr {
	return memsys.PageSize()
}

// Attr configures the creation of one thread. The zero value (and a nil
// *Attr) asks for the defaults: a 1 MiB stack, one guard page, joinable,
// and kernel-default scheduling inheritance.
//
// Attr is consumed by value at Create time; mutating it afterwards has
// no effect on threads already created with it.
type Attr struct {
	// StackSize is the size of the thread's stack in bytes. Zero means
	// DefaultStackSize; anything below MinStackSize is invalid. The
	// value is rounded up to a whole number of pages.
	StackSize uintptr

	// GuardSize is the size of the inaccessible region that catches
	// stack overflows. Zero means DefaultGuardSize. The value is
	// rounded up to a whole number of pages.
	GuardSize uintptr

	// Detached creates the thread already detached: it cannot be
	// joined and reclaims its own resources when it exits.
	Detached bool

	// Inherit takes the scheduling policy and priority from the
	// creating thread instead of this Attr. Mutually exclusive with
	// Explicit.
	Inherit bool

	// Explicit applies Policy and Priority to the new thread. When
	// neither Inherit nor Explicit is set, Policy is still applied if
	// it names a non-default policy; older callers rely on that rule.
	Explicit bool

	// Policy is a SCHED_* scheduling policy, unix.SCHED_FIFO and
	// friends. Only consulted per the Inherit/Explicit rules above.
	Policy int

	// Priority is the scheduling priority used with Policy.
	Priority int
}

// resolve fills defaults, validates, and produces the snapshot the
// launch machinery runs on.
func (a *Attr) resolve() (control.Attributes, error) {
	var attr Attr
	if a != nil {
		attr = *a
	}
	if attr.StackSize == 0 {
		attr.StackSize = DefaultStackSize
	}
	if attr.GuardSize == 0 {
		attr.GuardSize = DefaultGuardSize()
	}
	if attr.StackSize < MinStackSize() {
		return control.Attributes{}, unix.EINVAL
	}
	if attr.Inherit && attr.Explicit {
		return control.Attributes{}, unix.EINVAL
	}
	return control.Attributes{
		StackSize: attr.StackSize,
		GuardSize: attr.GuardSize,
		Detached:  attr.Detached,
		Inherit:   attr.Inherit,
		Explicit:  attr.Explicit,
		Policy:    attr.Policy,
		Priority:  attr.Priority,
	}, nil
}

// Thread is an opaque handle to a thread created by this package, or to
// the process's initial thread. Handles are comparable with Equal; a
// handle to a thread that was joined or detach-reaped is dead, and every
// operation on it fails.
type Thread struct {
	t *control.Thread
}

// ID returns the thread's kernel id, or zero once it has exited.
func (t *Thread) ID() uint32 {
	if t == nil || t.t == nil {
		return 0
	}
	return t.t.TID()
}

// Create starts a new kernel thread running start(arg). attr may be nil
// for the defaults.
//
// On success Create returns once the thread exists and its handle is
// valid; the thread itself may or may not have begun running. On failure
// the error wraps a POSIX-style errno: EAGAIN when memory or a kernel
// thread could not be had, EINVAL for bad attributes, or whatever the
// scheduler call returned. A scheduling error is special: the thread
// could not be unwound, so it winds itself down without ever running
// start, and no handle is returned.
func Create(attr *Attr, start func(arg any) any, arg any) (*Thread, error) {
	if start == nil {
		return nil, fmt.Errorf("pthread: create: %w", unix.EINVAL)
	}
	resolved, err := attr.resolve()
	if err != nil {
		return nil, fmt.Errorf("pthread: create: %w", err)
	}
	th, err := launch.Create(resolved, start, arg)
	if err != nil {
		return nil, fmt.Errorf("pthread: create: %w", err)
	}
	return &Thread{t: th}, nil
}

// Join waits for t to finish and returns the value its start routine
// returned (or the value it passed to Exit). Joining reclaims the
// thread's memory; the handle is dead afterwards.
//
// The error wraps ESRCH for a dead or unknown handle, EDEADLK for a
// self-join, and EINVAL for a detached or already-claimed thread.
func Join(t *Thread) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("pthread: join: %w", unix.ESRCH)
	}
	result, err := launch.Join(t.t)
	if err != nil {
		return nil, fmt.Errorf("pthread: join: %w", err)
	}
	return result, nil
}

// Detach makes t reclaim its own resources when it exits, instead of
// waiting for a join. A thread that has already exited is reclaimed
// right here. The error wraps ESRCH for a dead or unknown handle and
// EINVAL for a thread that is already detached or claimed by a joiner.
func Detach(t *Thread) error {
	if t == nil {
		return fmt.Errorf("pthread: detach: %w", unix.ESRCH)
	}
	if err := launch.Detach(t.t); err != nil {
		return fmt.Errorf("pthread: detach: %w", err)
	}
	return nil
}

// Exit ends the calling thread as if its start routine had returned
// result. It must only be called on a thread started by Create.
// Deferred calls in the start routine's frames run on the way out.
func Exit(result any) {
	launch.Exit(result)
}

// Self returns the calling thread's handle. On a thread started by
// Create it is that thread's own handle; anywhere else it is the
// process's initial thread.
func Self() *Thread {
	return &Thread{t: launch.Current()}
}

// Equal reports whether two handles name the same thread.
func Equal(a, b *Thread) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.t == b.t
}

// PushCleanup registers fn to run when the calling thread exits, before
// its memory is reclaimed. Handlers run newest first. Must be called on
// the thread whose exit it should observe.
func PushCleanup(fn func()) {
	launch.Current().PushCleanup(fn)
}

// PopCleanup removes the most recently pushed cleanup handler, running
// it first when execute is set. Must be called on the same thread that
// pushed it.
func PopCleanup(execute bool) {
	launch.Current().PopCleanup(execute)
}

// Stats is a snapshot of thread bookkeeping: currently live threads and
// lifetime created/reaped counters.
type Stats struct {
	Live    uint64
	Created uint64
	Reaped  uint64
}

// ReadStats returns the current thread bookkeeping counters.
func ReadStats() Stats {
	s := control.Global.Stats()
	return Stats{Live: s.Live, Created: s.Created, Reaped: s.Reaped}
}
