//go:build linux

// Package control holds the per-thread bookkeeping record and the registry
// of live threads.
//
// A Thread is the hub the other bootstrap packages hang state off: the
// memory mapping, the snapshotted creation attributes, the startup
// handshake lock, the join-state machine, the cleanup-handler stack and the
// auxiliary stack regions. The record itself is ordinary garbage-collected
// memory; only the words the kernel side of the machinery must see — the
// thread-id futex word above all — live inside the thread's mapping, and
// the record holds typed pointers to them.
//
// The thread id and the exit notification share one word. It starts at
// zero, the spawn path stores the new thread's id into it, and the exit
// path clears it and wakes its waiters. Join is therefore nothing but a
// futex wait for that word to return to zero, and a thread's id reads as
// zero exactly when the thread is gone.
package control

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/futex"
	"github.com/renlord/platform-bionic/internal/pthread/mapping"
	"github.com/renlord/platform-bionic/internal/pthread/memsys"
)

// JoinState tracks who is responsible for reclaiming a thread's resources.
// It makes exactly one transition away from its initial state, by compare
// and swap: whichever of exit, join or detach gets there first decides how
// the thread is reaped.
type JoinState uint32

const (
	// NotJoined: running or exited, nobody has claimed it yet.
	NotJoined JoinState = iota

	// ExitedNotJoined: exited before anyone joined or detached; the
	// eventual joiner reclaims.
	ExitedNotJoined

	// Joined: a joiner has claimed the thread and will reclaim it.
	Joined

	// Detached: nobody may join; the thread reclaims itself at exit.
	Detached
)

func (s JoinState) String() string {
	switch s {
	case NotJoined:
		return "not joined"
	case ExitedNotJoined:
		return "exited not joined"
	case Joined:
		return "joined"
	case Detached:
		return "detached"
	default:
		return "invalid"
	}
}

// Attributes is the creation-time configuration snapshot carried by every
// thread. It is copied out of the caller's attribute object before any
// setup step runs, so later mutation of the original cannot tear a
// half-configured thread.
type Attributes struct {
	StackSize uintptr
	GuardSize uintptr
	Detached  bool

	// Scheduling. Inherit and Explicit mirror the attribute flags; with
	// neither set the legacy rule applies (apply only a non-default
	// policy). Policy and Priority are consulted for Explicit and for
	// the legacy rule.
	Inherit  bool
	Explicit bool
	Policy   int
	Priority int
}

// cleanupRecord is one pushed cleanup handler. The stack is a singly
// linked list with the newest handler at the head.
type cleanupRecord struct {
	prev *cleanupRecord
	fn   func()
}

// Thread is the control record of one thread.
type Thread struct {
	// Registry linkage, guarded by the owning registry's lock.
	next, prev *Thread
	listed     bool

	// StartupHandshake holds a new thread at its entry point until the
	// creator has finished publishing this record. The creator acquires
	// it before spawning and releases it exactly once on every path.
	StartupHandshake futex.Lock

	// Attr is the creation-time snapshot. Read only after construction.
	Attr Attributes

	m       *mapping.Mapping
	tidWord *uint32
	creator uint32

	joinState uint32

	start func(arg any) any
	arg   any
	ret   any

	cleanup *cleanupRecord

	sigStack    *memsys.Reservation
	shadowStack *memsys.Reservation
}

// New builds the control record for a thread that will run on mapping m.
// The thread-id futex word is the first word of m's control page; it is
// zero until the spawn path publishes the id. Detached threads start in
// Detached, everything else in NotJoined.
func New(attr Attributes, start func(arg any) any, arg any, m *mapping.Mapping) *Thread {
	t := &Thread{
		Attr:    attr,
		m:       m,
		tidWord: (*uint32)(unsafe.Pointer(&m.ControlPage()[0])),
		creator: uint32(unix.Gettid()),
		start:   start,
		arg:     arg,
	}
	if attr.Detached {
		t.joinState = uint32(Detached)
	}
	return t
}

// Mapping returns the thread's primary mapping.
func (t *Thread) Mapping() *mapping.Mapping {
	return t.m
}

// Entry returns the user routine and its argument.
func (t *Thread) Entry() (func(arg any) any, any) {
	return t.start, t.arg
}

// ReplaceEntry swaps the start routine and its argument. The launch path
// uses it to neuter a thread whose creation failed after the kernel
// thread already existed; callers must hold the thread at its handshake
// while doing so.
func (t *Thread) ReplaceEntry(start func(arg any) any, arg any) {
	t.start = start
	t.arg = arg
}

// CreatorTID returns the kernel thread id of the creating thread.
func (t *Thread) CreatorTID() uint32 {
	return t.creator
}

// TIDWord returns the shared thread-id futex word. The spawn machinery
// stores the id through it and clears it again at thread end.
func (t *Thread) TIDWord() *uint32 {
	return t.tidWord
}

// TID returns the thread id, or zero once the thread has exited (the exit
// path clears the word, exactly like a child-settid/child-cleartid pair).
func (t *Thread) TID() uint32 {
	return atomic.LoadUint32(t.tidWord)
}

// WaitTID blocks until the id has been published and returns it.
func (t *Thread) WaitTID() uint32 {
	return futex.WaitUntilNonzero(t.tidWord)
}

// WaitExited blocks until the id word has been cleared by the exit path.
func (t *Thread) WaitExited() {
	futex.WaitUntilZero(t.tidWord)
}

// ClearTID clears the thread-id word and wakes every waiter, the
// userspace half of a child-cleartid pair. Only the exit path calls it,
// and for a detached thread it must do so before the word's memory is
// unmapped.
func (t *Thread) ClearTID() {
	atomic.StoreUint32(t.tidWord, 0)
	futex.Wake(t.tidWord, 1<<30)
}

// State returns the current join state.
func (t *Thread) State() JoinState {
	return JoinState(atomic.LoadUint32(&t.joinState))
}

// transition attempts NotJoined -> to and returns the state that decided
// the outcome: NotJoined means the transition happened; anything else is
// the terminal state that was already in place.
func (t *Thread) transition(to JoinState) JoinState {
	for {
		old := JoinState(atomic.LoadUint32(&t.joinState))
		if old != NotJoined {
			return old
		}
		if atomic.CompareAndSwapUint32(&t.joinState, uint32(NotJoined), uint32(to)) {
			return NotJoined
		}
	}
}

// MarkExited moves a NotJoined thread to ExitedNotJoined. The return value
// tells the exit path whose job the reclaim is: NotJoined (now exited,
// joiner reclaims later), Joined (a joiner is already waiting) or Detached
// (the exiting thread reclaims itself).
func (t *Thread) MarkExited() JoinState {
	return t.transition(ExitedNotJoined)
}

// TryJoin claims the thread for a joiner. NotJoined means the claim
// succeeded; ExitedNotJoined means the thread beat the joiner to the exit
// and the joiner both waits and reclaims; Joined and Detached are errors
// for the caller to map.
func (t *Thread) TryJoin() JoinState {
	return t.transition(Joined)
}

// TryDetach moves a NotJoined thread to Detached. ExitedNotJoined means
// the thread already exited and the caller must reclaim it as a join
// would; Joined and Detached are errors for the caller to map.
func (t *Thread) TryDetach() JoinState {
	return t.transition(Detached)
}

// PushCleanup registers fn to run at thread exit. Handlers run in reverse
// push order. Owner-thread only; the cleanup stack is unsynchronized by
// contract.
func (t *Thread) PushCleanup(fn func()) {
	t.cleanup = &cleanupRecord{prev: t.cleanup, fn: fn}
}

// PopCleanup removes the most recently pushed handler, running it when
// execute is set. Popping an empty stack is a no-op.
func (t *Thread) PopCleanup(execute bool) {
	c := t.cleanup
	if c == nil {
		return
	}
	t.cleanup = c.prev
	if execute {
		c.fn()
	}
}

// RunCleanups pops and runs every registered handler, newest first. The
// exit path calls this before any teardown.
func (t *Thread) RunCleanups() {
	for t.cleanup != nil {
		c := t.cleanup
		t.cleanup = c.prev
		c.fn()
	}
}

// SetResult records the thread's exit value for its joiner.
func (t *Thread) SetResult(v any) {
	t.ret = v
}

// Result returns the recorded exit value. Joiners may read it only after
// WaitExited; the futex clear orders the write before the read.
func (t *Thread) Result() any {
	return t.ret
}

// SetSignalStack hands ownership of the alternate signal stack region to
// the thread.
func (t *Thread) SetSignalStack(r *memsys.Reservation) {
	t.sigStack = r
}

// TakeSignalStack removes and returns the signal stack region, nil if none
// was installed. The exit path takes it to free it before the rest of the
// teardown.
func (t *Thread) TakeSignalStack() *memsys.Reservation {
	r := t.sigStack
	t.sigStack = nil
	return r
}

// SetShadowStack hands ownership of the shadow call stack guard region to
// the thread. The region covers the guard span; the usable slice inside it
// is deliberately not recorded here.
func (t *Thread) SetShadowStack(r *memsys.Reservation) {
	t.shadowStack = r
}

// TakeShadowStack removes and returns the shadow call stack guard region,
// nil if none was installed.
func (t *Thread) TakeShadowStack() *memsys.Reservation {
	r := t.shadowStack
	t.shadowStack = nil
	return r
}

// ReleaseAll frees every region the thread still owns: signal stack,
// shadow call stack guard region, and the primary mapping, in that order.
// Idempotent. Returns the first error, but keeps releasing.
func (t *Thread) ReleaseAll() error {
	var first error
	if r := t.sigStack; r != nil {
		t.sigStack = nil
		if err := r.Release(); err != nil && first == nil {
			first = err
		}
	}
	if r := t.shadowStack; r != nil {
		t.shadowStack = nil
		if err := r.Release(); err != nil && first == nil {
			first = err
		}
	}
	if err := t.m.Release(); err != nil && first == nil {
		first = err
	}
	return first
}
