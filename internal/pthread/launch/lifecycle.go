//go:build linux

package launch

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/asyncsafe"
	"github.com/renlord/platform-bionic/internal/pthread/auxstack"
	"github.com/renlord/platform-bionic/internal/pthread/control"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
	"github.com/renlord/platform-bionic/internal/pthread/mapping"
	"github.com/renlord/platform-bionic/internal/pthread/spawn"
	"github.com/renlord/platform-bionic/internal/pthread/tcb"
)

// Exit ends the calling thread as if its start routine had returned
// result. It must run on a thread started by Create; the unwind is a
// panic caught at the trampoline, so deferred calls in the start
// routine's frames still run on the way out.
func Exit(result any) {
	panic(threadExit{result})
}

// exitThread is the single teardown path for a created thread. Cleanup
// handlers run first, then the auxiliary stacks go, then the join state
// decides who reclaims the primary mapping. The id word is cleared after
// the state transition, because a reaper waits on the word before it
// touches anything, and for the detached case strictly before the
// mapping holding the word is released.
func exitThread(th *control.Thread, env *spawn.Environment, result any) {
	th.SetResult(result)
	th.RunCleanups()
	auxstack.TeardownSignalStack(th, env.DisableSignalStack)
	auxstack.TeardownShadowStack(th)

	tid := uint32(unix.Gettid())
	if th.MarkExited() == control.Detached {
		// Self-reaping: disappear from the registry, sever the id
		// while the word's memory is still mapped, then release
		// everything owned.
		control.Global.Remove(th)
		tcb.ClearCurrent(tid)
		th.ClearTID()
		if err := th.ReleaseAll(); err != nil {
			asyncsafe.Warnf("detached thread teardown failed: %s",
				asyncsafe.ErrnoName(err))
		}
		return
	}

	// Joinable: the reaper releases the mapping after observing the
	// cleared word.
	tcb.ClearCurrent(tid)
	th.ClearTID()
}

// Join waits for th to finish and reclaims it, returning the start
// routine's result. ESRCH for a handle the registry does not know,
// EDEADLK for a self-join, EINVAL for a detached or already-claimed
// thread.
func Join(th *control.Thread) (any, error) {
	if th == nil || !control.Global.Find(th) {
		return nil, unix.ESRCH
	}
	if th == tcb.Current() {
		return nil, unix.EDEADLK
	}
	switch th.TryJoin() {
	case control.NotJoined, control.ExitedNotJoined:
	default:
		return nil, unix.EINVAL
	}
	th.WaitExited()
	result := th.Result()
	reap(th)
	return result, nil
}

// Detach arranges for th's resources to be released at exit instead of
// at a join. A thread that already exited unjoined has no joiner coming,
// so it is reaped here and now.
func Detach(th *control.Thread) error {
	if th == nil || !control.Global.Find(th) {
		return unix.ESRCH
	}
	switch th.TryDetach() {
	case control.NotJoined:
		return nil
	case control.ExitedNotJoined:
		th.WaitExited()
		reap(th)
		return nil
	default:
		return unix.EINVAL
	}
}

// reap removes a claimed, exited thread from the registry and returns
// its memory. Callers must have observed the cleared id word first; the
// exiting thread touches the mapping for the last time when it clears
// the word.
func reap(th *control.Thread) {
	control.Global.Remove(th)
	if err := th.ReleaseAll(); err != nil {
		asyncsafe.Warnf("thread reclaim failed: %s", asyncsafe.ErrnoName(err))
	}
}

var (
	bootstrapOnce sync.Once
	mainThread    *control.Thread
)

// BootstrapMainThread builds, publishes, and returns the control record
// for the process's initial thread, which was not created through this
// package but still needs a control block, an identity, and auxiliary
// stacks. Idempotent; every caller gets the same record. Failure here is
// fatal: nothing that comes later works without the initial thread's
// record.
func BootstrapMainThread() *control.Thread {
	bootstrapOnce.Do(func() {
		tls := layout.Default()
		m, err := mapping.Allocate(0, 0, tls)
		if err != nil {
			asyncsafe.Fatalf("main thread bootstrap failed: %s",
				asyncsafe.ErrnoName(err))
		}
		th := control.New(control.Attributes{Detached: true}, nil, nil, m)
		tcb.Init(m.TLSBase(), tls, th)

		tid := uint32(unix.Gettid())
		atomic.StoreUint32(th.TIDWord(), tid)
		tcb.SetCurrent(tid, th)

		// The initial thread takes its auxiliary stacks like any
		// other. This is also the draw that pins the process's first
		// shadow stack at offset zero.
		auxstack.SetupSignalStack(th, func(uintptr, uintptr) error { return nil })
		if auxstack.ShadowStackSupported {
			auxstack.SetupShadowStack(th, func(uintptr) {})
		}

		control.Global.Publish(th)
		mainThread = th
	})
	return mainThread
}

// Current returns the calling thread's record: the one created for this
// kernel thread if there is one, the initial thread's record otherwise.
func Current() *control.Thread {
	if th := tcb.Current(); th != nil {
		return th
	}
	return BootstrapMainThread()
}
