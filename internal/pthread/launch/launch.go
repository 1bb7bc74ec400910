//go:build linux

// Package launch sequences the creation of one kernel thread: allocate
// the thread's memory, initialize its control block, hold the new thread
// at a handshake until everything it will read is in place, spawn, apply
// scheduling, and either hand back a live thread or unwind.
//
// The package also owns the far end of each thread's life: the exit path
// that runs when a start routine returns or calls Exit, and the join and
// detach operations that reap what the exit path leaves behind.
//
// The handshake is the only synchronization primitive used during
// bootstrap. The parent acquires it before spawning and releases it
// exactly once on every path, success or failure, so the child can never
// starve at its first synchronization point and never observes a
// half-written record.
package launch

import (
	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/asyncsafe"
	"github.com/renlord/platform-bionic/internal/pthread/auxstack"
	"github.com/renlord/platform-bionic/internal/pthread/control"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
	"github.com/renlord/platform-bionic/internal/pthread/mapping"
	"github.com/renlord/platform-bionic/internal/pthread/sched"
	"github.com/renlord/platform-bionic/internal/pthread/spawn"
	"github.com/renlord/platform-bionic/internal/pthread/tcb"
)

// spawner creates the kernel threads. A package variable so tests can
// substitute a failing implementation.
var spawner spawn.Spawner = spawn.Hosted{}

// beforeRelease, when non-nil, runs after a fully successful setup,
// immediately before the parent releases the handshake. Tests use it to
// race parent-side writes against the trampoline.
var beforeRelease func(th *control.Thread)

// noopStart replaces the user routine on threads whose creation failed
// after the kernel thread already existed.
func noopStart(any) any { return nil }

// Create builds and starts one thread. attr must be complete; the public
// facade fills in defaults and validates before calling here.
//
// On success the returned thread is published, discoverable, and past the
// point of no return: it runs. Allocation and spawn failures are fully
// unwound and nothing kernel-visible remains. A scheduling failure after
// the spawn cannot be unwound: the error is returned, but a detached,
// inert thread still winds itself down through the normal exit path, so
// the caller must not assume nothing was created.
func Create(attr control.Attributes, start func(arg any) any, arg any) (*control.Thread, error) {
	if start == nil {
		return nil, unix.EINVAL
	}

	tls := layout.Default()
	m, err := mapping.Allocate(attr.StackSize, attr.GuardSize, tls)
	if err != nil {
		return nil, err
	}
	th := control.New(attr, start, arg, m)
	tcb.Init(m.TLSBase(), tls, th)

	// Hold the child at its first synchronization point until every
	// store above and the publication below are in place.
	th.StartupHandshake.Acquire()

	err = spawner.Spawn(&spawn.Config{
		Flags:     spawn.RequiredFlags,
		StackTop:  m.StackTop(),
		TLSBase:   m.TLSBase(),
		ParentTID: th.TIDWord(),
		ChildTID:  th.TIDWord(),
		Thread:    th,
		Entry:     func(env *spawn.Environment) { trampoline(th, env) },
	})
	if err != nil {
		// No child exists. The handshake is moot but released anyway,
		// and the mapping is ours to unwind.
		th.StartupHandshake.Release()
		if rerr := th.ReleaseAll(); rerr != nil {
			asyncsafe.Warnf("thread unwind failed: %s", asyncsafe.ErrnoName(rerr))
		}
		return nil, err
	}

	if err := sched.Apply(th.TID(), attr); err != nil {
		// The child is already real and unmapping memory out from
		// under a running thread is unsafe, so it cannot be unwound.
		// Turn it into a detached no-op instead: it runs to completion
		// through the normal exit path and reclaims itself. The caller
		// gets the error and never sees the handle.
		th.TryDetach()
		control.Global.Publish(th)
		th.ReplaceEntry(noopStart, nil)
		th.StartupHandshake.Release()
		return nil, err
	}

	control.Global.Publish(th)
	if beforeRelease != nil {
		beforeRelease(th)
	}
	th.StartupHandshake.Release()
	return th, nil
}

// trampoline is the first code to run on a new thread. The handshake
// acquire is the synchronization point: once it returns, every store the
// parent made to the mapping, the control block, and the thread record
// is visible here.
func trampoline(th *control.Thread, env *spawn.Environment) {
	th.StartupHandshake.Acquire()

	auxstack.SetupSignalStack(th, env.InstallSignalStack)
	if auxstack.ShadowStackSupported {
		auxstack.SetupShadowStack(th, env.SetShadowStackRegister)
	}

	exitThread(th, env, runStart(th))
}

// threadExit carries a result through the unwinding panic Exit raises.
type threadExit struct{ result any }

func (threadExit) String() string {
	return "thread exit outside a created thread"
}

// runStart runs the thread's start routine, converting an Exit unwind
// back into an ordinary return value. Any other panic keeps going and
// takes the process down.
func runStart(th *control.Thread) (result any) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(threadExit)
			if !ok {
				panic(r)
			}
			result = e.result
		}
	}()
	start, arg := th.Entry()
	return start(arg)
}
