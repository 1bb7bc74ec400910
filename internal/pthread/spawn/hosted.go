//go:build linux

package spawn

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/futex"
	"github.com/renlord/platform-bionic/internal/pthread/tcb"
)

// Hosted creates threads through the host Go runtime: each spawn locks a
// fresh goroutine to its kernel thread for life, and when the entry
// returns with the lock still held the runtime terminates that thread.
// The result is a dedicated kernel thread with the whole member-of-the-
// thread-group sharing set, which is exactly what RequiredFlags asks for;
// any other flag set is refused with ENOTSUP.
//
// The id contract is honored literally. The child stores its kernel id
// through ChildTID and ParentTID and wakes the word; Spawn returns only
// once the word reads non-zero. At thread death the word is cleared and
// woken again, unless the exit path already did both, so joiners never
// hang on a thread that forgot to say goodbye. The StackTop and TLSBase
// values describe memory the thread owns but, in this implementation, do
// not become the machine stack or the hardware TLS base: the host runtime
// owns those, and the thread reaches its control block through the
// association installed before the entry runs instead.
//
// The zero value is ready to use. Env, when non-nil, replaces the default
// entry environment; tests use it to observe capability calls.
type Hosted struct {
	Env *Environment
}

// hostedEnv is the default capability set handed to entries. The signal
// stack install is recording-only: the host runtime manages the real
// alternate signal stack of every thread it owns, and fighting it with
// sigaltstack would corrupt signal delivery. The register write is a
// sink: there is no hardware register here, and providing no read path
// is precisely the contract.
var hostedEnv = Environment{
	InstallSignalStack:     func(base, size uintptr) error { return nil },
	DisableSignalStack:     func() error { return nil },
	SetShadowStackRegister: func(addr uintptr) {},
}

// Spawn implements Spawner.
func (h Hosted) Spawn(cfg *Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	env := h.Env
	if env == nil {
		env = &hostedEnv
	}

	go func() {
		// Pin for life. Exiting the goroutine with the lock held is
		// what turns "entry returned" into "thread died".
		runtime.LockOSThread()
		tid := uint32(unix.Gettid())

		// Associate before publishing the id: once the parent can see
		// the id, the thread must already be resolvable through it.
		// This is the SETTLS half of the contract.
		tcb.SetCurrent(tid, cfg.Thread)

		atomic.StoreUint32(cfg.ChildTID, tid)
		if cfg.ParentTID != cfg.ChildTID {
			atomic.StoreUint32(cfg.ParentTID, tid)
		}
		futex.Wake(cfg.ParentTID, 1)

		cfg.Entry(env)

		// CLEARTID. The exit path normally clears the association and
		// the word itself (it must, before a detached thread unmaps
		// the word's memory). If the association is still present the
		// entry skipped that, and the word is then guaranteed still
		// mapped: only the exit path unmaps it while the thread runs,
		// and a joiner unmaps only after observing the word at zero.
		if tcb.CurrentByTID(tid) == cfg.Thread {
			tcb.ClearCurrent(tid)
			atomic.StoreUint32(cfg.ChildTID, 0)
			futex.Wake(cfg.ChildTID, 1<<30)
		}
	}()

	futex.WaitUntilNonzero(cfg.ParentTID)
	return nil
}
