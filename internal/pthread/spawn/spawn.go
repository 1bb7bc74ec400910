//go:build linux

// Package spawn defines the contract between the launch orchestrator and
// whatever actually creates kernel threads.
//
// The contract is the clone(2) thread contract: a fixed set of sharing
// flags, a child stack pointer, a TLS base to install atomically with
// creation, and a thread-id word the new thread's id is stored into at
// birth (visible to both sides) and cleared and futex-woken at death.
// Everything above this package is written against that contract alone;
// joining a thread, for instance, is a futex wait for the id word to
// return to zero, no matter who spawned it.
//
// The package ships one implementation, Hosted, which satisfies the
// contract with a dedicated kernel thread obtained from the host runtime.
package spawn

import (
	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/control"
)

// RequiredFlags is the only flag set a thread spawn may request: full
// sharing of the address space, filesystem context, file descriptors,
// signal handlers and thread group, System V semaphore undo lists, TLS
// installation at creation, id publication to the parent, and id clear
// plus futex wake at exit.
const RequiredFlags = unix.CLONE_VM |
	unix.CLONE_FS |
	unix.CLONE_FILES |
	unix.CLONE_SIGHAND |
	unix.CLONE_THREAD |
	unix.CLONE_SYSVSEM |
	unix.CLONE_SETTLS |
	unix.CLONE_PARENT_SETTID |
	unix.CLONE_CHILD_CLEARTID

// Environment is the set of platform capabilities a spawned thread's
// entry code may use. What each call does is the spawner's business; the
// entry code only sees the capability.
type Environment struct {
	// InstallSignalStack makes [base, base+size) the thread's alternate
	// signal stack.
	InstallSignalStack func(base, size uintptr) error

	// DisableSignalStack undoes InstallSignalStack at thread exit,
	// before the stack's memory is freed.
	DisableSignalStack func() error

	// SetShadowStackRegister writes the platform's shadow-call-stack
	// register. Write-only by contract: no capability exists to read
	// the register back, which is what keeps the stack's address
	// unreachable from ordinary memory.
	SetShadowStackRegister func(addr uintptr)
}

// Config describes one thread spawn.
type Config struct {
	// Flags must be exactly RequiredFlags. The field exists so the
	// caller states its requirements and the spawner can refuse what it
	// cannot honor, rather than silently approximating.
	Flags uintptr

	// StackTop is the initial stack pointer for the new thread, from
	// the thread's mapping.
	StackTop uintptr

	// TLSBase is the thread's static TLS region, installed so that the
	// thread can locate its control block from its very first
	// instruction.
	TLSBase uintptr

	// ParentTID and ChildTID receive the new thread's kernel id. They
	// usually point at the same word; both are written so that neither
	// side can observe the word before its copy is in place. ChildTID
	// is also the word cleared and woken at thread exit.
	ParentTID *uint32
	ChildTID  *uint32

	// Thread is the control record the spawned thread runs under. The
	// spawner associates it with the new kernel thread id before Entry
	// runs.
	Thread *control.Thread

	// Entry runs on the new thread. When it returns, the thread dies.
	Entry func(env *Environment)
}

// Spawner creates kernel threads.
//
// Spawn returns once the new thread's id is visible through ParentTID.
// On failure nothing kernel-visible exists: no thread, no id published.
// Unsatisfiable flags are ENOTSUP; a malformed Config is EINVAL.
type Spawner interface {
	Spawn(cfg *Config) error
}

// validate rejects configs that would break the contract.
func validate(cfg *Config) error {
	if cfg == nil || cfg.ParentTID == nil || cfg.ChildTID == nil ||
		cfg.Thread == nil || cfg.Entry == nil {
		return unix.EINVAL
	}
	if cfg.Flags != RequiredFlags {
		return unix.ENOTSUP
	}
	return nil
}
