//go:build linux

// Package auxstack equips a new thread with its auxiliary stacks: the
// alternate signal stack and, where supported, the shadow call stack.
//
// Both are independent mappings owned by the thread's control record and
// freed at teardown, and both run inside the new thread after the startup
// handshake, before user code. Installation itself goes through callbacks
// supplied by the spawn environment, because what "install" means is the
// environment's business: a bare-metal environment issues sigaltstack and
// writes the platform register, the hosted environment records the signal
// stack and treats the register as a write-only sink.
//
// The shadow call stack placement is the security-sensitive part: the
// usable slice sits at a random multiple of its own size inside a much
// larger inaccessible guard region, and its address is handed exactly once
// to the register sink. No field, return value or log line carries that
// address; holding the guard-region bounds does not reveal it.
package auxstack

import (
	"sync/atomic"

	"github.com/renlord/platform-bionic/internal/pthread/asyncsafe"
	"github.com/renlord/platform-bionic/internal/pthread/control"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
	"github.com/renlord/platform-bionic/internal/pthread/memsys"
	"github.com/renlord/platform-bionic/internal/pthread/random"
)

const (
	// SignalStackUsable is the portion of the signal stack mapping the
	// handler may actually use. The default SIGSTKSZ is too small for a
	// formatted stack trace, so this is deliberately generous.
	SignalStackUsable = 32 * 1024

	// ScsSize is the size of one shadow call stack. Return addresses
	// are all it stores, so it can be far smaller than a data stack.
	ScsSize = 16 * 1024

	// ScsGuardRegionSize is the inaccessible region the stack slice is
	// hidden in. A pointer anywhere into the region pins only the
	// region, not the slice.
	ScsGuardRegionSize = 16 << 20
)

// uniform is the placement randomness source, swappable in tests.
var uniform = random.Uniform

// firstScsDone flips when the first shadow call stack of the process has
// been placed. That first placement must not consult the randomness
// source, which may not be usable yet, so it is pinned to offset zero.
var firstScsDone atomic.Bool

// SetupSignalStack maps the thread's alternate signal stack and installs
// it through install, which receives the usable base and size.
//
// Failure is soft: most threads never take a signal on a deep stack, so a
// thread without an alternate stack is degraded, not broken. On any error
// the region is released and the thread proceeds.
func SetupSignalStack(th *control.Thread, install func(base, size uintptr) error) {
	page := memsys.PageSize()
	r, err := memsys.ReserveReadWrite(page + SignalStackUsable)
	if err != nil {
		asyncsafe.Warnf("thread signal stack unavailable: %s",
			asyncsafe.ErrnoName(err))
		return
	}
	// Leading guard page, so a handler overflowing the signal stack
	// faults instead of running into whatever is mapped below.
	if err := r.ProtectNone(0, page); err != nil {
		asyncsafe.Warnf("thread signal stack guard failed: %s",
			asyncsafe.ErrnoName(err))
		releaseQuietly(r)
		return
	}
	r.Name(page, SignalStackUsable, memsys.TagSignalStack)

	if err := install(r.Base()+page, SignalStackUsable); err != nil {
		asyncsafe.Warnf("thread signal stack install failed: %s",
			asyncsafe.ErrnoName(err))
		releaseQuietly(r)
		return
	}
	th.SetSignalStack(r)
}

// TeardownSignalStack disables the thread's alternate signal stack via
// disable and releases its mapping. Safe to call when none was installed.
func TeardownSignalStack(th *control.Thread, disable func() error) {
	r := th.TakeSignalStack()
	if r == nil {
		return
	}
	if err := disable(); err != nil {
		asyncsafe.Warnf("thread signal stack disable failed: %s",
			asyncsafe.ErrnoName(err))
	}
	releaseQuietly(r)
}

// TeardownShadowStack releases the thread's shadow call stack guard
// region. The register keeps whatever value it held; only the memory
// goes. Safe to call when none was installed.
func TeardownShadowStack(th *control.Thread) {
	if r := th.TakeShadowStack(); r != nil {
		releaseQuietly(r)
	}
}

// pickScsOffset returns the byte offset of the stack slice within the
// aligned span of the guard region. slots is how many stack-sized slots
// the span holds. The last slot is never chosen, so at least one unmapped
// slot always trails the slice; the process's first pick is always zero.
func pickScsOffset(slots uintptr) uintptr {
	if !firstScsDone.Swap(true) {
		return 0
	}
	return uintptr(uniform(uint64(slots-1))) * ScsSize
}

// SetupShadowStack maps the guard region, places the stack slice inside
// it and hands the slice address to sink, the environment's register
// write. The guard region is recorded on th for teardown; the address
// goes nowhere else.
//
// Failure is soft here too; the consequences are the environment's to
// bear, and the hosted environment has no hardware consuming the value.
func SetupShadowStack(th *control.Thread, sink func(addr uintptr)) {
	r, err := memsys.Reserve(ScsGuardRegionSize)
	if err != nil {
		asyncsafe.Warnf("shadow call stack unavailable: %s",
			asyncsafe.ErrnoName(err))
		return
	}
	alignedBase, ok := layout.AlignUp(r.Base(), ScsSize)
	if !ok {
		releaseQuietly(r)
		return
	}
	slots := (r.Base() + ScsGuardRegionSize - alignedBase) / ScsSize
	addr := alignedBase + pickScsOffset(slots)

	if err := r.ProtectReadWrite(addr-r.Base(), ScsSize); err != nil {
		asyncsafe.Warnf("shadow call stack carve failed: %s",
			asyncsafe.ErrnoName(err))
		releaseQuietly(r)
		return
	}
	r.Name(addr-r.Base(), ScsSize, memsys.TagShadowStack)

	th.SetShadowStack(r)
	sink(addr)
}

func releaseQuietly(r *memsys.Reservation) {
	if err := r.Release(); err != nil {
		asyncsafe.Warnf("auxiliary stack teardown failed: %s",
			asyncsafe.ErrnoName(err))
	}
}
