//go:build linux

// Package sched resolves and applies a new thread's scheduling policy.
//
// The applier runs in the creator after the thread exists, targeting it by
// kernel id. Which policy to apply comes from the creation attributes:
//
//   - Inherit: the thread should run like its creator. The kernel already
//     guarantees that for a fresh thread, so a set call is needed only
//     when the creator runs with the reset-on-fork modifier, which the
//     kernel strips from new threads; in that case the creator's full
//     configuration, modifier included, is re-applied explicitly.
//   - Explicit: the attribute values are applied unconditionally.
//   - Neither flag: the compatibility rule from before the inherit and
//     explicit flags existed. The attribute policy is applied only when
//     it differs from the default policy.
//
// Failures are always logged. Whether they also fail the creation is
// governed by StrictApplyFailure: 64-bit targets historically propagate
// the error, 32-bit targets swallow it. The split is deliberate inherited
// behavior, kept configurable rather than silently unified.
package sched

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/asyncsafe"
	"github.com/renlord/platform-bionic/internal/pthread/control"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
)

// StrictApplyFailure controls whether scheduler syscall failures fail the
// thread creation or are only logged. Process-wide; flip it before
// creating threads, not concurrently with creation.
var StrictApplyFailure = layout.PointerBits == 64

// Param is the kernel's scheduling parameter block.
type Param struct {
	Priority int32
}

// Getscheduler returns tid's scheduling policy, reset-on-fork modifier
// included. tid zero means the calling thread.
func Getscheduler(tid uint32) (int, error) {
	policy, _, errno := unix.RawSyscall(unix.SYS_SCHED_GETSCHEDULER,
		uintptr(tid), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(policy), nil
}

// Getparam returns tid's scheduling parameters. tid zero means the
// calling thread.
func Getparam(tid uint32) (Param, error) {
	var p Param
	_, _, errno := unix.RawSyscall(unix.SYS_SCHED_GETPARAM,
		uintptr(tid), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return Param{}, errno
	}
	return p, nil
}

// Setscheduler applies policy and param to tid.
func Setscheduler(tid uint32, policy int, param Param) error {
	_, _, errno := unix.RawSyscall(unix.SYS_SCHED_SETSCHEDULER,
		uintptr(tid), uintptr(policy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Decision is a resolved scheduling plan for one new thread.
type Decision struct {
	Policy  int
	Param   Param
	NeedSet bool
}

// Resolve turns creation attributes into a Decision, reading the calling
// thread's configuration when attr asks for inheritance. A read failure is
// returned as the raw errno; the caller owns the propagation policy.
func Resolve(attr control.Attributes) (Decision, error) {
	if attr.Explicit && !attr.Inherit {
		return Decision{
			Policy:  attr.Policy,
			Param:   Param{Priority: int32(attr.Priority)},
			NeedSet: true,
		}, nil
	}
	if attr.Inherit {
		policy, err := Getscheduler(0)
		if err != nil {
			asyncsafe.Warnf("thread scheduling: sched_getscheduler failed: %s",
				asyncsafe.ErrnoName(err))
			return Decision{}, err
		}
		if policy&unix.SCHED_RESET_ON_FORK == 0 {
			// The new thread already inherited everything.
			return Decision{Policy: policy}, nil
		}
		param, err := Getparam(0)
		if err != nil {
			asyncsafe.Warnf("thread scheduling: sched_getparam failed: %s",
				asyncsafe.ErrnoName(err))
			return Decision{}, err
		}
		return Decision{Policy: policy, Param: param, NeedSet: true}, nil
	}
	// Pre-flag compatibility: apply only a non-default policy.
	return Decision{
		Policy:  attr.Policy,
		Param:   Param{Priority: int32(attr.Priority)},
		NeedSet: attr.Policy != unix.SCHED_NORMAL,
	}, nil
}

// Apply resolves attr and applies the result to the thread tid. The
// returned error is already filtered through StrictApplyFailure: non-nil
// means the creation must be reported as failed, nil means it proceeds
// (possibly after a logged, swallowed failure).
func Apply(tid uint32, attr control.Attributes) error {
	d, err := Resolve(attr)
	if err != nil {
		return swallowUnlessStrict(err)
	}
	if !d.NeedSet {
		return nil
	}
	if err := Setscheduler(tid, d.Policy, d.Param); err != nil {
		asyncsafe.Warnf("thread scheduling: sched_setscheduler of policy %d on thread %d failed: %s",
			d.Policy, tid, asyncsafe.ErrnoName(err))
		return swallowUnlessStrict(err)
	}
	return nil
}

func swallowUnlessStrict(err error) error {
	if StrictApplyFailure {
		return err
	}
	return nil
}
