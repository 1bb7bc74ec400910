//go:build linux

// Package mapping builds the primary memory mapping of a thread.
//
// One reservation holds everything a thread owns, in address order:
//
//	stack guard | stack | gap | thread control page | static TLS | guard
//
// The whole reservation starts inaccessible and only the stack and the
// control-page-plus-TLS window are opened read/write, so every byte a
// thread can touch is bracketed by guard ranges. The gap between the stack
// top and the control page has a randomized, page-granular size, which
// keeps the distance from a leaked stack address to the thread's control
// structures unpredictable. The initial stack pointer is additionally
// randomized within one page.
//
// The control page is the home of the words the kernel and other threads
// share with this one, most importantly the thread-id futex word. It sits
// inside the mapping so its lifetime is exactly the mapping's own.
//
// All size arithmetic is overflow-checked; a sum that cannot be
// represented fails the allocation the same way mmap exhaustion does:
// with EAGAIN, after tearing down whatever was already mapped.
package mapping

import (
	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/asyncsafe"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
	"github.com/renlord/platform-bionic/internal/pthread/memsys"
	"github.com/renlord/platform-bionic/internal/pthread/random"
)

const is64Bit = layout.PointerBits == 64

// uniform is the placement randomness source. Swapped out by layout tests
// that need deterministic geometry.
var uniform = random.Uniform

// maxGap bounds the randomized gap: half the stack on 64-bit targets, a
// tenth on 32-bit ones where address space is too scarce for large holes.
func maxGap(stack uintptr) uintptr {
	if is64Bit {
		return stack / 2
	}
	return stack / 10
}

// stackPointerAlign is the ABI alignment of a stack pointer.
const stackPointerAlign = 16

// Mapping is one thread's allocated address range and the carve geometry
// inside it. Release is the single place the range is returned.
type Mapping struct {
	res *memsys.Reservation

	guardLen  uintptr
	stackLen  uintptr
	gapLen    uintptr
	ctrlOff   uintptr
	tlsOff    uintptr
	tlsLen    uintptr
	guardsOff uintptr // trailing guard

	stackTop uintptr
}

// Region describes one sub-range of a thread mapping, for tests and the
// maps-inspection tooling.
type Region struct {
	Name       string
	Off        uintptr
	Size       uintptr
	Accessible bool
}

// Allocate reserves and carves a thread mapping.
//
// stackSize may be zero for threads running on a caller-provided stack; the
// mapping then holds only the guard, control page and static TLS, and
// StackTop reports zero. guardSize and stackSize are rounded up to whole
// pages. Failures are reported as EAGAIN after releasing any partial
// reservation; an invalid TLS descriptor is EINVAL.
func Allocate(stackSize, guardSize uintptr, tls layout.StaticTLS) (*Mapping, error) {
	page := memsys.PageSize()
	if !tls.Valid() || tls.Align > page {
		return nil, unix.EINVAL
	}

	guardLen, ok := layout.AlignUp(guardSize, page)
	if !ok {
		return nil, overflowed()
	}
	stackLen, ok := layout.AlignUp(stackSize, page)
	if !ok {
		return nil, overflowed()
	}

	var gapLen uintptr
	if stackLen > 0 {
		gapLen = page * uintptr(uniform(uint64(maxGap(stackLen)/page)+1))
	}

	// Running total, low address upwards. Every addition can wrap on a
	// hostile stack or guard size and must be checked.
	ctrlOff, ok := layout.CheckedAdd(guardLen, stackLen)
	if ok {
		ctrlOff, ok = layout.CheckedAdd(ctrlOff, gapLen)
	}
	if !ok {
		return nil, overflowed()
	}
	tlsOff, ok := layout.CheckedAdd(ctrlOff, page)
	if !ok {
		return nil, overflowed()
	}
	tlsEnd, ok := layout.CheckedAdd(tlsOff, tls.Size)
	if !ok {
		return nil, overflowed()
	}
	guardsOff, ok := layout.AlignUp(tlsEnd, page)
	if !ok {
		return nil, overflowed()
	}
	total, ok := layout.CheckedAdd(guardsOff, page)
	if !ok {
		return nil, overflowed()
	}

	res, err := memsys.Reserve(total)
	if err != nil {
		asyncsafe.Warnf("thread mapping failed: couldn't reserve %d bytes: %s",
			int64(total), asyncsafe.ErrnoName(err))
		return nil, unix.EAGAIN
	}
	m := &Mapping{
		res:       res,
		guardLen:  guardLen,
		stackLen:  stackLen,
		gapLen:    gapLen,
		ctrlOff:   ctrlOff,
		tlsOff:    tlsOff,
		tlsLen:    tls.Size,
		guardsOff: guardsOff,
	}

	// Open the two writable windows: the stack, and the control page
	// together with the TLS region (they are adjacent).
	if stackLen > 0 {
		if err := res.ProtectReadWrite(guardLen, stackLen); err != nil {
			return nil, m.carveFailed("stack", err)
		}
	}
	if err := res.ProtectReadWrite(ctrlOff, guardsOff-ctrlOff); err != nil {
		return nil, m.carveFailed("control and tls", err)
	}

	if guardLen > 0 {
		res.Name(0, guardLen, memsys.TagStackGuard)
	}
	if gapLen > 0 {
		res.Name(guardLen+stackLen, gapLen, memsys.TagStackTopGuard)
	}
	res.Name(ctrlOff, page, memsys.TagThreadControl)
	res.Name(tlsOff, guardsOff-tlsOff, memsys.TagStaticTLS)

	if stackLen > 0 {
		// The initial stack pointer starts up to a page below the top
		// of the stack window, re-aligned for the ABI.
		rawTop := res.Base() + guardLen + stackLen
		delta := uintptr(uniform(uint64(page)))
		m.stackTop = layout.AlignDown(rawTop-delta, stackPointerAlign)
	}
	return m, nil
}

func overflowed() error {
	asyncsafe.Warnf("thread mapping failed: size overflowed")
	return unix.EAGAIN
}

func (m *Mapping) carveFailed(what string, err error) error {
	asyncsafe.Warnf("thread mapping failed: couldn't carve %s: %s",
		what, asyncsafe.ErrnoName(err))
	if rerr := m.Release(); rerr != nil {
		asyncsafe.Warnf("thread mapping teardown failed: %s",
			asyncsafe.ErrnoName(rerr))
	}
	return unix.EAGAIN
}

// Base returns the lowest address of the mapping.
func (m *Mapping) Base() uintptr {
	return m.res.Base()
}

// Size returns the total reserved size in bytes.
func (m *Mapping) Size() uintptr {
	return m.res.Size()
}

// StackTop returns the randomized initial stack pointer, or zero for a
// mapping allocated without a stack.
func (m *Mapping) StackTop() uintptr {
	return m.stackTop
}

// StackLow returns the lowest usable stack address, or zero for a mapping
// allocated without a stack.
func (m *Mapping) StackLow() uintptr {
	if m.stackLen == 0 {
		return 0
	}
	return m.res.Base() + m.guardLen
}

// ControlPage returns the writable control page as a byte view. The
// kernel-shared thread words live at its start.
func (m *Mapping) ControlPage() []byte {
	return m.res.Slice(m.ctrlOff, memsys.PageSize())
}

// TLSBase returns the address of the static TLS region.
func (m *Mapping) TLSBase() uintptr {
	return m.res.Base() + m.tlsOff
}

// TLS returns the static TLS region as a byte view.
func (m *Mapping) TLS() []byte {
	return m.res.Slice(m.tlsOff, m.tlsLen)
}

// Regions describes the mapping's sub-ranges in address order, zero-sized
// ones omitted.
func (m *Mapping) Regions() []Region {
	page := memsys.PageSize()
	all := []Region{
		{memsys.TagStackGuard.String(), 0, m.guardLen, false},
		{"", m.guardLen, m.stackLen, true},
		{memsys.TagStackTopGuard.String(), m.guardLen + m.stackLen, m.gapLen, false},
		{memsys.TagThreadControl.String(), m.ctrlOff, page, true},
		{memsys.TagStaticTLS.String(), m.tlsOff, m.guardsOff - m.tlsOff, true},
		{"", m.guardsOff, page, false},
	}
	regions := all[:0]
	for _, r := range all {
		if r.Size > 0 {
			regions = append(regions, r)
		}
	}
	return regions
}

// Release unmaps the whole thread mapping. Idempotent, like the underlying
// reservation release, so exit paths can run it unconditionally.
func (m *Mapping) Release() error {
	if m == nil {
		return nil
	}
	return m.res.Release()
}
