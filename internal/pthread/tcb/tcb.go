//go:build linux

// Package tcb initializes the thread control block inside a thread's
// static TLS region and tracks which thread is current on each kernel
// thread.
//
// The control block is the slot array described by package layout. Init
// writes every populated slot before the new thread is spawned, so no
// thread ever observes a partially initialized block: by the time the
// thread exists, its TLS already carries the stack-protector canary, the
// DTV pointer and the addresses of its owning record and extended storage.
//
// Two pieces of process-wide state live here. The stack-protector canary
// is drawn once from the placement randomness source and is identical in
// every thread afterwards, because code compiled against it assumes one
// process-wide value. The zero DTV is a single immutable vector shared by
// every thread until its first dynamic TLS access; nothing in this module
// ever writes through it, it exists to give the DTV slot a valid pointee
// from the start.
package tcb

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/asyncsafe"
	"github.com/renlord/platform-bionic/internal/pthread/control"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
	"github.com/renlord/platform-bionic/internal/pthread/memsys"
	"github.com/renlord/platform-bionic/internal/pthread/random"
)

// Block is a typed view of one thread's control block slots.
type Block struct {
	slots *[layout.SlotCount]uintptr
}

// View maps the control block inside the static TLS region at tlsBase.
// The descriptor must have passed validation; View performs no checks.
func View(tlsBase uintptr, l layout.StaticTLS) Block {
	return Block{
		slots: (*[layout.SlotCount]uintptr)(unsafe.Pointer(tlsBase + l.OffControl)),
	}
}

// Slot returns the current value of slot i.
func (b Block) Slot(i int) uintptr {
	return b.slots[i]
}

// Init populates the control block for th and returns the view.
//
// The thread slot stores the address of th as a plain word, for parity
// with the C-side layout; it is not what keeps th alive. The registry and
// the creator's handle do that, and the word dies with the mapping.
func Init(tlsBase uintptr, l layout.StaticTLS, th *control.Thread) Block {
	b := View(tlsBase, l)
	if layout.SelfSlotRequired {
		// Flat-pointer TLS: slot zero points at the slot array itself
		// so a single known address reaches the whole block.
		b.slots[layout.SlotSelf] = uintptr(unsafe.Pointer(b.slots))
	}
	b.slots[layout.SlotThread] = uintptr(unsafe.Pointer(th))
	b.slots[layout.SlotStackGuard] = Canary()
	b.slots[layout.SlotDTV] = ZeroDTV()
	b.slots[layout.SlotExtendedStorage] = tlsBase + l.OffExtended
	return b
}

var (
	canaryOnce sync.Once
	canary     uintptr
)

// Canary returns the process-wide stack-protector value. The first call
// draws it; every later call returns the same value. With a degraded
// randomness source it is zero, which disables the protection but keeps
// every thread consistent.
func Canary() uintptr {
	canaryOnce.Do(func() {
		canary = uintptr(random.Uint64())
	})
	return canary
}

// zeroDTV is the immutable dynamic-TLS vector shared by threads that have
// never touched dynamic TLS: generation and module count both zero. The
// first dynamic-TLS growth replaces the slot wholesale; that machinery is
// outside this module.
var zeroDTV struct {
	generation uintptr
	count      uintptr
}

// ZeroDTV returns the address of the shared zero vector.
func ZeroDTV() uintptr {
	return uintptr(unsafe.Pointer(&zeroDTV))
}

// current maps kernel thread ids to their control records. The spawn path
// installs the association before the thread's entry function runs, which
// is this module's analog of handing the TLS pointer to the kernel at
// thread start.
var current sync.Map

// SetCurrent associates tid with th.
func SetCurrent(tid uint32, th *control.Thread) {
	current.Store(tid, th)
}

// ClearCurrent drops the association for tid.
func ClearCurrent(tid uint32) {
	current.Delete(tid)
}

// CurrentByTID returns the thread associated with tid, or nil.
func CurrentByTID(tid uint32) *control.Thread {
	v, ok := current.Load(tid)
	if !ok {
		return nil
	}
	return v.(*control.Thread)
}

// Current returns the control record of the calling kernel thread, or nil
// when called from a thread the bootstrap core does not manage. Callers
// must be pinned to their kernel thread for the answer to be meaningful;
// threads created by this library always are.
func Current() *control.Thread {
	return CurrentByTID(uint32(unix.Gettid()))
}

// AllocateTempStorage maps the page-aligned scratch copy of the extended
// per-thread storage used between the moment a thread needs that storage
// and the moment its real mapping exists. There is no way to limp on
// without it, so failure is fatal.
func AllocateTempStorage() *memsys.Reservation {
	size, ok := layout.AlignUp(layout.ExtendedStorageSize, memsys.PageSize())
	if !ok {
		asyncsafe.Fatalf("temp thread storage size overflowed")
	}
	r, err := memsys.ReserveReadWrite(size)
	if err != nil {
		asyncsafe.Fatalf("failed to map temp thread storage: %s",
			asyncsafe.ErrnoName(err))
	}
	r.Name(0, size, memsys.TagTempStorage)
	return r
}

// FreeTempStorage releases storage obtained from AllocateTempStorage.
func FreeTempStorage(r *memsys.Reservation) {
	if err := r.Release(); err != nil {
		asyncsafe.Warnf("failed to unmap temp thread storage: %s",
			asyncsafe.ErrnoName(err))
	}
}
