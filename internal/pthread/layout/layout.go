// Package layout describes the static thread-local storage region consumed
// by the thread bootstrap core.
//
// The static TLS region of every thread holds, at offsets fixed before any
// thread is created: the control block (a small array of machine-word slots
// addressed by the indices below) and the extended per-thread storage used
// by other library subsystems. ELF TLS segments, when the embedder has any,
// are appended by the embedder's own layout computation; this package only
// carries the resulting descriptor, it never computes ELF offsets itself.
//
// The descriptor is validated exactly once, at construction. Every consumer
// may then index into the region without further range checks.
package layout

import "unsafe"

// Control block slot indices.
//
// Slots are machine words. The assignment is fixed for the lifetime of the
// process; it is part of the contract between the bootstrap core and any
// code that locates per-thread state through the control block.
const (
	// SlotSelf points at the slot array itself. It is populated only on
	// architectures that locate TLS through a flat pointer, so code can
	// dereference slot zero to find the block. See SelfSlotRequired.
	SlotSelf = 0

	// SlotThread holds the address of the owning thread control record.
	SlotThread = 1

	// SlotStackGuard holds the process-wide stack-protector canary.
	// Stack-protector epilogues compare against this slot.
	SlotStackGuard = 2

	// SlotDTV holds the address of the thread's dynamic TLS vector.
	// Freshly created threads share the immutable zero vector; the first
	// access to a lazily allocated TLS variable replaces it.
	SlotDTV = 3

	// SlotExtendedStorage holds the address of the extended per-thread
	// storage area inside the static TLS region.
	SlotExtendedStorage = 4

	// SlotCount is the number of reserved slots. The tail beyond the
	// assigned indices is reserved for library subsystems and stays zero.
	SlotCount = 8
)

const (
	// WordSize is the size of one control block slot in bytes.
	WordSize = unsafe.Sizeof(uintptr(0))

	// PointerBits is the machine pointer width. A handful of policies in
	// the core differ between 32-bit and 64-bit targets; they all key off
	// this constant.
	PointerBits = 32 << (^uintptr(0) >> 63)

	// ControlBlockSize is the byte size of the slot array.
	ControlBlockSize = SlotCount * WordSize

	// ExtendedStorageSize is the byte size of the extended per-thread
	// storage area. It is deliberately one page so the early-bootstrap
	// temporary allocation maps exactly one page.
	ExtendedStorageSize uintptr = 4096
)

// StaticTLS describes one thread's static TLS region.
//
// All offsets are relative to the start of the region. The region is mapped
// as part of the thread's primary mapping and is logically zero-initialized
// (anonymous mappings are zero-filled), so only the populated slots carry
// non-zero values before the TLS initializer runs.
type StaticTLS struct {
	// Size is the total byte size of the region, page-granular additions
	// included. It is the amount the mapping allocator reserves.
	Size uintptr

	// Align is the required alignment of the region base. It is at most
	// one page; the mapping allocator satisfies it for free.
	Align uintptr

	// OffControl is the offset of the control block slot array.
	OffControl uintptr

	// OffExtended is the offset of the extended per-thread storage.
	OffExtended uintptr
}

// Default returns the descriptor for an embedder with no ELF TLS segments:
// the control block at offset zero, the extended storage directly after it,
// word alignment.
func Default() StaticTLS {
	return StaticTLS{
		Size:        ControlBlockSize + ExtendedStorageSize,
		Align:       WordSize,
		OffControl:  0,
		OffExtended: ControlBlockSize,
	}
}

// Valid reports whether the descriptor is internally consistent: both areas
// word-aligned, inside the region, and non-overlapping. The bootstrap core
// rejects a thread creation against an invalid descriptor before reserving
// any memory.
func (l StaticTLS) Valid() bool {
	if l.Size == 0 || l.Align == 0 || l.Align&(l.Align-1) != 0 {
		return false
	}
	if l.OffControl%WordSize != 0 || l.OffExtended%WordSize != 0 {
		return false
	}
	cbEnd, ok := CheckedAdd(l.OffControl, ControlBlockSize)
	if !ok || cbEnd > l.Size {
		return false
	}
	esEnd, ok := CheckedAdd(l.OffExtended, ExtendedStorageSize)
	if !ok || esEnd > l.Size {
		return false
	}
	// The two areas must not straddle each other.
	if l.OffControl < esEnd && l.OffExtended < cbEnd {
		return false
	}
	return true
}

// CheckedAdd returns a+b and reports whether the sum did not wrap.
//
// Every running size total in the mapping allocator goes through this; a
// wrapped total must fail the allocation, never silently truncate it.
//
//go:nosplit
func CheckedAdd(a, b uintptr) (uintptr, bool) {
	sum := a + b
	return sum, sum >= a
}

// AlignUp rounds n up to a multiple of align (a power of two) and reports
// whether the rounding did not wrap.
//
//go:nosplit
func AlignUp(n, align uintptr) (uintptr, bool) {
	sum, ok := CheckedAdd(n, align-1)
	if !ok {
		return 0, false
	}
	return sum &^ (align - 1), true
}

// AlignDown rounds n down to a multiple of align (a power of two).
//
//go:nosplit
func AlignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// MaxSize is the largest representable region size. Exposed for the
// overflow tables in tests.
const MaxSize = ^uintptr(0)
