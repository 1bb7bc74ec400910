//go:build linux

// Package memsys is the raw anonymous-mapping layer under the thread
// bootstrap core.
//
// It wraps exactly the virtual-memory operations the core needs: reserving
// an inaccessible region, carving read/write windows out of it, naming
// sub-ranges for process-introspection tooling, and releasing the whole
// reservation. Everything above this package works in offsets relative to a
// Reservation; this package is the only one that talks to mmap, mprotect,
// munmap and prctl.
//
// Region names are attached with PR_SET_VMA_ANON_NAME. The kernel references
// the name pointer directly when rendering /proc/pid/maps, so names must be
// statically allocated and are modeled by the Tag type; a heap string would
// be unsafe here. Kernels without CONFIG_ANON_VMA_NAME reject the call and
// the name is silently dropped, which matches how the regions behave in the
// original: naming is purely diagnostic.
package memsys

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the system page size.
//
//go:nosplit
func PageSize() uintptr {
	return pageSize
}

// Tag is a statically allocated, NUL-terminated region name.
//
// Construct tags only as package-level variables. The kernel may hold the
// pointer for the lifetime of the mapping.
type Tag struct {
	name []byte
}

// Tags for every region the core maps. The strings appear verbatim in
// /proc/pid/maps as [anon:<name>].
var (
	TagStackGuard    = Tag{[]byte("stack guard\x00")}
	TagStackTopGuard = Tag{[]byte("stack top guard\x00")}
	TagThreadControl = Tag{[]byte("thread control\x00")}
	TagStaticTLS     = Tag{[]byte("static tls\x00")}
	TagSignalStack   = Tag{[]byte("thread signal stack\x00")}
	TagShadowStack   = Tag{[]byte("shadow call stack\x00")}
	TagTempStorage   = Tag{[]byte("temp thread storage\x00")}
)

// String returns the tag without the trailing NUL, for diagnostics.
func (t Tag) String() string {
	if len(t.name) == 0 {
		return ""
	}
	return string(t.name[:len(t.name)-1])
}

// Reservation is one contiguous anonymous mapping, the ownership token for
// the arena the mapping allocator carves up. Release is the single place
// the region is ever unmapped.
type Reservation struct {
	mem []byte
}

// Reserve maps size bytes of inaccessible anonymous memory.
//
// The region is PROT_NONE and MAP_NORESERVE: nothing is committed until a
// sub-range is made accessible and touched, so over-long stacks cost only
// address space. size must be page-aligned.
func Reserve(size uintptr) (*Reservation, error) {
	return mapAnon(size, unix.PROT_NONE)
}

// ReserveReadWrite maps size bytes of zeroed read/write anonymous memory.
// Used for the auxiliary stacks and the temporary early-bootstrap storage,
// which are mapped accessible and get their guards protected afterwards.
func ReserveReadWrite(size uintptr) (*Reservation, error) {
	return mapAnon(size, unix.PROT_READ|unix.PROT_WRITE)
}

func mapAnon(size uintptr, prot int) (*Reservation, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, unix.EINVAL
	}
	if size > uintptr(maxInt) {
		// The syscall wrapper takes an int length; a region this large
		// cannot be represented, let alone mapped.
		return nil, unix.ENOMEM
	}
	mem, err := unix.Mmap(-1, 0, int(size), prot,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, err
	}
	return &Reservation{mem: mem}, nil
}

const maxInt = int(^uint(0) >> 1)

// Base returns the address of the first byte of the reservation.
//
//go:nosplit
func (r *Reservation) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
}

// Size returns the byte length of the reservation.
//
//go:nosplit
func (r *Reservation) Size() uintptr {
	return uintptr(len(r.mem))
}

// Slice returns the [off, off+length) window of the reservation. The caller
// must only touch windows it has made accessible.
func (r *Reservation) Slice(off, length uintptr) []byte {
	return r.mem[off : off+length]
}

// ProtectReadWrite opens a read/write window. off and length must be
// page-aligned and inside the reservation.
func (r *Reservation) ProtectReadWrite(off, length uintptr) error {
	return r.protect(off, length, unix.PROT_READ|unix.PROT_WRITE)
}

// ProtectNone closes a window again, turning it into a guard range.
func (r *Reservation) ProtectNone(off, length uintptr) error {
	return r.protect(off, length, unix.PROT_NONE)
}

func (r *Reservation) protect(off, length, prot uintptr) error {
	if off%pageSize != 0 || length%pageSize != 0 {
		return unix.EINVAL
	}
	end, ok := addNoWrap(off, length)
	if !ok || end > uintptr(len(r.mem)) {
		return unix.EINVAL
	}
	if length == 0 {
		return nil
	}
	return unix.Mprotect(r.mem[off:end], int(prot))
}

func addNoWrap(a, b uintptr) (uintptr, bool) {
	sum := a + b
	return sum, sum >= a
}

// Name attaches tag to the [off, off+length) sub-range for /proc/pid/maps.
// Best effort: kernels without anonymous-VMA naming reject it and the call
// is a no-op.
func (r *Reservation) Name(off, length uintptr, tag Tag) {
	if length == 0 || len(tag.name) == 0 {
		return
	}
	end, ok := addNoWrap(off, length)
	if !ok || end > uintptr(len(r.mem)) {
		return
	}
	_ = unix.Prctl(unix.PR_SET_VMA, unix.PR_SET_VMA_ANON_NAME,
		r.Base()+off, length, uintptr(unsafe.Pointer(&tag.name[0])))
}

// Release unmaps the whole reservation. The Reservation must not be used
// afterwards. Releasing nil or an already-released reservation is a no-op
// so failure paths can unwind unconditionally.
func (r *Reservation) Release() error {
	if r == nil || r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	return unix.Munmap(mem)
}

// Mapped reports whether the page containing addr is part of any mapping in
// this process. It is the probe the leak checks use after Release: mincore
// fails with ENOMEM for unmapped ranges.
func Mapped(addr uintptr) bool {
	var vec [1]byte
	page := addr &^ (pageSize - 1)
	_, _, errno := unix.RawSyscall(unix.SYS_MINCORE, page, pageSize,
		uintptr(unsafe.Pointer(&vec[0])))
	return errno != unix.ENOMEM
}
