// Package vmm defines the narrow interface this backend consumes from a
// virtual machine memory provider: a Hold on the VM, revocable Leases for
// guest-physical address translation, and the bounds-checked Region type
// through which all guest memory access flows.
package vmm

import "errors"

var (
	// ErrNoLease is returned when a lease cannot be acquired, typically
	// because the VM has requested that all holds be released.
	ErrNoLease = errors.New("vmm: lease unavailable")
)

// Hold is a reference this backend keeps on a virtual machine instance. It
// outlives individual leases and is released only when the owning device is
// deleted.
type Hold interface {
	// NewLease acquires a translation lease. The expire callback fires when
	// the provider wants the lease returned; it must only wake waiters, never
	// tear anything down synchronously. Translation through an expired lease
	// keeps working until the lease is broken, so invalidation is cooperative.
	NewLease(expire func()) (Lease, error)

	// SignalMSI delivers a message-signaled interrupt to the guest.
	SignalMSI(addr, msg uint64) error

	// ReleaseRequired reports whether the VM is tearing down and wants all
	// holds returned. Control operations should fail fast when this is set.
	ReleaseRequired() bool
}

// Lease is a revocable, time-bounded grant of guest-physical to host memory
// translation.
type Lease interface {
	// Translate resolves a guest-physical range into a Region. It fails if
	// the range is outside guest memory or the lease has been broken.
	Translate(gpa uint64, length uint64) (Region, bool)

	// Expired reports whether the provider has requested the lease back.
	Expired() bool

	// Break returns the lease to the provider. Any Region previously
	// produced by Translate must no longer be used.
	Break()
}

// Region is a bounds-checked window of guest memory. The zero Region is
// invalid; usable values are only produced by Lease.Translate or by
// sub-slicing an existing Region, so every access path through it has been
// validated against guest memory bounds.
type Region struct {
	b []byte
}

// IsValid reports whether the region refers to mapped guest memory.
func (r Region) IsValid() bool { return r.b != nil }

// Len returns the region's length in bytes.
func (r Region) Len() int { return len(r.b) }

// Bytes exposes the underlying guest memory. Writes through the returned
// slice are visible to the guest. Intended for bulk copies and zero-copy
// hand-off; field access should prefer the typed accessors.
func (r Region) Bytes() []byte { return r.b }

// Slice returns the sub-region [off, off+length). ok is false if the range
// does not fit.
func (r Region) Slice(off, length int) (Region, bool) {
	if off < 0 || length < 0 || off+length > len(r.b) {
		return Region{}, false
	}
	return Region{b: r.b[off : off+length]}, true
}

// Uint16 reads a little-endian uint16 at off.
func (r Region) Uint16(off int) uint16 {
	return uint16(r.b[off]) | uint16(r.b[off+1])<<8
}

// PutUint16 writes a little-endian uint16 at off.
func (r Region) PutUint16(off int, v uint16) {
	r.b[off] = byte(v)
	r.b[off+1] = byte(v >> 8)
}

// Uint32 reads a little-endian uint32 at off.
func (r Region) Uint32(off int) uint32 {
	return uint32(r.b[off]) | uint32(r.b[off+1])<<8 |
		uint32(r.b[off+2])<<16 | uint32(r.b[off+3])<<24
}

// PutUint32 writes a little-endian uint32 at off.
func (r Region) PutUint32(off int, v uint32) {
	r.b[off] = byte(v)
	r.b[off+1] = byte(v >> 8)
	r.b[off+2] = byte(v >> 16)
	r.b[off+3] = byte(v >> 24)
}

// Uint64 reads a little-endian uint64 at off.
func (r Region) Uint64(off int) uint64 {
	return uint64(r.Uint32(off)) | uint64(r.Uint32(off+4))<<32
}

// Zero fills the region with zero bytes.
func (r Region) Zero() {
	for i := range r.b {
		r.b[i] = 0
	}
}
