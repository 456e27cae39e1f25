package vmm

import (
	"fmt"
	"sync"
)

// MSI records one message-signaled interrupt delivered through a MemoryHold.
type MSI struct {
	Addr uint64
	Msg  uint64
}

// MemoryHold is an in-process Hold backed by a plain byte slice. It is the
// reference provider used by the demo binary and the test suites; a real
// deployment supplies a Hold bridged to the hypervisor's memory subsystem.
type MemoryHold struct {
	mem []byte

	mu      sync.Mutex
	revoked bool
	leases  map[*memLease]struct{}
	msis    []MSI
}

// NewMemoryHold creates a hold over size bytes of zeroed guest memory.
func NewMemoryHold(size int) *MemoryHold {
	return &MemoryHold{
		mem:    make([]byte, size),
		leases: make(map[*memLease]struct{}),
	}
}

// Bytes exposes the raw guest memory, for use by in-process guest drivers.
func (h *MemoryHold) Bytes() []byte { return h.mem }

// NewLease implements Hold.
func (h *MemoryHold) NewLease(expire func()) (Lease, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revoked {
		return nil, ErrNoLease
	}
	l := &memLease{hold: h, expire: expire}
	h.leases[l] = struct{}{}
	return l, nil
}

// SignalMSI implements Hold, recording the interrupt for inspection.
func (h *MemoryHold) SignalMSI(addr, msg uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msis = append(h.msis, MSI{Addr: addr, Msg: msg})
	return nil
}

// ReleaseRequired implements Hold.
func (h *MemoryHold) ReleaseRequired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revoked
}

// MSIs returns the interrupts delivered so far.
func (h *MemoryHold) MSIs() []MSI {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]MSI(nil), h.msis...)
}

// ExpireLeases marks every outstanding lease expired and fires the expiry
// callbacks, mimicking the provider asking for its grants back.
func (h *MemoryHold) ExpireLeases() {
	h.mu.Lock()
	var callbacks []func()
	for l := range h.leases {
		l.setExpired()
		if l.expire != nil {
			callbacks = append(callbacks, l.expire)
		}
	}
	h.mu.Unlock()

	// Callbacks run without the hold lock, as a provider would.
	for _, cb := range callbacks {
		cb()
	}
}

// Revoke expires all leases and fails any further NewLease calls, mimicking
// VM teardown.
func (h *MemoryHold) Revoke() {
	h.mu.Lock()
	h.revoked = true
	h.mu.Unlock()
	h.ExpireLeases()
}

// LeaseCount returns the number of unbroken leases.
func (h *MemoryHold) LeaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.leases)
}

type memLease struct {
	hold   *MemoryHold
	expire func()

	mu      sync.Mutex
	expired bool
	broken  bool
}

func (l *memLease) setExpired() {
	l.mu.Lock()
	l.expired = true
	l.mu.Unlock()
}

// Translate implements Lease. Expired-but-unbroken leases keep translating;
// invalidation happens when the consumer breaks the lease.
func (l *memLease) Translate(gpa uint64, length uint64) (Region, bool) {
	l.mu.Lock()
	broken := l.broken
	l.mu.Unlock()
	if broken || length == 0 {
		return Region{}, false
	}
	end := gpa + length
	if end < gpa || end > uint64(len(l.hold.mem)) {
		return Region{}, false
	}
	return Region{b: l.hold.mem[gpa:end]}, true
}

// Expired implements Lease.
func (l *memLease) Expired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expired
}

// Break implements Lease.
func (l *memLease) Break() {
	l.mu.Lock()
	if l.broken {
		l.mu.Unlock()
		return
	}
	l.broken = true
	l.mu.Unlock()

	l.hold.mu.Lock()
	delete(l.hold.leases, l)
	l.hold.mu.Unlock()
}

var _ Hold = (*MemoryHold)(nil)

func (l *memLease) String() string {
	return fmt.Sprintf("memLease(expired=%t)", l.Expired())
}
