package virtio

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tinyrange/vhostnet/internal/vmm"
)

// Ring lifecycle. Only the ring's own worker moves the state; everyone else
// requests a transition through the state flags and waits.
type ringState uint8

const (
	stateReset ringState = iota // just allocated or reset
	stateSetup                  // geometry set, worker starting
	stateInit                   // worker alive, waiting to run
	stateRun                    // running work routine
)

const (
	reqStart  uint8 = 1 << 0 // start running from Init
	reqStop   uint8 = 1 << 1 // stop, clean up, return to Reset
	flagRenew uint8 = 1 << 2 // ring is renewing its lease
)

// Vring is one queue of a link: the mapped ring windows, the consumer
// index, the worker coordination state, and the transmit zero-copy arena.
type Vring struct {
	link *Link
	id   int

	mu   sync.Mutex
	cond *sync.Cond

	state      ringState
	stateFlags uint8

	// accepting is read by receive callbacks without taking mu. Set while
	// the ring is in Run with a healthy lease.
	accepting atomic.Bool

	lease vmm.Lease

	// Count of transmit chains whose guest memory the network stack still
	// references. Must reach zero before the lease may be dropped.
	xferOutstanding uint32

	// Ring-sized transmit resources, allocated at activation.
	txHandles []desb
	txScratch []vmm.Region

	intrEnabled atomic.Uint32
	msiAddr     uint64
	msiMsg      uint64

	// The available side is consumed under aMu, the used side produced
	// under uMu. They are distinct because receive delivery posts
	// completions from network-stack callback contexts while the worker
	// owns consumption.
	aMu sync.Mutex
	uMu sync.Mutex

	pa         uint64
	size       uint16
	mask       uint16
	curAvailIdx uint16

	descTable vmm.Region
	avail     vmm.Region
	used      vmm.Region

	stats *ringStats
	log   *logrus.Entry
}

func newVring(link *Link, id int, stats *ringStats) *Vring {
	r := &Vring{
		link:  link,
		id:    id,
		stats: stats,
		log:   link.log.WithField("ring", ringName(id)),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func ringName(id int) string {
	if id == RXQueue {
		return "rx"
	}
	return "tx"
}

// waitInterruptible parks on the ring condvar. The worker's task context is
// wired to broadcast on cancellation, so callers must re-check both their
// condition and needBail on return.
func (r *Vring) waitInterruptible() {
	r.cond.Wait()
}

// waitUninterruptible parks without regard for cancellation. Reserved for
// drains that must run to completion: guest memory cannot be unmapped while
// the network stack still holds references into it.
func (r *Vring) waitUninterruptible() {
	r.cond.Wait()
}

func (r *Vring) needBail(ctx context.Context) bool {
	return (r.stateFlags&reqStop) != 0 || ctx.Err() != nil
}

// renewLease drops the current lease (if any) and signs a new one, mapping
// the ring windows again when geometry is already known. Returns false when
// the lease provider refuses, which is fatal to this ring only.
func (r *Vring) renewLease() bool {
	r.dropLease()

	lease, err := r.link.hold.NewLease(r.leaseExpired)
	if err != nil {
		r.log.WithError(err).Warn("lease renewal refused")
		return false
	}
	r.lease = lease

	if r.pa != 0 && r.size != 0 {
		if !r.mapRing() {
			r.dropLease()
			return false
		}
	}
	return true
}

// leaseExpired is the provider's expiry callback. It only wakes waiters;
// invalidation happens when the ring itself drops or renews the lease.
func (r *Vring) leaseExpired() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Vring) dropLease() {
	if r.lease == nil {
		return
	}
	// Without an active lease the ring windows are meaningless.
	r.unmapRing()
	r.lease.Break()
	r.lease = nil
}

// mapRing resolves the three ring windows laid out contiguously at the
// guest-supplied address: descriptor table, available side, then the used
// side aligned up to vringAlign.
func (r *Vring) mapRing() bool {
	pos := r.pa
	qsz := uint64(r.size)

	descSz := qsz * descSize
	tbl, ok := r.lease.Translate(pos, descSz)
	if !ok {
		return false
	}
	pos += descSz

	availSz := (qsz + 3) * 2
	avail, ok := r.lease.Translate(pos, availSz)
	if !ok {
		return false
	}
	pos += availSz

	pos = (pos + vringAlign - 1) &^ uint64(vringAlign-1)
	usedSz := qsz*usedEntrySize + 3*2
	used, ok := r.lease.Translate(pos, usedSz)
	if !ok {
		return false
	}

	r.descTable, r.avail, r.used = tbl, avail, used
	return true
}

func (r *Vring) unmapRing() {
	r.descTable = vmm.Region{}
	r.avail = vmm.Region{}
	r.used = vmm.Region{}
}

// Mapped guest field accessors. Valid only while a lease is held and the
// geometry mapped.

func (r *Vring) availFlags() uint16 { return r.avail.Uint16(0) }
func (r *Vring) availIdx() uint16   { return r.avail.Uint16(2) }
func (r *Vring) availEntry(idx uint16) uint16 {
	return r.avail.Uint16(4 + int(idx&r.mask)*2)
}

func (r *Vring) usedIdx() uint16       { return r.used.Uint16(2) }
func (r *Vring) setUsedIdx(idx uint16) { r.used.PutUint16(2, idx) }

func (r *Vring) putUsedEntry(slot uint16, id, length uint32) {
	off := 4 + int(slot&r.mask)*usedEntrySize
	r.used.PutUint32(off, id)
	r.used.PutUint32(off+4, length)
}

func (r *Vring) orUsedFlags(mask uint16) {
	r.used.PutUint16(0, r.used.Uint16(0)|mask)
}

func (r *Vring) clearUsedFlags(mask uint16) {
	r.used.PutUint16(0, r.used.Uint16(0)&^mask)
}

// numAvail returns the pending descriptor count as the 16-bit modular
// difference between the guest's published index and our consumer index. A
// guest publishing an impossible count still yields a positive number here;
// popChain charges that to the ndesc_too_high counter and carries on.
func (r *Vring) numAvail() uint16 {
	return r.availIdx() - r.curAvailIdx
}

// activate validates geometry, signs a lease, maps the ring, allocates
// ring-depth resources, and starts the worker. The ring must be in Reset.
func (r *Vring) activate(pa uint64, size uint16) error {
	if size == 0 || size > maxRingSize || size&(size-1) != 0 {
		return ErrInvalidRingSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateReset {
		return ErrRingBusy
	}

	r.lease = nil
	if !r.renewLease() {
		return vmm.ErrNoLease
	}

	r.size = size
	r.mask = size - 1
	r.pa = pa
	if !r.mapRing() {
		r.dropLease()
		r.size, r.mask, r.pa = 0, 0, 0
		return ErrBadRingAddr
	}

	r.curAvailIdx = 0

	if r.id == TXQueue {
		if !r.link.forceTxCopy {
			handles := make([]desb, size)
			for i := range handles {
				handles[i].ring = r
				handles[i].headers = make([]byte, maxHdrsLen)
			}
			r.txHandles = handles
		}
		r.txScratch = make([]vmm.Region, size)
	}

	r.msiAddr = 0
	r.msiMsg = 0
	r.stats.clear()

	r.startWorker()
	r.state = stateSetup
	r.cond.Broadcast()
	return nil
}

// kick requests a transition to Run, or simply wakes the worker when
// already running. An early kick against a ring still in Setup is fine; the
// worker will pick up the start request as soon as it is alive.
func (r *Vring) kick() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateSetup, stateInit:
		r.stateFlags |= reqStart
		r.cond.Broadcast()
		return nil
	case stateRun:
		r.cond.Broadcast()
		return nil
	default:
		return ErrRingClosed
	}
}

// reset requests a stop and waits for the worker to reach Reset. With a
// cancellable ctx the wait gives up on cancellation; teardown passes an
// uncancellable context so the reset always runs to completion. Idempotent.
func (r *Vring) reset(ctx context.Context) error {
	r.mu.Lock()
	if r.state == stateReset {
		r.mu.Unlock()
		return nil
	}

	if (r.stateFlags & reqStop) == 0 {
		r.stateFlags |= reqStop
		r.cond.Broadcast()
	}

	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	for r.state != stateReset {
		r.waitInterruptible()
		if ctx.Err() != nil && r.state != stateReset {
			r.mu.Unlock()
			return ctx.Err()
		}
	}
	r.dropLease()
	r.mu.Unlock()
	return nil
}

func (r *Vring) startWorker() {
	ctx, cancel := context.WithCancel(r.link.taskCtx)
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	go func() {
		defer cancel()
		defer stop()
		r.worker(ctx)
	}()
}

// freeRingResources drops the ring-depth allocations made at activation.
func (r *Vring) freeRingResources() {
	r.txHandles = nil
	r.txScratch = nil
}

// waitTxOutstanding blocks until no transmitted chain still references
// guest memory. Called with mu held. Deliberately deaf to cancellation.
func (r *Vring) waitTxOutstanding() {
	for r.xferOutstanding != 0 {
		r.waitUninterruptible()
	}
}
