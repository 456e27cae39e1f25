package virtio

import "sync/atomic"

// desb tracks one in-flight zero-copy transmit chain. The transmit ring
// owns a fixed arena of these, indexed by descriptor cookie. The reference
// count carries one baseline reference taken at pop time plus one per frame
// segment handed to the network stack (the copied header segment included).
type desb struct {
	ring *Vring

	ref    atomic.Uint32
	len    uint32
	cookie uint16

	// Persistent header copy buffer, maxHdrsLen capacity.
	headers []byte
}

// acquire claims the slot for a chain. Failure means the guest reused the
// descriptor before its previous completion was posted; the caller drops
// the new chain.
func (d *desb) acquire(cookie uint16) bool {
	if !d.ref.CompareAndSwap(0, 1) {
		return false
	}
	d.cookie = cookie
	return true
}

func (d *desb) hold() {
	d.ref.Add(1)
}

// release drops one stack-held reference. When only the baseline remains,
// the slot is rearmed for reuse, the completion posted to the used ring,
// and any drain waiter woken. The slot must be reusable before the
// descriptor is returned to the guest, since the guest may resubmit it
// immediately.
func (d *desb) release() {
	if d.ref.Add(^uint32(0)) > 1 {
		return
	}

	ring := d.ring
	length := d.len
	cookie := d.cookie
	d.len = 0
	d.cookie = 0
	d.ref.Store(0)

	ring.txDone(length, cookie)

	ring.mu.Lock()
	ring.xferOutstanding--
	if ring.xferOutstanding == 0 {
		ring.cond.Broadcast()
	}
	ring.mu.Unlock()
}

// reset rearms the slot without posting a completion. Used when the frame
// was rebuilt without zero-copy references before ever reaching the stack.
func (d *desb) reset() {
	d.len = 0
	d.cookie = 0
	d.ref.Store(0)
}
