package virtio

import "context"

// worker drives one ring from Setup through Run and back to Reset. It is
// the only goroutine that moves r.state; control requests arrive through
// the state flags.
func (r *Vring) worker(ctx context.Context) {
	r.mu.Lock()

	r.runStates(ctx)

	// Cleanup. Transmit activity must be entirely concluded before the
	// arena can be torn down.
	if r.txHandles != nil {
		r.waitTxOutstanding()
	}
	r.freeRingResources()
	r.dropLease()
	r.curAvailIdx = 0
	r.state = stateReset
	r.stateFlags = 0
	r.cond.Broadcast()
	r.mu.Unlock()
}

// runStates holds mu across state transitions, releasing it only inside
// the wait primitives and the data-path loops.
func (r *Vring) runStates(ctx context.Context) {
	if r.needBail(ctx) {
		return
	}

	// Report the worker as alive and notify the activator.
	r.state = stateInit
	r.cond.Broadcast()

	for r.stateFlags == 0 {
		// Keeping lease renewals timely while parked matters; a provider
		// waiting on an expired lease is blocked on this ring.
		if r.lease.Expired() {
			if !r.renewLease() {
				return
			}
		}

		r.waitInterruptible()

		if r.needBail(ctx) {
			return
		}
	}

	if (r.stateFlags & reqStart) == 0 {
		return
	}
	r.state = stateRun
	r.stateFlags &^= reqStart

	if r.lease.Expired() && !r.renewLease() {
		return
	}

	if r.id == RXQueue {
		r.workerRx(ctx)
	} else {
		r.workerTx(ctx)
	}
}

// workerRx parks while receive callbacks deliver frames, waking only for
// lease renewal and teardown. Guest notification is suppressed for the
// duration; the interrupt decisions live on the delivery path itself.
func (r *Vring) workerRx(ctx context.Context) {
	r.orUsedFlags(usedFlagNoNotify)
	r.accepting.Store(true)

	for {
		if r.lease.Expired() {
			// Flag the renewal so incoming traffic is dropped, then run a
			// receive barrier so no callback still references the old
			// mappings. The ring lock cannot be held across the barrier.
			r.stateFlags |= flagRenew
			r.accepting.Store(false)
			r.mu.Unlock()
			r.link.client.RxBarrier()
			r.mu.Lock()

			if !r.renewLease() {
				break
			}
			r.stateFlags &^= flagRenew
			r.accepting.Store(true)
		}

		r.waitInterruptible()
		if r.needBail(ctx) {
			break
		}
	}

	r.accepting.Store(false)
	r.mu.Unlock()
	r.link.client.RxBarrier()
	r.mu.Lock()

	if r.used.IsValid() {
		r.clearUsedFlags(usedFlagNoNotify)
	}
}

// workerTx runs the transmit loop: drain available chains with guest
// notification suppressed, then re-enable notification and block for more
// work. Returns with mu held and all zero-copy transfers drained.
func (r *Vring) workerTx(ctx context.Context) {
	r.mu.Unlock()

	for {
		ntx := 0
		r.orUsedFlags(usedFlagNoNotify)
		for r.numAvail() > 0 {
			r.link.tx(r)

			// A tight loop helps throughput, but periodic breaks to check
			// for other events have value too.
			ntx++
			if ntx >= int(r.size) {
				break
			}
		}
		r.clearUsedFlags(usedFlagNoNotify)

		if ntx > 0 {
			r.log.WithField("ntx", ntx).Trace("tx batch")
		}

		// A late addition may have raced with the notify-suppression
		// toggle; look once more before blocking.
		r.mu.Lock()
		bail := r.needBail(ctx)
		renew := r.lease.Expired()
		if !bail && !renew && r.numAvail() > 0 {
			r.mu.Unlock()
			continue
		}

		if !bail && (r.link.features&FeatureNotifyOnEmpty) != 0 {
			r.mu.Unlock()
			r.interrupt()
			r.mu.Lock()
			bail = r.needBail(ctx)
			renew = r.lease.Expired()
		}

		for !bail && !renew && r.numAvail() == 0 {
			r.waitInterruptible()
			bail = r.needBail(ctx)
			renew = r.lease.Expired()
		}

		if bail {
			break
		}
		if renew {
			r.stateFlags |= flagRenew
			// Renewing the lease while frames still reference guest
			// memory would pull the mappings out from under the stack.
			r.waitTxOutstanding()

			if !r.renewLease() {
				break
			}
			r.stateFlags &^= flagRenew
		}
		r.mu.Unlock()
	}

	// mu is held on every loop exit.
	r.waitTxOutstanding()
}
