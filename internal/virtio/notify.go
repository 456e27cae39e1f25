package virtio

// txDone posts a transmit completion and notifies the guest unless it asked
// for interrupt suppression.
func (r *Vring) txDone(length uint32, cookie uint16) {
	r.pushChain(length, cookie)

	if (r.availFlags() & availFlagNoInterrupt) == 0 {
		r.interrupt()
	}
}

// interrupt notifies the guest of used-ring progress. With MSI configured
// the interrupt is delivered directly through the VM hold; otherwise the
// pending-interrupt flag is raised and the poll waiter woken.
func (r *Vring) interrupt() {
	r.mu.Lock()
	addr, msg := r.msiAddr, r.msiMsg
	r.mu.Unlock()

	if addr != 0 {
		if err := r.link.hold.SignalMSI(addr, msg); err != nil {
			r.log.WithError(err).Debug("MSI delivery failed")
		}
		return
	}

	if r.intrEnabled.CompareAndSwap(0, 1) {
		r.link.wakePoll()
	}
}
