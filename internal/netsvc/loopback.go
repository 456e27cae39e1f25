package netsvc

import "sync"

// TxRecord captures one transmitted frame for inspection.
type TxRecord struct {
	Data    []byte
	Offload TxOffload
}

// Loopback is an in-process Client. It records transmitted frames and lets
// callers inject inbound ones; with Echo set it reflects every transmitted
// frame straight back to the receiver. Used by the demo binary and tests.
type Loopback struct {
	caps Capabilities

	// Echo reflects transmitted frames back as received ones.
	Echo bool

	// HoldReleases defers segment release until Reclaim is called, modeling
	// a stack that sits on transmitted buffers.
	HoldReleases bool

	barrier sync.RWMutex // receiver callbacks hold the read side

	mu        sync.Mutex
	closed    bool
	unicast   Receiver
	multicast Receiver
	sent      []TxRecord
	pending   []*Frame
}

// NewLoopback returns a loopback client advertising caps.
func NewLoopback(caps Capabilities) *Loopback {
	return &Loopback{caps: caps}
}

// Capabilities implements Client.
func (lb *Loopback) Capabilities() Capabilities { return lb.caps }

// Tx implements Client.
func (lb *Loopback) Tx(f *Frame) error {
	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		f.Release()
		return ErrClientClosed
	}
	rec := TxRecord{Data: f.Bytes(), Offload: f.Offload()}
	lb.sent = append(lb.sent, rec)
	if lb.HoldReleases {
		lb.pending = append(lb.pending, f)
		lb.mu.Unlock()
	} else {
		lb.mu.Unlock()
		f.Release()
	}

	if lb.Echo {
		lb.Inject(&RxFrame{Segs: [][]byte{rec.Data}, CsumOK: true})
	}
	return nil
}

// SetReceivers implements Client.
func (lb *Loopback) SetReceivers(unicast, multicast Receiver) {
	lb.mu.Lock()
	lb.unicast = unicast
	lb.multicast = multicast
	lb.mu.Unlock()
}

// RxBarrier implements Client.
func (lb *Loopback) RxBarrier() {
	// Taking and dropping the write side flushes out every receiver callback
	// that started before the call.
	lb.barrier.Lock()
	lb.barrier.Unlock() //nolint:staticcheck
}

// Close implements Client.
func (lb *Loopback) Close() error {
	lb.mu.Lock()
	lb.closed = true
	lb.unicast = nil
	lb.multicast = nil
	pending := lb.pending
	lb.pending = nil
	lb.mu.Unlock()
	for _, f := range pending {
		f.Release()
	}
	return nil
}

// Inject delivers frames to the unicast receiver, as classified traffic
// would arrive.
func (lb *Loopback) Inject(frames ...*RxFrame) {
	lb.deliver(false, frames)
}

// InjectMulticast delivers frames to the multicast subscription.
func (lb *Loopback) InjectMulticast(frames ...*RxFrame) {
	lb.deliver(true, frames)
}

func (lb *Loopback) deliver(mcast bool, frames []*RxFrame) {
	lb.barrier.RLock()
	defer lb.barrier.RUnlock()

	lb.mu.Lock()
	recv := lb.unicast
	if mcast {
		recv = lb.multicast
	}
	lb.mu.Unlock()
	if recv != nil {
		recv(frames)
	}
}

// Sent returns the frames transmitted so far.
func (lb *Loopback) Sent() []TxRecord {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]TxRecord(nil), lb.sent...)
}

// SentCount returns the number of transmitted frames.
func (lb *Loopback) SentCount() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.sent)
}

// Reclaim releases every frame held back by HoldReleases, modeling the stack
// finishing with its transmit buffers.
func (lb *Loopback) Reclaim() {
	lb.mu.Lock()
	pending := lb.pending
	lb.pending = nil
	lb.mu.Unlock()
	for _, f := range pending {
		f.Release()
	}
}

var _ Client = (*Loopback)(nil)
