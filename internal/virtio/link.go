package virtio

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tinyrange/vhostnet/internal/netsvc"
	"github.com/tinyrange/vhostnet/internal/vmm"
)

// Hook filters traffic on its way through a link. HookTx sees outbound
// frames after chain assembly; HookRx sees inbound frames before they are
// copied to the guest. Returning false drops the frame. A HookTx that keeps
// the frame but wants to mutate it must Flatten first; until then the frame
// may reference live guest memory.
type Hook interface {
	HookTx(f *netsvc.Frame) bool
	HookRx(f *netsvc.RxFrame) bool
}

// Link is one virtio network device instance: a pair of rings bound to a VM
// memory hold on one side and a network client on the other.
type Link struct {
	log    *logrus.Logger
	hold   vmm.Hold
	client netsvc.Client
	hook   Hook

	name string

	caps       netsvc.Capabilities
	featuresHW uint32

	// features is written only between reset and the first kick; the
	// workers read it freely.
	features uint32

	forceTxCopy bool

	taskCtx    context.Context
	taskCancel context.CancelFunc

	rings [numQueues]*Vring

	// Shared zero padding for VLAN-stripped receive frames. Appended to a
	// frame for the duration of one delivery, then detached.
	vlanPad []byte

	pollCh chan struct{}

	mu         sync.Mutex
	destroyed  bool
	notifyPort uint16
}

// hwFeatures derives the offload-dependent feature bits from what the
// network client can actually do.
func hwFeatures(caps netsvc.Capabilities) uint32 {
	var f uint32
	if caps.PartialCsum || caps.FullCsumV4 || caps.FullCsumV6 {
		f |= FeatureCsum
	}
	if (f&FeatureCsum) != 0 && caps.TSOv4 && caps.TSOMaxSize >= maxLSOSize {
		f |= FeatureHostTSO4
	}
	return f
}

// HostFeatures returns every feature bit this link can offer.
func (l *Link) HostFeatures() uint32 {
	return baseFeatures | l.featuresHW
}

// SetFeatures records the guest's accepted feature set, masked to what the
// host offers and with dependent bits stripped. Must only be called while
// both rings are in reset. Returns the effective set.
func (l *Link) SetFeatures(req uint32) uint32 {
	f := req & l.HostFeatures()
	if (f & FeatureCsum) == 0 {
		f &^= FeatureHostTSO4
	}
	if (f & FeatureGuestCsum) == 0 {
		f &^= FeatureGuestTSO4
	}
	l.features = f
	return f
}

// Features returns the negotiated feature set.
func (l *Link) Features() uint32 { return l.features }

func (l *Link) ring(idx int) (*Vring, error) {
	if idx < 0 || idx >= numQueues {
		return nil, ErrInvalidQueue
	}
	l.mu.Lock()
	dead := l.destroyed
	l.mu.Unlock()
	if dead {
		return nil, ErrLinkDeleted
	}
	return l.rings[idx], nil
}

// RingInit sets a ring's guest-physical address and size and brings its
// worker up. The ring must currently be reset.
func (l *Link) RingInit(idx int, addr uint64, size uint16) error {
	r, err := l.ring(idx)
	if err != nil {
		return err
	}
	return r.activate(addr, size)
}

// RingKick requests that an initialized ring start running, or pokes a
// running one to look for new work. Kicking before the worker has finished
// starting is allowed.
func (l *Link) RingKick(idx int) error {
	r, err := l.ring(idx)
	if err != nil {
		return err
	}
	return r.kick()
}

// RingReset stops a ring and waits for its worker to finish cleanup. The
// wait gives up if ctx is cancelled, though the stop request itself stands.
// Resetting a ring already in reset is a no-op.
func (l *Link) RingReset(ctx context.Context, idx int) error {
	r, err := l.ring(idx)
	if err != nil {
		return err
	}
	return r.reset(ctx)
}

// SetRingMSI configures the interrupt address and payload for one ring. An
// address of zero reverts the ring to the polled-status path.
func (l *Link) SetRingMSI(idx int, addr, msg uint64) error {
	r, err := l.ring(idx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.msiAddr = addr
	r.msiMsg = msg
	r.mu.Unlock()
	return nil
}

// InterruptStatus reports, per ring, whether a polled interrupt is pending.
func (l *Link) InterruptStatus() [numQueues]uint32 {
	var st [numQueues]uint32
	for i, r := range l.rings {
		st[i] = r.intrEnabled.Load()
	}
	return st
}

// ClearInterrupt acknowledges a polled interrupt on one ring.
func (l *Link) ClearInterrupt(idx int) error {
	r, err := l.ring(idx)
	if err != nil {
		return err
	}
	r.intrEnabled.Store(0)
	return nil
}

// InterruptWake returns the channel signalled when a polled interrupt is
// raised. Level-triggered consumers should pair it with InterruptStatus.
func (l *Link) InterruptWake() <-chan struct{} {
	return l.pollCh
}

func (l *Link) wakePoll() {
	select {
	case l.pollCh <- struct{}{}:
	default:
	}
}

// SetNotifyPort registers the I/O port whose guest writes this link treats
// as ring doorbells. Port zero disables the trap.
func (l *Link) SetNotifyPort(port uint16) {
	l.mu.Lock()
	l.notifyPort = port
	l.mu.Unlock()
}

// Notify handles a guest write to a trapped notification port. The written
// value selects the ring.
func (l *Link) Notify(port, queue uint16) error {
	l.mu.Lock()
	p := l.notifyPort
	l.mu.Unlock()
	if p == 0 || p != port {
		return fmt.Errorf("no notification trap on port %#x", port)
	}
	return l.RingKick(int(queue))
}

// close tears the link down: both rings are reset without regard for
// cancellation, delivery is detached and flushed, and the client closed.
// Idempotent.
func (l *Link) close() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	l.notifyPort = 0
	l.mu.Unlock()

	for _, r := range l.rings {
		_ = r.reset(context.Background())
	}

	// No callback may survive the client; detach and flush before closing.
	l.client.SetReceivers(nil, nil)
	l.client.RxBarrier()
	err := l.client.Close()

	l.taskCancel()
	return err
}
