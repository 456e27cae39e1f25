// Package netsvc is the boundary between the ring engine and the host
// network stack. A Client transmits guest-built frames, delivers inbound
// frames, reports hardware offload capability, and provides the receive
// barrier used to quiesce delivery during lease renewal and teardown.
package netsvc

import "errors"

var ErrClientClosed = errors.New("netsvc: client closed")

// Capabilities describes what the backing "hardware" can do. Feature
// negotiation with the guest is masked against these.
type Capabilities struct {
	// PartialCsum means the stack accepts frames carrying a (start, offset)
	// partial checksum descriptor and finishes the sum itself.
	PartialCsum bool
	// FullCsumV4/FullCsumV6 mean the stack can compute a full L4 checksum
	// for IPv4/IPv6 frames of known protocols.
	FullCsumV4 bool
	FullCsumV6 bool
	// TSOv4 means the stack accepts TCPv4 segmentation offload, up to
	// TSOMaxSize bytes per super-frame.
	TSOv4      bool
	TSOMaxSize uint32
	// DeterministicReclaim means transmitted frames are released in a timely,
	// bounded fashion. Clients that cannot promise this force the transmit
	// path into full-copy mode under the "auto" copy policy.
	DeterministicReclaim bool
}

// OffloadKind selects how the client should handle a frame's checksum.
type OffloadKind uint8

const (
	// OffloadNone: the frame's checksums are already correct.
	OffloadNone OffloadKind = iota
	// OffloadPartial: the sum over [CsumStart:] must be completed and stored
	// at CsumStart+CsumOffset. Offsets are frame-relative.
	OffloadPartial
	// OffloadFull: the client computes the full L4 checksum from protocol
	// headers; the checksum field has been zeroed.
	OffloadFull
)

// TxOffload is the checksum/segmentation work order attached to an outbound
// frame.
type TxOffload struct {
	Kind       OffloadKind
	CsumStart  uint16
	CsumOffset uint16
	// IPv4HeaderCsum requests the IPv4 header checksum be filled in; the
	// field has been zeroed. Set alongside LSO.
	IPv4HeaderCsum bool
	// LSO requests TCPv4 segmentation at MSS bytes per segment.
	LSO bool
	MSS uint16
}

// Receiver consumes a batch of inbound frames. It runs on the client's
// receive context, concurrent with the ring worker, and must not retain the
// frames after returning.
type Receiver func(frames []*RxFrame)

// Client is the host network stack as seen by a device link.
type Client interface {
	// Capabilities reports hardware offload capability. Stable for the
	// lifetime of the client.
	Capabilities() Capabilities

	// Tx consumes the frame. Every segment's release hook is invoked once
	// the stack no longer references it; segments wrapping guest memory
	// depend on this for their lease accounting.
	Tx(f *Frame) error

	// SetReceivers installs the delivery callbacks. unicast receives
	// classified traffic; multicast receives the promiscuous multicast
	// subscription (may be nil). Passing nil unicast detaches delivery.
	SetReceivers(unicast, multicast Receiver)

	// RxBarrier returns only once every receiver callback that started
	// before the call has returned. Used to quiesce the receive path.
	RxBarrier()

	Close() error
}
