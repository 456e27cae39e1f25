// Package virtio implements the host side of a legacy virtio-net device:
// the per-queue state machine, descriptor-chain walking over guest memory,
// the zero-copy transmit and merged/plain receive data paths, and guest
// notification coalescing. Guest memory is reached only through revocable
// leases (package vmm); frames move to and from the host network stack
// through a netsvc.Client.
package virtio

import (
	"errors"

	"github.com/tinyrange/vhostnet/internal/vmm"
)

// Queue indexes within a link.
const (
	RXQueue = 0
	TXQueue = 1

	numQueues = 2
)

// Split-virtqueue binary layout (VIRTIO 1.0, section 2.4).
const (
	descSize      = 16
	usedEntrySize = 8

	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2

	availFlagNoInterrupt = 1
	usedFlagNoNotify     = 1

	vringAlign  = 4096
	maxRingSize = 32768

	// maxSegs caps the segments resolved from one chain on the receive
	// path, and the buffers offered for one merged frame.
	maxSegs = 32
)

// Device header (virtio_net_hdr) layout and flags.
const (
	hdrSize    = 10
	mrgHdrSize = 12

	hdrOffFlags      = 0
	hdrOffGSOType    = 1
	hdrOffHdrLen     = 2
	hdrOffGSOSize    = 4
	hdrOffCsumStart  = 6
	hdrOffCsumOffset = 8
	hdrOffNumBuffers = 10

	hdrFlagNeedsCsum = 1 << 0
	hdrFlagDataValid = 1 << 1

	gsoNone  = 0
	gsoTCPv4 = 1
)

// Feature bits (VIRTIO 1.0, section 5.1.3).
const (
	FeatureCsum          = uint32(1) << 0
	FeatureGuestCsum     = uint32(1) << 1
	FeatureMAC           = uint32(1) << 5
	FeatureGuestTSO4     = uint32(1) << 7
	FeatureHostTSO4      = uint32(1) << 11
	FeatureMrgRxBuf      = uint32(1) << 15
	FeatureStatus        = uint32(1) << 16
	FeatureNotifyOnEmpty = uint32(1) << 24
	FeatureIndirectDesc  = uint32(1) << 28
	FeatureEventIdx      = uint32(1) << 29
)

// baseFeatures are offered regardless of network client capability; the
// checksum and segmentation bits are added per client. Event-index is
// declared but its suppression semantics are not enforced here.
const baseFeatures = FeatureGuestCsum |
	FeatureMAC |
	FeatureGuestTSO4 |
	FeatureMrgRxBuf |
	FeatureStatus |
	FeatureNotifyOnEmpty |
	FeatureIndirectDesc

const (
	// Minimum ethernet frame length, FCS excluded.
	minFrameSize = 60
	vlanTagSize  = 4

	// A frame this size has had its VLAN tag stripped in transit and is
	// padded with the shared pad fragment.
	needVLANPadSize = minFrameSize - vlanTagSize

	// maxHdrsLen covers an ethernet header with one VLAN tag plus maximal
	// IP and TCP headers. At least this much of every transmitted chain is
	// copied out of guest memory before any validation.
	maxHdrsLen = 18 + 60 + 60

	maxLSOSize = 65535
)

var (
	ErrInvalidQueue    = errors.New("virtio: invalid queue index")
	ErrInvalidRingSize = errors.New("virtio: ring size must be a power of two within bounds")
	ErrBadRingAddr     = errors.New("virtio: ring address not mapped in guest memory")
	ErrRingBusy        = errors.New("virtio: ring not in reset state")
	ErrRingClosed      = errors.New("virtio: ring not active")
	ErrLinkDeleted     = errors.New("virtio: link deleted")
)

// desc is one descriptor, copied out of the guest table. Validation always
// runs against such a copy, never against live guest memory that could be
// rewritten mid-check.
type desc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func descAt(tbl vmm.Region, i uint16) desc {
	off := int(i) * descSize
	return desc{
		addr:  tbl.Uint64(off),
		len:   tbl.Uint32(off + 8),
		flags: tbl.Uint16(off + 12),
		next:  tbl.Uint16(off + 14),
	}
}

// netHdr is the device header read from the head of a transmit chain.
type netHdr struct {
	flags      uint8
	gsoType    uint8
	hdrLen     uint16
	gsoSize    uint16
	csumStart  uint16
	csumOffset uint16
}

func parseNetHdr(r vmm.Region) netHdr {
	b := r.Bytes()
	return netHdr{
		flags:      b[hdrOffFlags],
		gsoType:    b[hdrOffGSOType],
		hdrLen:     r.Uint16(hdrOffHdrLen),
		gsoSize:    r.Uint16(hdrOffGSOSize),
		csumStart:  r.Uint16(hdrOffCsumStart),
		csumOffset: r.Uint16(hdrOffCsumOffset),
	}
}

type usedElem struct {
	id  uint16
	len uint32
}
