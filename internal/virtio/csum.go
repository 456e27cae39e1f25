package virtio

import (
	"encoding/binary"

	"github.com/tinyrange/vhostnet/internal/netsvc"
)

const (
	ethHdrLen     = 14
	ethVLANHdrLen = 18

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
	etherTypeVLAN = 0x8100

	protoTCP = 6
	protoUDP = 17
)

// txOffload validates the guest's checksum work request against the copied
// headers and translates it into the network client's offload descriptor.
// frameLen is the frame length excluding the device header; headers is the
// copied header span, which is the only guest data safe to inspect. Returns
// false when the request is out of bounds or no client capability matches;
// the frame must then be dropped rather than sent with a bad checksum.
func (l *Link) txOffload(r *Vring, hdr netHdr, headers []byte, frameLen uint32) (netsvc.TxOffload, bool) {
	ethLen := uint32(ethHdrLen)
	csumStart := uint32(hdr.csumStart)
	csumStuff := csumStart + uint32(hdr.csumOffset)

	// The start must land inside the frame past the ethernet header, and
	// the checksum field itself inside the copied header span.
	if csumStart >= frameLen || csumStart < ethLen || csumStuff >= frameLen ||
		csumStuff+2 > uint32(len(headers)) {
		r.stats.failHcksum.Inc(1)
		r.log.WithField("start", csumStart).WithField("stuff", csumStuff).
			Debug("checksum offsets out of bounds")
		return netsvc.TxOffload{}, false
	}

	ftype := binary.BigEndian.Uint16(headers[12:14])
	if ftype == etherTypeVLAN {
		// Punt on QinQ for now.
		if len(headers) < ethVLANHdrLen {
			r.stats.failHcksum.Inc(1)
			return netsvc.TxOffload{}, false
		}
		ethLen = ethVLANHdrLen
		ftype = binary.BigEndian.Uint16(headers[16:18])
	}

	var ipproto uint8
	switch ftype {
	case etherTypeIPv4:
		if uint32(len(headers)) < ethLen+20 {
			r.stats.failHcksumProto.Inc(1)
			return netsvc.TxOffload{}, false
		}
		ipproto = headers[ethLen+9]
	case etherTypeIPv6:
		if uint32(len(headers)) < ethLen+40 {
			r.stats.failHcksumProto.Inc(1)
			return netsvc.TxOffload{}, false
		}
		ipproto = headers[ethLen+6]
	}

	var o netsvc.TxOffload

	// The guest's declared header length is deliberately ignored; it
	// cannot be trusted, and the stack finds its own header boundaries.
	if l.caps.PartialCsum && (hdr.gsoType&gsoTCPv4) != 0 && ftype == etherTypeIPv4 {
		ihl := uint32(headers[ethLen]&0x0f) * 4
		tcpCsumOff := ethLen + ihl + 16
		if tcpCsumOff+2 > uint32(len(headers)) {
			r.stats.failHcksum.Inc(1)
			return netsvc.TxOffload{}, false
		}

		// Guest stacks disagree on whether the seeded pseudo-header sum
		// includes the L4 length. Segmentation needs it absent, so assume
		// the seed is bogus and rebuild it from the addresses alone.
		src := binary.BigEndian.Uint32(headers[ethLen+12:])
		dst := binary.BigEndian.Uint32(headers[ethLen+16:])
		sum := uint32(protoTCP)
		sum += src>>16 + src&0xffff + dst>>16 + dst&0xffff
		sum = sum&0xffff + sum>>16
		sum = sum&0xffff + sum>>16
		binary.BigEndian.PutUint16(headers[tcpCsumOff:], uint16(sum))

		o.LSO = true
		o.MSS = hdr.gsoSize

		// Segmenting hardware expects to fill the IPv4 header checksum as
		// well, with the field zeroed beforehand.
		o.IPv4HeaderCsum = true
		headers[ethLen+10] = 0
		headers[ethLen+11] = 0
	}

	// Partial checksum support maps most directly onto the device header's
	// start/offset request.
	if l.caps.PartialCsum && (ipproto == protoTCP || ipproto == protoUDP) {
		o.Kind = netsvc.OffloadPartial
		o.CsumStart = uint16(csumStart)
		o.CsumOffset = hdr.csumOffset
		return o, true
	}

	// Without partial support, fall back to a full checksum computed from
	// the protocol headers, if the client can do that for this protocol.
	switch ftype {
	case etherTypeIPv4:
		if l.caps.FullCsumV4 && (ipproto == protoTCP || ipproto == protoUDP) {
			headers[csumStuff] = 0
			headers[csumStuff+1] = 0
			o.Kind = netsvc.OffloadFull
			return o, true
		}
		r.stats.failHcksum.Inc(1)
		r.log.Debug("no client capability for requested IPv4 checksum")
	case etherTypeIPv6:
		if l.caps.FullCsumV6 && (ipproto == protoTCP || ipproto == protoUDP) {
			headers[csumStuff] = 0
			headers[csumStuff+1] = 0
			o.Kind = netsvc.OffloadFull
			return o, true
		}
		r.stats.failHcksum6.Inc(1)
		r.log.Debug("no client capability for requested IPv6 checksum")
	default:
		r.stats.failHcksumProto.Inc(1)
		r.log.WithField("ethertype", ftype).Debug("checksum request for unrecognized protocol")
	}
	return netsvc.TxOffload{}, false
}
