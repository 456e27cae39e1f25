package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vhostnet/internal/netsvc"
)

// txHdr builds a device header requesting checksum work.
func txHdr(flags, gsoType byte, gsoSize, csumStart, csumOffset uint16) []byte {
	h := make([]byte, hdrSize)
	h[hdrOffFlags] = flags
	h[hdrOffGSOType] = gsoType
	binary.LittleEndian.PutUint16(h[hdrOffGSOSize:], gsoSize)
	binary.LittleEndian.PutUint16(h[hdrOffCsumStart:], csumStart)
	binary.LittleEndian.PutUint16(h[hdrOffCsumOffset:], csumOffset)
	return h
}

// ipv4Frame hand-builds an ethernet+IPv4 skeleton carrying proto.
func ipv4Frame(proto byte, n int) []byte {
	f := make([]byte, n)
	binary.BigEndian.PutUint16(f[12:14], etherTypeIPv4)
	f[14] = 0x45
	f[22] = 64
	f[23] = proto
	copy(f[26:30], []byte{10, 0, 0, 1})
	copy(f[30:34], []byte{10, 0, 0, 2})
	return f
}

func ipv6Frame(proto byte, n int) []byte {
	f := make([]byte, n)
	binary.BigEndian.PutUint16(f[12:14], etherTypeIPv6)
	f[14] = 0x60
	f[20] = proto // next header
	return f
}

func TestTxChecksumPartial(t *testing.T) {
	e := newTestEnv(t, fullOffloadCaps())
	e.start(e.link.HostFeatures())

	frame := ipv4Frame(protoUDP, 80)
	e.postTxFrame(txHdr(hdrFlagNeedsCsum, 0, 0, 34, 6), frame)
	e.waitUsedIdx(e.txq, 1)

	sent := e.lb.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, netsvc.OffloadPartial, sent[0].Offload.Kind)
	assert.Equal(t, uint16(34), sent[0].Offload.CsumStart)
	assert.Equal(t, uint16(6), sent[0].Offload.CsumOffset)
	assert.False(t, sent[0].Offload.LSO)
}

func TestTxChecksumFull(t *testing.T) {
	caps := netsvc.Capabilities{FullCsumV4: true, DeterministicReclaim: true}
	e := newTestEnv(t, caps)
	e.start(e.link.HostFeatures())

	frame := ipv4Frame(protoTCP, 80)
	// Pre-fill the checksum field; the full path must zero it before
	// handing the frame to the stack.
	binary.BigEndian.PutUint16(frame[50:52], 0xdead)
	e.postTxFrame(txHdr(hdrFlagNeedsCsum, 0, 0, 34, 16), frame)
	e.waitUsedIdx(e.txq, 1)

	sent := e.lb.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, netsvc.OffloadFull, sent[0].Offload.Kind)
	assert.Zero(t, binary.BigEndian.Uint16(sent[0].Data[50:52]))
}

func TestTxChecksumBadOffsets(t *testing.T) {
	e := newTestEnv(t, fullOffloadCaps())
	e.start(e.link.HostFeatures())

	// Start beyond the frame.
	e.postTxFrame(txHdr(hdrFlagNeedsCsum, 0, 0, 500, 6), ipv4Frame(protoUDP, 80))
	e.waitUsedIdx(e.txq, 1)

	r := e.link.rings[TXQueue]
	assert.Equal(t, 0, e.lb.SentCount())
	assert.Equal(t, int64(1), r.stats.failHcksum.Count())
	assert.Equal(t, int64(1), r.stats.txDrop.Count())

	// Start inside the ethernet header.
	e.postTxFrame(txHdr(hdrFlagNeedsCsum, 0, 0, 8, 6), ipv4Frame(protoUDP, 80))
	e.waitUsedIdx(e.txq, 2)
	assert.Equal(t, int64(2), r.stats.failHcksum.Count())
}

func TestTxChecksumUnknownProtocol(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{FullCsumV4: true, DeterministicReclaim: true})
	e.start(e.link.HostFeatures())

	frame := make([]byte, 80)
	binary.BigEndian.PutUint16(frame[12:14], 0x1234)
	e.postTxFrame(txHdr(hdrFlagNeedsCsum, 0, 0, 34, 6), frame)
	e.waitUsedIdx(e.txq, 1)

	r := e.link.rings[TXQueue]
	assert.Equal(t, 0, e.lb.SentCount())
	assert.Equal(t, int64(1), r.stats.failHcksumProto.Count())
}

func TestTxChecksumIPv6Unsupported(t *testing.T) {
	// IPv4-only full checksum support cannot serve an IPv6 request.
	e := newTestEnv(t, netsvc.Capabilities{FullCsumV4: true, DeterministicReclaim: true})
	e.start(e.link.HostFeatures())

	e.postTxFrame(txHdr(hdrFlagNeedsCsum, 0, 0, 54, 16), ipv6Frame(protoTCP, 100))
	e.waitUsedIdx(e.txq, 1)

	r := e.link.rings[TXQueue]
	assert.Equal(t, 0, e.lb.SentCount())
	assert.Equal(t, int64(1), r.stats.failHcksum6.Count())
}

func TestTxChecksumNotRequested(t *testing.T) {
	e := newTestEnv(t, fullOffloadCaps())
	e.start(e.link.HostFeatures())

	// Without the needs-checksum flag the frame passes through untouched.
	e.postTxFrame(nil, ipv4Frame(protoUDP, 80))
	e.waitUsedIdx(e.txq, 1)

	sent := e.lb.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, netsvc.OffloadNone, sent[0].Offload.Kind)
}

func TestTxLSO(t *testing.T) {
	e := newTestEnv(t, fullOffloadCaps())
	e.start(e.link.HostFeatures())
	require.NotZero(t, e.link.Features()&FeatureHostTSO4)

	frame := ipv4Frame(protoTCP, 120)
	// Poison the fields the LSO path must rewrite.
	binary.BigEndian.PutUint16(frame[24:26], 0xbeef) // IP header checksum
	binary.BigEndian.PutUint16(frame[50:52], 0xcafe) // TCP checksum seed

	e.postTxFrame(txHdr(hdrFlagNeedsCsum, gsoTCPv4, 1000, 34, 16), frame)
	e.waitUsedIdx(e.txq, 1)

	sent := e.lb.Sent()
	require.Len(t, sent, 1)
	o := sent[0].Offload
	assert.True(t, o.LSO)
	assert.Equal(t, uint16(1000), o.MSS)
	assert.True(t, o.IPv4HeaderCsum)
	assert.Equal(t, netsvc.OffloadPartial, o.Kind)

	data := sent[0].Data
	assert.Zero(t, binary.BigEndian.Uint16(data[24:26]), "IP checksum zeroed for rewrite")

	// The TCP checksum seed is rebuilt as the pseudo-header sum without
	// the L4 length: protocol 6 plus the folded address halves.
	want := uint32(6)
	for _, off := range []int{26, 28, 30, 32} {
		want += uint32(binary.BigEndian.Uint16(data[off : off+2]))
	}
	want = want&0xffff + want>>16
	want = want&0xffff + want>>16
	assert.Equal(t, uint16(want), binary.BigEndian.Uint16(data[50:52]))
}
