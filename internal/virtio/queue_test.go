package virtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vhostnet/internal/netsvc"
	"github.com/tinyrange/vhostnet/internal/vmm"
)

// popEnv activates the transmit ring but never kicks it, leaving the worker
// parked so the walker can be exercised directly.
func popEnv(t *testing.T) (*testEnv, *Vring) {
	t.Helper()
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	require.NoError(t, e.link.RingInit(TXQueue, e.txq.RingAddr(), e.txq.Size()))
	e.waitState(TXQueue, stateInit)
	return e, e.link.rings[TXQueue]
}

func collect(iov []vmm.Region, n int) []byte {
	var out []byte
	for _, r := range iov[:n] {
		out = append(out, r.Bytes()...)
	}
	return out
}

func TestPopChainEmpty(t *testing.T) {
	_, r := popEnv(t)
	var iov [maxSegs]vmm.Region
	n, _ := r.popChain(iov[:])
	assert.Equal(t, 0, n)
}

func TestPopChainRoundTrip(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	// Chains of every length up to the ring depth round-trip with their
	// cookie intact and advance the consumer by one each.
	for nseg := 1; nseg <= testQueueSize; nseg++ {
		bufs := make([][]byte, nseg)
		for i := range bufs {
			bufs[i] = []byte{byte(nseg), byte(i)}
		}
		head, err := e.txq.PostOut(bufs...)
		require.NoError(t, err)

		n, cookie := r.popChain(iov[:])
		require.Equal(t, nseg, n, "chain %d", nseg)
		assert.Equal(t, head, cookie)

		got := collect(iov[:], n)
		require.Len(t, got, nseg*2)
		assert.Equal(t, byte(nseg), got[0])

		r.pushChain(uint32(len(got)), cookie)
		e.txq.Recycle()
	}
	assert.Equal(t, uint16(testQueueSize), r.curAvailIdx)
	assert.Equal(t, uint16(testQueueSize), e.txq.UsedIdx())

	used := e.txq.Used()
	require.Len(t, used, testQueueSize)
}

func TestPopChainIndirect(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	_, err := e.txq.PostIndirect([]byte{1, 2, 3}, []byte{4, 5}, []byte{6})
	require.NoError(t, err)

	n, _ := r.popChain(iov[:])
	require.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, collect(iov[:], n))
}

// rewriteValid points the descriptor at a small valid buffer so the chain at
// the same available slot pops cleanly.
func rewriteValid(e *testEnv, d uint16) {
	e.txq.WriteDescRaw(d, 0x200000, 16, 0, 0)
}

func TestPopChainBadHeadIndex(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	e.txq.PushAvailRaw(99)
	n, _ := r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), r.stats.badIdx.Count())

	// The consumer index did not move, so the walker re-reads the same
	// available slot. Once the guest patches that slot to a valid head,
	// the pop succeeds.
	rewriteValid(e, 0)
	availOff := uint64(0x10000) + uint64(testQueueSize)*descSize
	e.hold.Bytes()[availOff+4] = 0
	e.hold.Bytes()[availOff+5] = 0

	n, cookie := r.popChain(iov[:])
	require.Equal(t, 1, n)
	assert.Equal(t, uint16(0), cookie)
}

func TestPopChainZeroLengthDescriptor(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	e.txq.WriteDescRaw(0, 0x200000, 0, 0, 0)
	e.txq.PushAvailRaw(0)

	n, _ := r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), r.stats.descBadLen.Count())

	// Same slot, fixed descriptor: the walker recovers fully.
	rewriteValid(e, 0)
	n, cookie := r.popChain(iov[:])
	require.Equal(t, 1, n)
	assert.Equal(t, uint16(0), cookie)
}

func TestPopChainBadAddress(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	e.txq.WriteDescRaw(0, 1<<40, 64, 0, 0)
	e.txq.PushAvailRaw(0)

	n, _ := r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), r.stats.badRingAddr.Count())

	rewriteValid(e, 0)
	n, _ = r.popChain(iov[:])
	assert.Equal(t, 1, n)
}

func TestPopChainBadNextIndex(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	e.txq.WriteDescRaw(0, 0x200000, 16, descFlagNext, 99)
	e.txq.PushAvailRaw(0)

	n, _ := r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), r.stats.badIdx.Count())

	rewriteValid(e, 0)
	n, _ = r.popChain(iov[:])
	assert.Equal(t, 1, n)
}

func TestPopChainIndirectBadLength(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	// Table length not a multiple of the descriptor entry size.
	e.txq.WriteDescRaw(0, 0x200000, 24, descFlagIndirect, 0)
	e.txq.PushAvailRaw(0)
	n, _ := r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), r.stats.indirBadLen.Count())

	// Empty table.
	e.txq.WriteDescRaw(0, 0x200000, 0, descFlagIndirect, 0)
	n, _ = r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(2), r.stats.indirBadLen.Count())

	rewriteValid(e, 0)
	n, _ = r.popChain(iov[:])
	assert.Equal(t, 1, n)
}

func TestPopChainNestedIndirect(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	// An indirect table whose entry is itself flagged indirect.
	mem := e.hold.Bytes()
	tbl := uint64(0x300000)
	putDesc(mem, tbl, 0x200000, 16, descFlagIndirect, 0)
	e.txq.WriteDescRaw(0, tbl, descSize, descFlagIndirect, 0)
	e.txq.PushAvailRaw(0)

	n, _ := r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), r.stats.indirBadNest.Count())

	rewriteValid(e, 0)
	n, _ = r.popChain(iov[:])
	assert.Equal(t, 1, n)
}

func TestPopChainIndirectBadNext(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	// A two-entry table whose first entry links to entry 5.
	mem := e.hold.Bytes()
	tbl := uint64(0x300000)
	putDesc(mem, tbl, 0x200000, 16, descFlagNext, 5)
	putDesc(mem, tbl+descSize, 0x200010, 16, 0, 0)
	e.txq.WriteDescRaw(0, tbl, 2*descSize, descFlagIndirect, 0)
	e.txq.PushAvailRaw(0)

	n, _ := r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), r.stats.indirBadNext.Count())
}

func TestPopChainTooLong(t *testing.T) {
	e, r := popEnv(t)

	// A self-referencing descriptor never terminates; the walker gives up
	// at the segment limit.
	e.txq.WriteDescRaw(0, 0x200000, 16, descFlagNext, 0)
	e.txq.PushAvailRaw(0)

	var iov [4]vmm.Region
	n, _ := r.popChain(iov[:])
	assert.Equal(t, -1, n)
	assert.Equal(t, int64(1), r.stats.tooManyDesc.Count())
}

func TestPopChainNdescTooHigh(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	// Publish an available index impossibly far ahead of reality. The
	// walker notes it but still serves the chain at the current slot.
	rewriteValid(e, 0)
	e.txq.PushAvailRaw(0)
	mem := e.hold.Bytes()
	// avail.idx lives 2 bytes into the available side of the tx ring.
	availOff := 0x10000 + uint64(testQueueSize)*descSize
	mem[availOff+2] = 100
	mem[availOff+3] = 0

	n, _ := r.popChain(iov[:])
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), r.stats.ndescTooHigh.Count())
}

func TestUsedIndexWraparound(t *testing.T) {
	e, r := popEnv(t)

	// Start the used index at the top of the 16-bit space and publish two
	// completions across the wrap.
	r.uMu.Lock()
	r.setUsedIdx(0xffff)
	r.uMu.Unlock()

	r.pushChain(10, 3)
	r.pushChain(20, 4)
	assert.Equal(t, uint16(1), e.txq.UsedIdx())
}

func TestAvailIndexWraparound(t *testing.T) {
	e, r := popEnv(t)
	var iov [maxSegs]vmm.Region

	// Pretend a long history: consumer at 0xffff, guest publishes entry
	// 0xffff then wraps to 0.
	r.aMu.Lock()
	r.curAvailIdx = 0xffff
	r.aMu.Unlock()

	mem := e.hold.Bytes()
	availOff := 0x10000 + uint64(testQueueSize)*descSize
	slot := availOff + 4 + uint64(0xffff&(testQueueSize-1))*2
	rewriteValid(e, 2)
	mem[slot] = 2
	mem[slot+1] = 0
	mem[availOff+2] = 0 // avail idx = 0x0000, one past 0xffff
	mem[availOff+3] = 0

	assert.Equal(t, uint16(1), r.numAvail())
	n, cookie := r.popChain(iov[:])
	require.Equal(t, 1, n)
	assert.Equal(t, uint16(2), cookie)
	assert.Equal(t, uint16(0), r.curAvailIdx)
}

func TestPushChainMergedBatch(t *testing.T) {
	e, r := popEnv(t)

	elems := []usedElem{{id: 1, len: 100}, {id: 4, len: 200}, {id: 7, len: 50}}
	r.pushChainMerged(elems)

	assert.Equal(t, uint16(3), e.txq.UsedIdx())
	used := e.txq.Used()
	require.Len(t, used, 3)
	assert.Equal(t, uint32(1), used[0].ID)
	assert.Equal(t, uint32(100), used[0].Len)
	assert.Equal(t, uint32(7), used[2].ID)
	assert.Equal(t, uint32(50), used[2].Len)
}

func putDesc(mem []byte, off, addr uint64, length uint32, flags, next uint16) {
	mem[off] = byte(addr)
	mem[off+1] = byte(addr >> 8)
	mem[off+2] = byte(addr >> 16)
	mem[off+3] = byte(addr >> 24)
	mem[off+4] = byte(addr >> 32)
	mem[off+5] = byte(addr >> 40)
	mem[off+6] = byte(addr >> 48)
	mem[off+7] = byte(addr >> 56)
	mem[off+8] = byte(length)
	mem[off+9] = byte(length >> 8)
	mem[off+10] = byte(length >> 16)
	mem[off+11] = byte(length >> 24)
	mem[off+12] = byte(flags)
	mem[off+13] = byte(flags >> 8)
	mem[off+14] = byte(next)
	mem[off+15] = byte(next >> 8)
}
