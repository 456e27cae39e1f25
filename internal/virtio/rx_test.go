package virtio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vhostnet/internal/netsvc"
)

func rxFrame(n int, fill byte) *netsvc.RxFrame {
	return &netsvc.RxFrame{Segs: [][]byte{ethFrame(n, fill)}}
}

func (e *testEnv) postRxBuffers(count, size int) {
	e.t.Helper()
	for i := 0; i < count; i++ {
		_, err := e.rxq.PostIn(size)
		require.NoError(e.t, err)
	}
	require.NoError(e.t, e.link.RingKick(RXQueue))
}

func TestRxPlain(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(FeatureGuestCsum)

	e.postRxBuffers(4, 2048)
	frame := rxFrame(100, 0x42)
	frame.CsumOK = true
	e.lb.Inject(frame)
	e.waitUsedIdx(e.rxq, 1)

	used := e.rxq.Used()
	require.Len(t, used, 1)
	assert.Equal(t, uint32(hdrSize+100), used[0].Len)

	got := e.rxq.ChainBytes(uint16(used[0].ID), int(used[0].Len))
	// Device header first: checksum-verified flag set, everything else
	// zeroed.
	assert.Equal(t, byte(hdrFlagDataValid), got[0])
	for _, b := range got[1:hdrSize] {
		assert.Zero(t, b)
	}
	assert.Equal(t, ethFrame(100, 0x42), got[hdrSize:])
}

func TestRxPlainChainSpansDescriptors(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)

	// One chain of several small buffers; the frame lands across them.
	_, err := e.rxq.PostIn(64, 64, 64)
	require.NoError(t, err)
	require.NoError(t, e.link.RingKick(RXQueue))

	e.lb.Inject(rxFrame(150, 0x17))
	e.waitUsedIdx(e.rxq, 1)

	used := e.rxq.Used()
	require.Len(t, used, 1)
	assert.Equal(t, uint32(hdrSize+150), used[0].Len)
	got := e.rxq.ChainBytes(uint16(used[0].ID), int(used[0].Len))
	assert.Equal(t, ethFrame(150, 0x17), got[hdrSize:])
}

func TestRxMerged(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(FeatureMrgRxBuf)

	// A 1500-byte frame across 600-byte buffers needs three chains.
	e.postRxBuffers(4, 600)
	e.lb.Inject(rxFrame(1500, 0x7e))
	require.Eventually(t, func() bool { return e.rxq.UsedIdx() == 3 },
		time.Second, time.Millisecond)

	used := e.rxq.Used()
	require.Len(t, used, 3)
	assert.Equal(t, uint32(600), used[0].Len, "first chain: header plus payload")
	assert.Equal(t, uint32(600), used[1].Len)
	assert.Equal(t, uint32(1500+mrgHdrSize-1200), used[2].Len)

	first := e.rxq.ChainBytes(uint16(used[0].ID), int(used[0].Len))
	// Buffer count lives in the merged header.
	assert.Equal(t, uint16(3), uint16(first[hdrOffNumBuffers])|uint16(first[hdrOffNumBuffers+1])<<8)

	var payload []byte
	payload = append(payload, first[mrgHdrSize:]...)
	payload = append(payload, e.rxq.ChainBytes(uint16(used[1].ID), int(used[1].Len))...)
	payload = append(payload, e.rxq.ChainBytes(uint16(used[2].ID), int(used[2].Len))...)
	assert.Equal(t, ethFrame(1500, 0x7e), payload)
}

func TestRxMergedSingleBuffer(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(FeatureMrgRxBuf)

	e.postRxBuffers(2, 2048)
	e.lb.Inject(rxFrame(100, 0x01))
	e.waitUsedIdx(e.rxq, 1)

	used := e.rxq.Used()
	require.Len(t, used, 1)
	assert.Equal(t, uint32(mrgHdrSize+100), used[0].Len)
	first := e.rxq.ChainBytes(uint16(used[0].ID), int(used[0].Len))
	assert.Equal(t, uint16(1), uint16(first[hdrOffNumBuffers]))
}

func TestRxMergedUnderrun(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(FeatureMrgRxBuf)

	// One 600-byte chain cannot hold 1500 bytes; the ring runs dry
	// mid-frame and the partial chain is returned.
	e.postRxBuffers(1, 600)
	e.lb.Inject(rxFrame(1500, 0x3c))
	e.waitUsedIdx(e.rxq, 1)

	r := e.link.rings[RXQueue]
	assert.Equal(t, int64(1), r.stats.rxMergeUnderrun.Count())
}

func TestRxNoSpace(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)

	// No buffers posted at all: the frame is dropped and counted, and the
	// rest of the batch is abandoned with it.
	e.lb.Inject(rxFrame(100, 1), rxFrame(100, 2))
	r := e.link.rings[RXQueue]
	require.Eventually(t, func() bool { return r.stats.noSpace.Count() >= 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, uint16(0), e.rxq.UsedIdx())
	assert.Equal(t, int64(1), r.stats.noSpace.Count(), "batch abandoned after first miss")
}

func TestRxShortFramePadded(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)

	e.postRxBuffers(2, 2048)
	e.lb.Inject(rxFrame(30, 0x0f))
	e.waitUsedIdx(e.rxq, 1)

	used := e.rxq.Used()
	assert.Equal(t, uint32(hdrSize+minFrameSize), used[0].Len)
	got := e.rxq.ChainBytes(uint16(used[0].ID), int(used[0].Len))
	assert.Equal(t, ethFrame(30, 0x0f), got[hdrSize:hdrSize+30])
	for _, b := range got[hdrSize+30:] {
		assert.Zero(t, b)
	}
	assert.Equal(t, int64(1), e.link.rings[RXQueue].stats.rxPadShort.Count())
}

func TestRxVLANPadSharedAndDetached(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)

	e.postRxBuffers(4, 2048)

	// Exactly one tag-width short: padded from the shared fragment, which
	// must come back untouched and detached for reuse.
	f := rxFrame(needVLANPadSize, 0x2b)
	e.lb.Inject(f)
	e.waitUsedIdx(e.rxq, 1)

	used := e.rxq.Used()
	assert.Equal(t, uint32(hdrSize+minFrameSize), used[0].Len)
	assert.Len(t, f.Segs, 1, "shared pad detached after delivery")
	for _, b := range e.link.vlanPad {
		assert.Zero(t, b, "shared pad stays zeroed")
	}
	assert.Zero(t, e.link.rings[RXQueue].stats.rxPadShort.Count())

	// The same pad serves the next short frame.
	e.lb.Inject(rxFrame(needVLANPadSize, 0x2c))
	e.waitUsedIdx(e.rxq, 2)
}

func TestRxMulticastFiltering(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)
	e.postRxBuffers(4, 2048)

	mcast := rxFrame(64, 0)
	copy(mcast.Segs[0][:6], []byte{0x01, 0x00, 0x5e, 0, 0, 1})
	bcast := rxFrame(64, 0)
	copy(bcast.Segs[0][:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	ucast := rxFrame(64, 0)
	copy(ucast.Segs[0][:6], []byte{0x02, 0, 0, 0, 0, 1})

	// Broadcast and plain unicast are suppressed on the multicast path;
	// only the group-addressed frame is delivered.
	e.lb.InjectMulticast(mcast, bcast, ucast)
	e.waitUsedIdx(e.rxq, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint16(1), e.rxq.UsedIdx())

	// A frame too short to classify is counted and dropped.
	short := &netsvc.RxFrame{Segs: [][]byte{{0x01, 0x02}}}
	e.lb.InjectMulticast(short)
	require.Eventually(t, func() bool {
		return e.link.rings[RXQueue].stats.rxMcastCheck.Count() == 1
	}, time.Second, time.Millisecond)
}

func TestRxHookDrop(t *testing.T) {
	hook := &recordingHook{dropRx: true}
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true}, func(c *LinkConfig) {
		c.Hook = hook
	})
	e.start(0)
	e.postRxBuffers(2, 2048)

	e.lb.Inject(rxFrame(100, 0x66))
	r := e.link.rings[RXQueue]
	require.Eventually(t, func() bool { return r.stats.rxHookDrop.Count() == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, uint16(0), e.rxq.UsedIdx())
	assert.Equal(t, 1, hook.rxSeen)
}

func TestRxGSOWithoutGuestTSO(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)
	e.postRxBuffers(2, 4096)

	f := rxFrame(3000, 0x7a)
	f.GSOTCPv4 = true
	f.MSS = 1400
	e.lb.Inject(f)

	// The guest never negotiated receive segmentation; the super-frame
	// cannot be delivered.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint16(0), e.rxq.UsedIdx())
}

func TestRxGSOHeaderFields(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(FeatureGuestCsum | FeatureGuestTSO4)
	e.postRxBuffers(2, 8192)

	f := rxFrame(3000, 0x7b)
	f.GSOTCPv4 = true
	f.MSS = 1400
	f.CsumOK = true
	e.lb.Inject(f)
	e.waitUsedIdx(e.rxq, 1)

	used := e.rxq.Used()
	got := e.rxq.ChainBytes(uint16(used[0].ID), int(used[0].Len))
	assert.Equal(t, byte(hdrFlagDataValid), got[hdrOffFlags])
	assert.Equal(t, byte(gsoTCPv4), got[hdrOffGSOType])
	assert.Equal(t, uint16(1400), uint16(got[hdrOffGSOSize])|uint16(got[hdrOffGSOSize+1])<<8)
}

func TestRxInterruptSuppression(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)
	require.NoError(t, e.link.SetRingMSI(RXQueue, 0xfee00000, 0x21))

	e.rxq.SetNoInterrupt(true)
	e.postRxBuffers(2, 2048)
	e.lb.Inject(rxFrame(100, 1))
	e.waitUsedIdx(e.rxq, 1)
	assert.Empty(t, e.hold.MSIs(), "suppressed delivery raises no interrupt")

	e.rxq.SetNoInterrupt(false)
	e.lb.Inject(rxFrame(100, 2))
	e.waitUsedIdx(e.rxq, 2)
	require.Eventually(t, func() bool { return len(e.hold.MSIs()) == 1 },
		time.Second, time.Millisecond)
	msi := e.hold.MSIs()[0]
	assert.Equal(t, uint64(0xfee00000), msi.Addr)
	assert.Equal(t, uint64(0x21), msi.Msg)
}

func TestInterruptPollPath(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)

	// Without MSI configured, completions latch the pending flag and wake
	// the poll channel.
	e.postRxBuffers(2, 2048)
	e.lb.Inject(rxFrame(100, 1))
	e.waitUsedIdx(e.rxq, 1)

	select {
	case <-e.link.InterruptWake():
	case <-time.After(time.Second):
		t.Fatal("no poll wakeup")
	}
	assert.Equal(t, uint32(1), e.link.InterruptStatus()[RXQueue])

	require.NoError(t, e.link.ClearInterrupt(RXQueue))
	assert.Equal(t, uint32(0), e.link.InterruptStatus()[RXQueue])
}

func TestRxGuestNotifySuppressedWhileRunning(t *testing.T) {
	e := newTestEnv(t, netsvc.Capabilities{DeterministicReclaim: true})
	e.start(0)

	// While the receive ring runs, the device asks the guest not to send
	// doorbells; the flag clears on reset.
	assert.Equal(t, uint16(usedFlagNoNotify), e.rxq.UsedFlags()&usedFlagNoNotify)

	require.NoError(t, e.link.RingReset(context.Background(), RXQueue))
	assert.Zero(t, e.rxq.UsedFlags()&usedFlagNoNotify)
}
