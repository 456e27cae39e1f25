package virtio

import (
	"errors"

	"github.com/tinyrange/vhostnet/internal/netsvc"
	"github.com/tinyrange/vhostnet/internal/vmm"
)

var (
	errNoSpace       = errors.New("no space in receive ring")
	errBadFrame      = errors.New("bad receive frame")
	errMergeOverrun  = errors.New("merged receive exceeded buffer limit")
	errMergeUnderrun = errors.New("receive ring exhausted mid-frame")
)

var etherBroadcast = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// rxClassified receives frames the client classified for this link's own
// address, broadcast included.
func (l *Link) rxClassified(frames []*netsvc.RxFrame) {
	r := l.rings[RXQueue]
	if !r.accepting.Load() {
		return
	}
	l.deliverRx(r, frames)
}

// rxMulticast receives the promiscuous multicast stream. Broadcast frames
// already arrived through the classified path and are suppressed here so the
// guest does not see them twice.
func (l *Link) rxMulticast(frames []*netsvc.RxFrame) {
	r := l.rings[RXQueue]
	if !r.accepting.Load() {
		return
	}

	var mcast []*netsvc.RxFrame
	for _, f := range frames {
		var dst [6]byte
		if n, _ := f.CopyOut(0, dst[:]); n < len(dst) {
			r.stats.rxMcastCheck.Inc(1)
			continue
		}
		if dst[0]&1 != 0 && dst != etherBroadcast {
			mcast = append(mcast, f)
		}
	}
	if len(mcast) > 0 {
		l.deliverRx(r, mcast)
	}
}

// deliverRx copies a batch of frames into guest receive buffers and fires a
// single interrupt decision for the whole batch.
func (l *Link) deliverRx(r *Vring, frames []*netsvc.RxFrame) {
	doMerge := (l.features & FeatureMrgRxBuf) != 0
	guestTSO4 := (l.features & FeatureGuestTSO4) != 0
	nrx, ndrop := 0, 0

	for idx, f := range frames {
		if f.GSOTCPv4 && !guestTSO4 {
			// A super-frame the guest never agreed to segment.
			r.log.WithField("len", f.Len()).Debug("dropping GSO frame without guest TSO")
			ndrop++
			continue
		}

		if l.hook != nil && !l.hook.HookRx(f) {
			r.stats.rxHookDrop.Inc(1)
			ndrop++
			continue
		}

		size := f.Len()
		sharedPad := false
		if size == needVLANPadSize {
			// Frames at minimum length minus a VLAN tag got that tag
			// stripped on the way in. Restore the length with the shared
			// zero pad rather than allocating.
			f.Append(l.vlanPad)
			sharedPad = true
			size += vlanTagSize
		} else if size < minFrameSize {
			r.stats.rxPadShort.Inc(1)
			f.Append(make([]byte, minFrameSize-size))
			size = minFrameSize
		}

		var err error
		if doMerge {
			err = r.recvMerged(f, size)
		} else {
			err = r.recvPlain(f, size)
		}

		// The shared pad is recycled; detach it before the frame goes away.
		if sharedPad {
			f.TrimTail()
		}

		if err != nil {
			ndrop++
			if errors.Is(err, errNoSpace) {
				// The ring is out of buffers; the rest of the batch has no
				// better chance.
				ndrop += len(frames) - idx - 1
				break
			}
			continue
		}
		nrx++
	}

	if nrx > 0 || ndrop > 0 {
		r.log.WithField("nrx", nrx).WithField("ndrop", ndrop).Trace("rx batch")
	}

	if (r.availFlags() & availFlagNoInterrupt) == 0 {
		r.interrupt()
	}
}

// writeRxCsum records the client's checksum and segmentation state in the
// device header at hdr, honoring only what the guest negotiated.
func (r *Vring) writeRxCsum(hdr vmm.Region, f *netsvc.RxFrame) {
	features := r.link.features
	if (features & FeatureGuestCsum) == 0 {
		return
	}

	b := hdr.Bytes()
	if (features&FeatureGuestTSO4) != 0 && f.GSOTCPv4 {
		b[hdrOffGSOType] |= gsoTCPv4
		hdr.PutUint16(hdrOffGSOSize, f.MSS)
	}
	if f.CsumOK {
		b[hdrOffFlags] |= hdrFlagDataValid
	}
}

// recvPlain copies one frame into a single descriptor chain. msz is the
// padded frame length.
func (r *Vring) recvPlain(f *netsvc.RxFrame, msz int) error {
	var iov [maxSegs]vmm.Region

	n, cookie := r.popChain(iov[:])
	if n <= 0 {
		r.stats.noSpace.Inc(1)
		return errNoSpace
	}

	first := iov[0]
	if first.Len() < hdrSize {
		// No room for even the device header. Scrub what is there and
		// return the chain at a plausible length.
		first.Zero()
		r.stats.badRxFrame.Inc(1)
		r.pushChain(minFrameSize+hdrSize, cookie)
		return errBadFrame
	}

	copied := 0
	end := false
	if first.Len() > hdrSize {
		dst, _ := first.Slice(hdrSize, first.Len()-hdrSize)
		copied, end = f.CopyOut(0, dst.Bytes())
	}
	for i := 1; i < n && !end; i++ {
		nb, e := f.CopyOut(copied, iov[i].Bytes())
		copied += nb
		end = e
	}

	if copied != msz {
		r.stats.tooShort.Inc(1)
		r.stats.badRxFrame.Inc(1)
		r.log.WithField("copied", copied).WithField("len", msz).
			Debug("receive chain too small for frame")
		length := copied
		if length < minFrameSize+hdrSize {
			length = minFrameSize + hdrSize
		}
		r.pushChain(uint32(length), cookie)
		return errBadFrame
	}

	hdr, _ := first.Slice(0, hdrSize)
	hdr.Zero()
	r.writeRxCsum(hdr, f)

	r.pushChain(uint32(copied+hdrSize), cookie)
	return nil
}

// recvMerged copies one frame across as many descriptor chains as it needs,
// posting all of their completions as one batch. The device header's buffer
// count is kept current in guest memory as chains are consumed but is never
// read back.
func (r *Vring) recvMerged(f *netsvc.RxFrame, msz int) error {
	var (
		iov   [maxSegs]vmm.Region
		uelem [maxSegs]usedElem
	)

	n, cookie := r.popChain(iov[:])
	if n <= 0 {
		r.stats.noSpace.Inc(1)
		return errNoSpace
	}

	first := iov[0]
	if first.Len() < mrgHdrSize {
		first.Zero()
		uelem[0] = usedElem{id: cookie, len: uint32(first.Len())}
		r.stats.badRxFrame.Inc(1)
		r.pushChainMerged(uelem[:1])
		return errBadFrame
	}

	hdr, _ := first.Slice(0, mrgHdrSize)
	hdr.Zero()
	bufs := uint16(1)
	hdr.PutUint16(hdrOffNumBuffers, bufs)

	var (
		copied int
		end    bool
		err    error
		bufIdx int
	)

	chunk := 0
	if first.Len() > mrgHdrSize {
		dst, _ := first.Slice(mrgHdrSize, first.Len()-mrgHdrSize)
		chunk, end = f.CopyOut(0, dst.Bytes())
		copied = chunk
	}
	i := 1

	for {
		for i < n && !end {
			nb, e := f.CopyOut(copied, iov[i].Bytes())
			chunk += nb
			copied += nb
			end = e
			i++
		}

		uelem[bufIdx] = usedElem{id: cookie, len: uint32(chunk)}

		if end || copied >= msz {
			break
		}

		if bufIdx == maxSegs-1 {
			err = errMergeOverrun
			break
		}

		n, cookie = r.popChain(iov[:])
		if n <= 0 {
			err = errMergeUnderrun
			break
		}

		chunk = 0
		i = 0
		bufIdx++
		bufs++
		hdr.PutUint16(hdrOffNumBuffers, bufs)
	}

	// The device header rides inside the first chain's completion length.
	uelem[0].len += mrgHdrSize

	if err == nil && copied != msz {
		r.stats.tooShort.Inc(1)
		r.log.WithField("copied", copied).WithField("len", msz).
			Debug("merged receive came up short")
		err = errBadFrame
	}

	switch {
	case err == nil:
		r.writeRxCsum(hdr, f)
	case errors.Is(err, errMergeOverrun):
		r.stats.rxMergeOverrun.Inc(1)
		r.log.Debug("merged receive exceeded buffer limit")
	case errors.Is(err, errMergeUnderrun):
		r.stats.rxMergeUnderrun.Inc(1)
		r.log.Debug("receive ring exhausted mid-frame")
	default:
		r.stats.badRxFrame.Inc(1)
	}

	r.pushChainMerged(uelem[:bufIdx+1])
	return err
}
