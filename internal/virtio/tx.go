package virtio

import (
	"github.com/tinyrange/vhostnet/internal/netsvc"
)

// tx pops one transmit chain from the ring and hands it to the network
// client. With the zero-copy arena active, frame segments reference guest
// memory directly, pinned by the chain's arena slot until the stack releases
// every segment. Without it, the chain is copied and completed immediately.
func (l *Link) tx(r *Vring) {
	n, cookie := r.popChain(r.txScratch)
	if n == 0 {
		r.stats.txAbsent.Inc(1)
		return
	}
	if n < 0 {
		// The fault was counted in popChain.
		return
	}
	segs := r.txScratch[:n]

	var total uint32
	for _, s := range segs {
		total += uint32(s.Len())
	}

	// The first segment must cover at least the device header.
	if segs[0].Len() < hdrSize {
		r.log.WithField("len", segs[0].Len()).Debug("tx chain with runt header segment")
		l.txDrop(r, nil, nil, total, cookie)
		return
	}
	hdr := parseNetHdr(segs[0])

	var (
		dp     *desb
		hdrBuf []byte
	)
	if r.txHandles != nil {
		dp = &r.txHandles[cookie]
		if !dp.acquire(cookie) {
			// The guest resubmitted this descriptor while its previous
			// incarnation is still out in the stack.
			r.log.WithField("cookie", cookie).Debug("tx descriptor reused while in flight")
			l.txDrop(r, nil, nil, total, cookie)
			return
		}
		hdrBuf = dp.headers[:0]
	} else {
		hdrBuf = make([]byte, 0, maxHdrsLen)
	}

	// Copy enough of the frame to cover the packet headers. Everything
	// inspected later must come from this copy; the guest can rewrite its
	// buffers at any moment.
	i := 1
	baseOff := 0
	for i < len(segs) {
		s := segs[i].Bytes()
		toCopy := maxHdrsLen - len(hdrBuf)
		if toCopy > len(s) {
			toCopy = len(s)
		}
		hdrBuf = append(hdrBuf, s[:toCopy]...)
		if len(hdrBuf) == maxHdrsLen {
			if toCopy == len(s) {
				i++
			} else {
				baseOff = toCopy
			}
			break
		}
		i++
	}

	var frame *netsvc.Frame
	if dp != nil {
		dp.hold()
		frame = netsvc.NewFrame(hdrBuf, dp.release)
	} else {
		frame = netsvc.NewFrame(hdrBuf, nil)
	}

	// Remaining payload past the copied headers.
	for ; i < len(segs); i++ {
		s := segs[i]
		chunk, ok := s.Slice(baseOff, s.Len()-baseOff)
		baseOff = 0
		if !ok {
			continue
		}
		if dp != nil {
			dp.hold()
			frame.Append(chunk.Bytes(), dp.release)
		} else {
			frame.Append(append([]byte(nil), chunk.Bytes()...), nil)
		}
	}

	if l.hook != nil {
		if dp != nil {
			// Guard the slot so a hook that replaces every guest-backed
			// segment cannot finalize it mid-call.
			dp.hold()
		}
		if !l.hook.HookTx(frame) {
			r.stats.txHookDrop.Inc(1)
			l.txDrop(r, frame, dp, total, cookie)
			return
		}
		if dp != nil && dp.ref.Add(^uint32(0)) == 1 {
			// The hook stripped every reference into guest memory; the
			// frame is now fully copied and the slot free for reuse.
			dp.reset()
			dp = nil
		}
	}

	if (l.features&FeatureCsum) != 0 && (hdr.flags&hdrFlagNeedsCsum) != 0 {
		offload, ok := l.txOffload(r, hdr, frame.Segment(0), total-uint32(segs[0].Len()))
		if !ok {
			l.txDrop(r, frame, dp, total, cookie)
			return
		}
		frame.SetOffload(offload)
	}

	if dp != nil {
		dp.len = total
		r.mu.Lock()
		r.xferOutstanding++
		r.mu.Unlock()
	} else {
		// A fully copied chain no longer needs its guest buffers; complete
		// it before the stack even sees the frame.
		r.txDone(total, cookie)
	}

	if err := l.client.Tx(frame); err != nil {
		r.log.WithError(err).Debug("tx failed")
	}
}

// txDrop abandons a transmit chain. Any partially built frame is torn down,
// the arena slot rearmed, and a completion covering the whole chain posted
// so the guest still observes forward progress.
func (l *Link) txDrop(r *Vring, frame *netsvc.Frame, dp *desb, total uint32, cookie uint16) {
	if dp != nil {
		// Keep the slot from finalizing while the frame unwinds.
		dp.hold()
	}
	if frame != nil {
		frame.Release()
	}
	if dp != nil {
		dp.reset()
	}

	r.stats.txDrop.Inc(1)
	r.txDone(total, cookie)
}
