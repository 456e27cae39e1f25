package virtio

import (
	"github.com/tinyrange/vhostnet/internal/vmm"
)

// popChain resolves the next available descriptor chain into iov, following
// has-next links and descending one level into an indirect table. Returns
// the segment count and the chain's cookie (head descriptor id).
//
// n == 0 means no work. n < 0 means the chain was malformed: the fault has
// been counted, the consumer index is untouched, and later chains are
// unaffected. Only on success does the consumer index advance, by exactly
// one chain.
func (r *Vring) popChain(iov []vmm.Region) (int, uint16) {
	r.aMu.Lock()
	defer r.aMu.Unlock()

	idx := r.curAvailIdx
	ndesc := r.availIdx() - idx
	if ndesc == 0 {
		return 0, 0
	}
	if ndesc > r.size {
		// The guest claims an impossible number of pending descriptors.
		// Note the transgression and try the next chain anyway.
		r.stats.ndescTooHigh.Inc(1)
		r.log.WithField("ndesc", ndesc).Debug("available index impossibly far ahead")
	}

	head := r.availEntry(idx)
	next := head

	for i := 0; i < len(iov); {
		if next >= r.size {
			r.stats.badIdx.Inc(1)
			r.log.WithField("idx", next).Debug("descriptor index out of bounds")
			return -1, 0
		}

		vdir := descAt(r.descTable, next)
		if (vdir.flags & descFlagIndirect) == 0 {
			if vdir.len == 0 {
				r.stats.descBadLen.Inc(1)
				r.log.Debug("zero-length descriptor")
				return -1, 0
			}
			buf, ok := r.lease.Translate(vdir.addr, uint64(vdir.len))
			if !ok {
				r.stats.badRingAddr.Inc(1)
				r.log.WithField("addr", vdir.addr).Debug("descriptor address not mapped")
				return -1, 0
			}
			iov[i] = buf
			i++
		} else {
			nindir := vdir.len / descSize
			if vdir.len%descSize != 0 || nindir == 0 {
				r.stats.indirBadLen.Inc(1)
				r.log.WithField("len", vdir.len).Debug("bad indirect table length")
				return -1, 0
			}
			table, ok := r.lease.Translate(vdir.addr, uint64(vdir.len))
			if !ok {
				r.stats.badRingAddr.Inc(1)
				r.log.Debug("indirect table address not mapped")
				return -1, 0
			}
			in := uint16(0)
			for {
				// Each indirect descriptor is copied out of guest memory
				// before its flags and bounds are checked, so a concurrent
				// guest write cannot invalidate the checks afterward.
				vp := descAt(table, in)
				if (vp.flags & descFlagIndirect) != 0 {
					r.stats.indirBadNest.Inc(1)
					r.log.Debug("nested indirect descriptor")
					return -1, 0
				}
				if vp.len == 0 {
					r.stats.descBadLen.Inc(1)
					r.log.Debug("zero-length indirect descriptor")
					return -1, 0
				}
				buf, ok := r.lease.Translate(vp.addr, uint64(vp.len))
				if !ok {
					r.stats.badRingAddr.Inc(1)
					r.log.Debug("indirect descriptor address not mapped")
					return -1, 0
				}
				iov[i] = buf
				i++

				if (vp.flags & descFlagNext) == 0 {
					break
				}
				if i >= len(iov) {
					r.stats.tooManyDesc.Inc(1)
					r.log.Debug("descriptor chain too long")
					return -1, 0
				}

				in = vp.next
				if uint32(in) >= nindir {
					r.stats.indirBadNext.Inc(1)
					r.log.WithField("next", in).Debug("indirect next out of table")
					return -1, 0
				}
			}
		}

		if (vdir.flags & descFlagNext) == 0 {
			r.curAvailIdx = idx + 1
			return i, head
		}
		next = vdir.next
	}

	r.stats.tooManyDesc.Inc(1)
	r.log.Debug("descriptor chain too long")
	return -1, 0
}

// pushChain posts one completion to the used ring. The entry is fully
// written before the published index moves past it.
func (r *Vring) pushChain(length uint32, cookie uint16) {
	r.uMu.Lock()
	uidx := r.usedIdx()
	r.putUsedEntry(uidx, uint32(cookie), length)
	r.setUsedIdx(uidx + 1)
	r.uMu.Unlock()
}

// pushChainMerged posts the completions for one merged receive frame as a
// single batch, publishing the index once after all entries are written.
func (r *Vring) pushChainMerged(elems []usedElem) {
	r.uMu.Lock()
	uidx := r.usedIdx()
	for i, e := range elems {
		r.putUsedEntry(uidx+uint16(i), uint32(e.id), e.len)
	}
	r.setUsedIdx(uidx + uint16(len(elems)))
	r.uMu.Unlock()
}
