// Package guest drives virtqueues from the guest's side of the memory
// arena. It exists so the device side can be exercised in-process, by tests
// and by the demo binary, without a real virtual machine behind it.
package guest

import (
	"encoding/binary"
	"fmt"
)

const (
	descSize  = 16
	vringAlign = 4096

	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2

	availFlagNoInterrupt = 1
)

// UsedElem is one completion read from the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

type bufRef struct {
	off uint64
	len uint32
}

// Queue manipulates one split virtqueue laid out in mem. It keeps a shadow
// of the available index and a bump allocator over a private data region for
// buffer contents. It is not safe for concurrent use.
type Queue struct {
	mem  []byte
	base uint64
	size uint16
	mask uint16

	descOff  uint64
	availOff uint64
	usedOff  uint64

	availShadow uint16
	usedSeen    uint16
	nextDesc    uint16

	dataBase uint64
	dataLen  uint64
	dataOff  uint64

	chains map[uint16][]bufRef
}

// NewQueue lays out a queue of the given size at base and zeroes its rings.
// Buffer contents are carved from [dataBase, dataBase+dataLen).
func NewQueue(mem []byte, base uint64, size uint16, dataBase, dataLen uint64) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("queue size %d not a power of two", size)
	}

	q := &Queue{
		mem:      mem,
		base:     base,
		size:     size,
		mask:     size - 1,
		descOff:  base,
		dataBase: dataBase,
		dataLen:  dataLen,
		chains:   make(map[uint16][]bufRef),
	}
	q.availOff = q.descOff + uint64(size)*descSize
	used := q.availOff + uint64(size+3)*2
	q.usedOff = (used + vringAlign - 1) &^ uint64(vringAlign-1)

	end := q.usedOff + uint64(size)*8 + 6
	if end > uint64(len(mem)) || dataBase+dataLen > uint64(len(mem)) {
		return nil, fmt.Errorf("queue layout exceeds memory arena")
	}

	for i := q.descOff; i < end; i++ {
		mem[i] = 0
	}
	return q, nil
}

// RingAddr returns the guest-physical address to hand to ring-init.
func (q *Queue) RingAddr() uint64 { return q.base }

// Size returns the queue depth.
func (q *Queue) Size() uint16 { return q.size }

func (q *Queue) alloc(n int) (uint64, error) {
	if q.dataOff+uint64(n) > q.dataLen {
		return 0, fmt.Errorf("out of buffer space")
	}
	off := q.dataBase + q.dataOff
	q.dataOff += uint64(n)
	return off, nil
}

func (q *Queue) allocDesc() uint16 {
	d := q.nextDesc
	q.nextDesc = (q.nextDesc + 1) & q.mask
	return d
}

func (q *Queue) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	off := q.descOff + uint64(i)*descSize
	binary.LittleEndian.PutUint64(q.mem[off:], addr)
	binary.LittleEndian.PutUint32(q.mem[off+8:], length)
	binary.LittleEndian.PutUint16(q.mem[off+12:], flags)
	binary.LittleEndian.PutUint16(q.mem[off+14:], next)
}

// WriteDescRaw writes an arbitrary descriptor, for exercising malformed
// chains.
func (q *Queue) WriteDescRaw(i uint16, addr uint64, length uint32, flags, next uint16) {
	q.writeDesc(i, addr, length, flags, next)
}

// PostOut copies each buffer into the data region and publishes them as one
// device-readable chain. Returns the chain head.
func (q *Queue) PostOut(bufs ...[]byte) (uint16, error) {
	refs := make([]bufRef, 0, len(bufs))
	descs := make([]uint16, 0, len(bufs))
	for _, b := range bufs {
		off, err := q.alloc(len(b))
		if err != nil {
			return 0, err
		}
		copy(q.mem[off:], b)
		refs = append(refs, bufRef{off: off, len: uint32(len(b))})
		descs = append(descs, q.allocDesc())
	}
	return q.publishChain(descs, refs, 0)
}

// PostIn publishes a device-writable chain with one buffer per requested
// size. Returns the chain head.
func (q *Queue) PostIn(sizes ...int) (uint16, error) {
	refs := make([]bufRef, 0, len(sizes))
	descs := make([]uint16, 0, len(sizes))
	for _, n := range sizes {
		off, err := q.alloc(n)
		if err != nil {
			return 0, err
		}
		refs = append(refs, bufRef{off: off, len: uint32(n)})
		descs = append(descs, q.allocDesc())
	}
	return q.publishChain(descs, refs, descFlagWrite)
}

func (q *Queue) publishChain(descs []uint16, refs []bufRef, flags uint16) (uint16, error) {
	for i, d := range descs {
		f := flags
		next := uint16(0)
		if i < len(descs)-1 {
			f |= descFlagNext
			next = descs[i+1]
		}
		q.writeDesc(d, refs[i].off, refs[i].len, f, next)
	}
	head := descs[0]
	q.chains[head] = refs
	q.pushAvail(head)
	return head, nil
}

// PostIndirect copies bufs into the data region and publishes them through a
// single indirect descriptor.
func (q *Queue) PostIndirect(bufs ...[]byte) (uint16, error) {
	tblOff, err := q.alloc(len(bufs) * descSize)
	if err != nil {
		return 0, err
	}
	refs := make([]bufRef, 0, len(bufs))
	for i, b := range bufs {
		off, err := q.alloc(len(b))
		if err != nil {
			return 0, err
		}
		copy(q.mem[off:], b)
		refs = append(refs, bufRef{off: off, len: uint32(len(b))})

		eoff := tblOff + uint64(i)*descSize
		flags := uint16(0)
		next := uint16(0)
		if i < len(bufs)-1 {
			flags = descFlagNext
			next = uint16(i + 1)
		}
		binary.LittleEndian.PutUint64(q.mem[eoff:], off)
		binary.LittleEndian.PutUint32(q.mem[eoff+8:], uint32(len(b)))
		binary.LittleEndian.PutUint16(q.mem[eoff+12:], flags)
		binary.LittleEndian.PutUint16(q.mem[eoff+14:], next)
	}

	head := q.allocDesc()
	q.writeDesc(head, tblOff, uint32(len(bufs)*descSize), descFlagIndirect, 0)
	q.chains[head] = refs
	q.pushAvail(head)
	return head, nil
}

// PushAvailRaw publishes an already written descriptor as a chain head.
func (q *Queue) PushAvailRaw(head uint16) {
	q.pushAvail(head)
}

func (q *Queue) pushAvail(head uint16) {
	slot := q.availOff + 4 + uint64(q.availShadow&q.mask)*2
	binary.LittleEndian.PutUint16(q.mem[slot:], head)
	q.availShadow++
	binary.LittleEndian.PutUint16(q.mem[q.availOff+2:], q.availShadow)
}

// SetNoInterrupt toggles the available ring's interrupt suppression flag.
func (q *Queue) SetNoInterrupt(on bool) {
	flags := binary.LittleEndian.Uint16(q.mem[q.availOff:])
	if on {
		flags |= availFlagNoInterrupt
	} else {
		flags &^= availFlagNoInterrupt
	}
	binary.LittleEndian.PutUint16(q.mem[q.availOff:], flags)
}

// AvailIdx returns the published available index.
func (q *Queue) AvailIdx() uint16 { return q.availShadow }

// UsedIdx reads the device's published used index.
func (q *Queue) UsedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.usedOff+2:])
}

// UsedFlags reads the device's used-side flags.
func (q *Queue) UsedFlags() uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.usedOff:])
}

// Used drains completions published since the last call.
func (q *Queue) Used() []UsedElem {
	idx := q.UsedIdx()
	var out []UsedElem
	for q.usedSeen != idx {
		off := q.usedOff + 4 + uint64(q.usedSeen&q.mask)*8
		out = append(out, UsedElem{
			ID:  binary.LittleEndian.Uint32(q.mem[off:]),
			Len: binary.LittleEndian.Uint32(q.mem[off+4:]),
		})
		q.usedSeen++
	}
	return out
}

// ChainBytes reads back the contents of a posted chain, header and all,
// truncated to length.
func (q *Queue) ChainBytes(head uint16, length int) []byte {
	out := make([]byte, 0, length)
	for _, ref := range q.chains[head] {
		if len(out) >= length {
			break
		}
		n := int(ref.len)
		if len(out)+n > length {
			n = length - len(out)
		}
		out = append(out, q.mem[ref.off:ref.off+uint64(n)]...)
	}
	return out
}

// Recycle forgets all posted chains and reclaims buffer space. Only valid
// once the device has consumed everything outstanding.
func (q *Queue) Recycle() {
	q.dataOff = 0
	q.nextDesc = 0
	q.chains = make(map[uint16][]bufRef)
}
