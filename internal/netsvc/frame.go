package netsvc

// Segment is one span of an outbound frame. Data may point into guest
// memory; release (if non-nil) must be called exactly once when the segment
// is no longer referenced.
type Segment struct {
	Data    []byte
	release func()
}

// Frame is an outbound frame built from one or more segments. The first
// segment always holds the copied packet headers; later segments may wrap
// guest memory directly.
type Frame struct {
	segs    []Segment
	offload TxOffload
}

// NewFrame returns a frame whose first segment is data.
func NewFrame(data []byte, release func()) *Frame {
	f := &Frame{}
	f.Append(data, release)
	return f
}

// Append adds a segment to the frame.
func (f *Frame) Append(data []byte, release func()) {
	f.segs = append(f.segs, Segment{Data: data, release: release})
}

// NumSegments returns the segment count.
func (f *Frame) NumSegments() int { return len(f.segs) }

// Segment returns the i'th segment's data.
func (f *Frame) Segment(i int) []byte { return f.segs[i].Data }

// Len returns the total frame length in bytes.
func (f *Frame) Len() int {
	n := 0
	for i := range f.segs {
		n += len(f.segs[i].Data)
	}
	return n
}

// Bytes returns a flat copy of the frame contents.
func (f *Frame) Bytes() []byte {
	out := make([]byte, 0, f.Len())
	for i := range f.segs {
		out = append(out, f.segs[i].Data...)
	}
	return out
}

// SetOffload attaches the checksum/segmentation work order.
func (f *Frame) SetOffload(o TxOffload) { f.offload = o }

// Offload returns the attached work order.
func (f *Frame) Offload() TxOffload { return f.offload }

// Flatten rewrites the frame as a single owned segment, releasing every
// original segment. Filter hooks use this to drop their references into
// guest memory before mutating a frame.
func (f *Frame) Flatten() {
	if len(f.segs) == 1 && f.segs[0].release == nil {
		return
	}
	flat := f.Bytes()
	f.Release()
	f.segs = append(f.segs[:0], Segment{Data: flat})
}

// Release invokes every segment's release hook exactly once and empties the
// frame. Safe to call more than once.
func (f *Frame) Release() {
	for i := range f.segs {
		if rel := f.segs[i].release; rel != nil {
			rel()
		}
		f.segs[i] = Segment{}
	}
	f.segs = f.segs[:0]
}

// RxFrame is one inbound frame, possibly split across segments, together
// with the offload state reported by the stack.
type RxFrame struct {
	Segs [][]byte

	// CsumOK means the stack has verified (or itself produced) the L4
	// checksum, so the guest need not revalidate.
	CsumOK bool

	// GSOTCPv4/MSS describe a TCPv4 super-frame that the guest, having
	// negotiated receive segmentation offload, will segment itself.
	GSOTCPv4 bool
	MSS      uint16
}

// Len returns the total frame length.
func (f *RxFrame) Len() int {
	n := 0
	for _, s := range f.Segs {
		n += len(s)
	}
	return n
}

// Append adds a trailing segment.
func (f *RxFrame) Append(b []byte) { f.Segs = append(f.Segs, b) }

// TrimTail removes the last segment. Used to detach shared padding after
// delivery.
func (f *RxFrame) TrimTail() {
	if n := len(f.Segs); n > 0 {
		f.Segs[n-1] = nil
		f.Segs = f.Segs[:n-1]
	}
}

// CopyOut copies up to len(dst) bytes starting at frame offset seek,
// returning the count copied and whether the end of the frame was reached.
func (f *RxFrame) CopyOut(seek int, dst []byte) (int, bool) {
	skip := seek
	copied := 0
	for _, s := range f.Segs {
		if copied == len(dst) {
			break
		}
		if skip >= len(s) {
			skip -= len(s)
			continue
		}
		copied += copy(dst[copied:], s[skip:])
		skip = 0
	}
	return copied, seek+copied == f.Len()
}
