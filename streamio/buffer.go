package streamio

// buffer is an ordered sequence of immutable byte segments presenting a
// contiguous logical view, grounded on the teacher's internal/buffer
// package's segment-plus-Consume shape (internal/buffer/buffer.go,
// in_message.go) but generalized from a single fixed fusekernel.OutHeader
// segment to an arbitrary append-only chain: each Append adds one segment
// without copying prior ones (O(1) append), and Consume advances an offset
// into the first segment, dropping it once fully consumed (O(1) amortized
// prefix-consume).
type buffer struct {
	segs []([]byte)
	off  int // consumed offset into segs[0]
	n    int // total unconsumed byte count across all segments
}

// append adds p as a new trailing segment. p is retained, not copied;
// callers must not mutate p afterward.
func (b *buffer) append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.segs = append(b.segs, p)
	b.n += len(p)
}

// prepend pushes p back as a new leading segment, ahead of any unconsumed
// data — the mechanism behind Unread.
func (b *buffer) prepend(p []byte) {
	if len(p) == 0 {
		return
	}
	if b.off > 0 {
		// Materialize the partially-consumed first segment so the
		// invariant "off applies only to segs[0]" keeps holding once we
		// insert ahead of it.
		b.segs[0] = b.segs[0][b.off:]
		b.off = 0
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	b.segs = append([][]byte{cp}, b.segs...)
	b.n += len(p)
}

// len returns the total number of unconsumed bytes.
func (b *buffer) len() int { return b.n }

// consume removes and returns up to max bytes from the front of the
// buffer, copying into a single contiguous slice when the request spans
// more than one segment.
func (b *buffer) consume(max int) []byte {
	if max <= 0 || b.n == 0 {
		return nil
	}
	if max > b.n {
		max = b.n
	}

	first := b.segs[0][b.off:]
	if len(first) >= max {
		out := first[:max]
		b.off += max
		b.n -= max
		if b.off == len(b.segs[0]) {
			b.dropFirst()
		}
		return out
	}

	out := make([]byte, 0, max)
	remaining := max
	for remaining > 0 {
		seg := b.segs[0][b.off:]
		take := len(seg)
		if take > remaining {
			take = remaining
		}
		out = append(out, seg[:take]...)
		b.off += take
		remaining -= take
		b.n -= take
		if b.off == len(b.segs[0]) {
			b.dropFirst()
		}
	}
	return out
}

func (b *buffer) dropFirst() {
	b.segs = b.segs[1:]
	b.off = 0
}

// index returns the offset of the first occurrence of delim within the
// buffer's unconsumed bytes, or -1 if absent. It never consumes.
func (b *buffer) index(delim []byte) int {
	if len(delim) == 0 || b.n < len(delim) {
		return -1
	}
	// Buffers involved in find() are small relative to sanityBound in
	// practice (spec's whole point is bounding them); materializing the
	// unconsumed view once per scan is simple and correct.
	flat := b.peekAll()
	for i := 0; i+len(delim) <= len(flat); i++ {
		if string(flat[i:i+len(delim)]) == string(delim) {
			return i
		}
	}
	return -1
}

// peekAll returns the full unconsumed contents as one contiguous slice,
// without consuming it.
func (b *buffer) peekAll() []byte {
	if b.n == 0 {
		return nil
	}
	out := make([]byte, 0, b.n)
	for i, seg := range b.segs {
		start := 0
		if i == 0 {
			start = b.off
		}
		out = append(out, seg[start:]...)
	}
	return out
}
