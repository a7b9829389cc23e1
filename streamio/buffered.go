package streamio

import (
	"sync"

	fiber "github.com/jacobsa/fibers"
)

// BufferedStream wraps a parent Stream with a read-ahead buffer and a
// pending-write buffer (spec §4.5), coalescing small reads and writes into
// parent-sized ones.
type BufferedStream struct {
	parent       Stream
	bufsize      int
	allowPartial bool

	mu   sync.Mutex
	rbuf buffer
	wbuf buffer
}

// NewBufferedStream wraps parent, issuing reads and write-flushes to it in
// chunks of bufsize. allowPartial matches the "partial reads allowed"
// default the Stream contract documents; set false to make Read loop until
// it fills the caller's buffer or hits EOF.
func NewBufferedStream(parent Stream, bufsize int, allowPartial bool) *BufferedStream {
	return &BufferedStream{parent: parent, bufsize: bufsize, allowPartial: allowPartial}
}

func (b *BufferedStream) Capabilities() Capability {
	caps := CapFind | CapUnread
	if b.parent.Capabilities().Has(CapSeek) {
		caps |= CapSeek
	}
	if b.parent.Capabilities().Has(CapSize) {
		caps |= CapSize
	}
	if b.parent.Capabilities().Has(CapTruncate) {
		caps |= CapTruncate
	}
	if b.parent.Capabilities().Has(CapHalfClose) {
		caps |= CapHalfClose
	}
	if b.parent.Capabilities().Has(CapCancel) {
		caps |= CapCancel
	}
	return caps
}

// Read satisfies from the read-ahead buffer first; if insufficient, issues
// one parent read sized to max(requested-buffered, bufsize) rounded up to
// bufsize, looping unless allowPartial permits returning early.
func (b *BufferedStream) Read(out []byte) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for total < len(out) {
		if b.rbuf.len() > 0 {
			chunk := b.rbuf.consume(len(out) - total)
			total += copy(out[total:], chunk)
			if b.allowPartial {
				return total, nil
			}
			continue
		}

		need := len(out) - total
		want := need
		if want < b.bufsize {
			want = b.bufsize
		} else {
			// Round up to a multiple of bufsize.
			want = ((want + b.bufsize - 1) / b.bufsize) * b.bufsize
		}

		tmp := make([]byte, want)
		n, err := b.parent.Read(tmp)
		if n > 0 {
			b.rbuf.append(tmp[:n])
			continue
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		// n == 0, err == nil: parent EOF.
		return total, nil
	}
	return total, nil
}

// Write appends into the pending-write buffer, flushing full bufsize
// chunks to the parent as they accumulate.
func (b *BufferedStream) Write(in []byte) (int, error) {
	if len(in) == 0 {
		panic("streamio: zero-length write")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(in))
	copy(cp, in)
	b.wbuf.append(cp)

	if err := b.flushFullChunksLocked(); err != nil {
		return 0, err
	}
	return len(in), nil
}

// flushFullChunksLocked flushes every complete bufsize chunk currently
// buffered. If a parent write fails while the buffered data it was given
// is still entirely present (i.e. the parent wrote zero of it), the
// buffer is left untouched and the error propagates; a short parent write
// is swallowed (the unwritten remainder is re-buffered for the next
// attempt, per spec: we cannot tell the caller their already-accepted
// Write partially failed, since they own the remainder, not us).
func (b *BufferedStream) flushFullChunksLocked() error {
	for b.wbuf.len() >= b.bufsize {
		chunk := b.wbuf.consume(b.bufsize)
		n, err := b.parent.Write(chunk)
		if err != nil {
			if n == 0 {
				b.wbuf.prepend(chunk)
				return err
			}
			// Partially flushed: swallow the error, re-buffer the
			// unwritten remainder so the next flush retries it.
			if n < len(chunk) {
				b.wbuf.prepend(chunk[n:])
			}
			return nil
		}
	}
	return nil
}

// Flush pushes any remaining buffered writes to the parent, then
// (if propagate) asks the parent to flush further toward its own
// destination.
func (b *BufferedStream) Flush(propagate bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.wbuf.len() > 0 {
		chunk := b.wbuf.consume(b.wbuf.len())
		n, err := b.parent.Write(chunk)
		if err != nil {
			if n < len(chunk) {
				b.wbuf.prepend(chunk[n:])
			}
			if n == 0 {
				return err
			}
			return nil
		}
	}
	if propagate {
		return b.parent.Flush(true)
	}
	return nil
}

// Find scans the read-ahead buffer, then pulls parent reads until either
// delim is located or sanityBound bytes accumulate.
func (b *BufferedStream) Find(delim []byte, sanityBound int, throwIfMissing bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if idx := b.rbuf.index(delim); idx >= 0 {
			return idx, nil
		}
		if b.rbuf.len() >= sanityBound {
			if throwIfMissing {
				return 0, fiber.ErrBufferOverflow
			}
			return -1 - b.rbuf.len(), nil
		}

		tmp := make([]byte, b.bufsize)
		n, err := b.parent.Read(tmp)
		if n > 0 {
			b.rbuf.append(tmp[:n])
			continue
		}
		if err != nil {
			return 0, err
		}
		// Parent EOF before delim found.
		if throwIfMissing {
			return 0, fiber.ErrUnexpectedEOF
		}
		return -1 - b.rbuf.len(), nil
	}
}

// Unread pushes buf back ahead of the read-ahead buffer's current
// contents, to be returned by the next Read(s).
func (b *BufferedStream) Unread(buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rbuf.prepend(buf)
	return nil
}

// Seek requires one buffer be empty: mixing buffered reads and writes
// across a seek on the parent is otherwise undefined (spec §4.5).
func (b *BufferedStream) Seek(offset int64, anchor Anchor) (int64, error) {
	if err := requireCap(b, CapSeek, "Seek"); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rbuf.len() > 0 && b.wbuf.len() > 0 {
		panic("streamio: Seek on a BufferedStream with both buffers non-empty")
	}
	if b.wbuf.len() > 0 {
		if err := b.flushFullChunksLocked(); err != nil {
			return 0, err
		}
		if b.wbuf.len() > 0 {
			chunk := b.wbuf.consume(b.wbuf.len())
			if _, err := b.parent.Write(chunk); err != nil {
				b.wbuf.prepend(chunk)
				return 0, err
			}
		}
	}
	b.rbuf = buffer{}
	return b.parent.Seek(offset, anchor)
}

func (b *BufferedStream) Size() (int64, error) {
	if err := requireCap(b, CapSize, "Size"); err != nil {
		return 0, err
	}
	return b.parent.Size()
}

func (b *BufferedStream) Truncate(n int64) error {
	if err := requireCap(b, CapTruncate, "Truncate"); err != nil {
		return err
	}
	if err := b.Flush(false); err != nil {
		return err
	}
	return b.parent.Truncate(n)
}

func (b *BufferedStream) Close(side Side) error {
	if side.Has(Write) {
		if err := b.Flush(true); err != nil {
			return err
		}
	}
	return b.parent.Close(side)
}

func (b *BufferedStream) CancelRead() error {
	if err := requireCap(b, CapCancel, "CancelRead"); err != nil {
		return err
	}
	return b.parent.CancelRead()
}

func (b *BufferedStream) CancelWrite() error {
	if err := requireCap(b, CapCancel, "CancelWrite"); err != nil {
		return err
	}
	return b.parent.CancelWrite()
}
