package streamio

import (
	"testing"

	fiber "github.com/jacobsa/fibers"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestBuffered(t *testing.T) { RunTests(t) }

// fakeStream is a hand-rolled parent for exercising BufferedStream without
// a real fiber/scheduler/reactor underneath it; it queues fixed Read
// chunks and records Writes, with injectable per-call failures.
type fakeStream struct {
	Unsupported

	reads     [][]byte
	readErr   error // returned once, after reads is drained
	writes    [][]byte
	writeN    []int // if set, overrides how many bytes of each Write "succeed"
	writeErrs []error
	writeIdx  int
	caps      Capability
}

func (f *fakeStream) Capabilities() Capability { return f.caps }

func (f *fakeStream) Read(buf []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, f.readErr
	}
	chunk := f.reads[0]
	f.reads = f.reads[1:]
	n := copy(buf, chunk)
	return n, nil
}

func (f *fakeStream) Write(buf []byte) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.writes = append(f.writes, cp)

	n := len(buf)
	var err error
	if f.writeIdx < len(f.writeN) {
		n = f.writeN[f.writeIdx]
	}
	if f.writeIdx < len(f.writeErrs) {
		err = f.writeErrs[f.writeIdx]
	}
	f.writeIdx++
	return n, err
}

func (f *fakeStream) Flush(propagate bool) error { return nil }

type BufferedStreamTest struct{}

func init() { RegisterTestSuite(&BufferedStreamTest{}) }

// Spec §8 scenario 5: parent yields "abc\r" then "\nxyz" across two reads;
// find("\r\n") must return offset 3, and once the 3 bytes ahead of the
// delimiter have been read off, a 5-byte read must yield "\r\nxyz" (the
// bytes Find pulled into the read-ahead buffer are not consumed by Find
// itself).
func (t *BufferedStreamTest) FindAcrossTwoParentReads() {
	parent := &fakeStream{reads: [][]byte{[]byte("abc\r"), []byte("\nxyz")}}
	b := NewBufferedStream(parent, 4, true)

	off, err := b.Find([]byte("\r\n"), 64, true)
	AssertEq(nil, err)
	ExpectEq(3, off)

	// Find only scans; it never consumes. Discard the bytes ahead of the
	// delimiter (what Find's offset located), then read the delimiter and
	// everything after it.
	discard := make([]byte, off)
	n, err := b.Read(discard)
	AssertEq(nil, err)
	ExpectEq(off, n)

	buf := make([]byte, 5)
	n, err = b.Read(buf)
	AssertEq(nil, err)
	ExpectEq(5, n)
	ExpectEq("\r\nxyz", string(buf))
}

func (t *BufferedStreamTest) FindMissingDelimiterReturnsBufferOverflow() {
	parent := &fakeStream{reads: [][]byte{[]byte("aaaa"), []byte("aaaa")}}
	b := NewBufferedStream(parent, 4, true)

	_, err := b.Find([]byte("\r\n"), 4, true)
	ExpectEq(fiber.ErrBufferOverflow, err)
}

func (t *BufferedStreamTest) FindMissingDelimiterReturnsNegativeSentinelWhenNotThrowing() {
	parent := &fakeStream{reads: [][]byte{[]byte("aaaa")}}
	b := NewBufferedStream(parent, 4, true)

	off, err := b.Find([]byte("\r\n"), 4, false)
	AssertEq(nil, err)
	ExpectEq(-1-4, off)
}

func (t *BufferedStreamTest) ReadSatisfiesFromBufferBeforeParent() {
	parent := &fakeStream{reads: [][]byte{[]byte("hello world")}}
	b := NewBufferedStream(parent, 16, true)

	buf := make([]byte, 5)
	n, err := b.Read(buf)
	AssertEq(nil, err)
	ExpectEq(5, n)
	ExpectEq("hello", string(buf))
	ExpectEq(0, len(parent.reads)) // single parent read satisfied both

	n, err = b.Read(buf)
	AssertEq(nil, err)
	ExpectEq(5, n)
	ExpectEq(" worl", string(buf))
}

func (t *BufferedStreamTest) WriteFlushesFullBufsizeChunks() {
	parent := &fakeStream{}
	b := NewBufferedStream(parent, 4, true)

	n, err := b.Write([]byte("abcdefgh"))
	AssertEq(nil, err)
	ExpectEq(8, n)

	ExpectEq(2, len(parent.writes))
	ExpectEq("abcd", string(parent.writes[0]))
	ExpectEq("efgh", string(parent.writes[1]))
}

func (t *BufferedStreamTest) WriteLeavesPartialChunkBufferedUntilFlush() {
	parent := &fakeStream{}
	b := NewBufferedStream(parent, 4, true)

	_, err := b.Write([]byte("abc"))
	AssertEq(nil, err)
	ExpectEq(0, len(parent.writes))

	AssertEq(nil, b.Flush(false))
	ExpectEq(1, len(parent.writes))
	ExpectEq("abc", string(parent.writes[0]))
}

// A parent write failing while the data it was given is entirely still
// present (zero bytes accepted) rewinds the buffer and propagates.
func (t *BufferedStreamTest) RewindsAndPropagatesOnWholeChunkWriteFailure() {
	boom := fiber.ErrBrokenPipe
	parent := &fakeStream{writeN: []int{0}, writeErrs: []error{boom}}
	b := NewBufferedStream(parent, 4, true)

	_, err := b.Write([]byte("abcd"))
	ExpectEq(boom, err)

	// The chunk is still buffered: flushing again re-attempts it.
	parent.writeErrs = nil
	parent.writeN = nil
	AssertEq(nil, b.Flush(false))
	ExpectEq(2, len(parent.writes))
	ExpectEq("abcd", string(parent.writes[1]))
}

// A parent write that partially succeeds swallows the error; the
// unwritten remainder stays buffered for the next flush to retry.
func (t *BufferedStreamTest) SwallowsErrorOnPartiallyFlushedWrite() {
	boom := fiber.ErrBrokenPipe
	parent := &fakeStream{writeN: []int{2}, writeErrs: []error{boom}}
	b := NewBufferedStream(parent, 4, true)

	_, err := b.Write([]byte("abcd"))
	AssertEq(nil, err)

	parent.writeErrs = nil
	parent.writeN = nil
	AssertEq(nil, b.Flush(false))
	ExpectEq(2, len(parent.writes))
	ExpectEq("cd", string(parent.writes[1]))
}

func (t *BufferedStreamTest) SeekRequiresOneBufferEmpty() {
	parent := &fakeStream{caps: CapSeek, reads: [][]byte{[]byte("abcd")}}
	b := NewBufferedStream(parent, 4, true)

	buf := make([]byte, 1)
	_, err := b.Read(buf) // leaves 3 bytes buffered in rbuf
	AssertEq(nil, err)

	_, err = b.Write([]byte("z")) // also leaves wbuf non-empty
	AssertEq(nil, err)

	defer func() { ExpectNe(nil, recover()) }()
	b.Seek(0, Begin)
}

func (t *BufferedStreamTest) ZeroLengthReadIsNoOp() {
	parent := &fakeStream{}
	b := NewBufferedStream(parent, 4, true)
	n, err := b.Read(nil)
	ExpectEq(0, n)
	ExpectEq(nil, err)
}
