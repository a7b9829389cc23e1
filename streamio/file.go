package streamio

import (
	"io"
	"os"

	fallocate "github.com/detailyang/go-fallocate"
	fiber "github.com/jacobsa/fibers"
)

// FileStream is a seekable, sizeable, truncatable Stream over an *os.File
// (spec's supplemented feature list, §4.5 "plus"): regular files are not
// pollable the way sockets and pipes are, so unlike ConnStream its reads
// and writes are ordinary synchronous syscalls — disk I/O has no
// equivalent of EAGAIN to register an IOManager wait against.
type FileStream struct {
	Unsupported

	f   *os.File
	pos int64
}

// NewFileStream wraps f, whose current offset becomes the stream's
// initial position.
func NewFileStream(f *os.File) *FileStream {
	pos, _ := f.Seek(0, io.SeekCurrent)
	return &FileStream{f: f, pos: pos}
}

func (s *FileStream) Capabilities() Capability {
	return CapSeek | CapSize | CapTruncate
}

func (s *FileStream) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := s.f.ReadAt(buf, s.pos)
	s.pos += int64(n)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (s *FileStream) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		panic("streamio: zero-length write")
	}
	n, err := s.f.WriteAt(buf, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *FileStream) Seek(offset int64, anchor Anchor) (int64, error) {
	var newPos int64
	switch anchor {
	case Begin:
		newPos = offset
	case Current:
		newPos = s.pos + offset
	case End:
		size, err := s.Size()
		if err != nil {
			return 0, err
		}
		newPos = size + offset
	default:
		return 0, fiber.ErrInvalidArgument
	}
	if newPos < 0 {
		return 0, fiber.ErrInvalidArgument
	}
	s.pos = newPos
	return newPos, nil
}

func (s *FileStream) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate resizes the file to n bytes, zero-extending via fallocate when
// growing (mirroring the teacher's in-memory "pad with zeros" growth
// pattern for a real file backing, samples/memfs/inode.go's SetAttr).
func (s *FileStream) Truncate(n int64) error {
	size, err := s.Size()
	if err != nil {
		return err
	}
	if n <= size {
		return s.f.Truncate(n)
	}
	return fallocate.Fallocate(s.f, size, n-size)
}

func (s *FileStream) Flush(propagate bool) error {
	if propagate {
		return s.f.Sync()
	}
	return nil
}

func (s *FileStream) Close(side Side) error {
	// A regular file has no independent read/write sides to half-close;
	// Both is the only legal request (CapHalfClose is unset).
	if side != Both {
		return fiber.ErrNotSupported
	}
	return s.f.Close()
}
