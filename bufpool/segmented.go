package bufpool

import (
	"errors"
	"io"
)

// ErrBufferFull is returned by Write when appending would grow the buffer
// past its configured max capacity. The returned byte count is
// authoritative: everything before it has been written.
var ErrBufferFull = errors.New("buffer full")

// SegmentedBuffer is an append-only byte buffer backed by pool segments.
// Growing never relocates written bytes: a new segment is chained on.
type SegmentedBuffer struct {
	pool        *Pool
	segs        [][]byte
	maxCapacity int // 0 means unbounded
	length      int
}

// BufferOption configures a SegmentedBuffer.
type BufferOption func(*SegmentedBuffer)

// WithMaxCapacity bounds the buffer to at most n bytes of segment capacity.
func WithMaxCapacity(n int) BufferOption {
	return func(b *SegmentedBuffer) { b.maxCapacity = n }
}

// NewBuffer creates an empty buffer drawing segments from pool.
func NewBuffer(pool *Pool, opts ...BufferOption) *SegmentedBuffer {
	b := &SegmentedBuffer{pool: pool}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len reports the number of bytes written.
func (b *SegmentedBuffer) Len() int { return b.length }

// IsEmpty reports whether nothing has been written.
func (b *SegmentedBuffer) IsEmpty() bool { return b.length == 0 }

// acquire chains a new segment onto the buffer, preferring the pool and
// allocating fresh when the pool is dry.
func (b *SegmentedBuffer) acquire() error {
	if b.maxCapacity > 0 {
		if (len(b.segs)+1)*b.pool.segmentSize > b.maxCapacity {
			return ErrBufferFull
		}
	}
	seg, err := b.pool.TryGet()
	if err != nil {
		seg = make([]byte, 0, b.pool.segmentSize)
	}
	b.segs = append(b.segs, seg)
	return nil
}

// Write appends p, acquiring segments on demand. On ErrBufferFull the
// count reports how many bytes were written before the buffer filled.
func (b *SegmentedBuffer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if len(b.segs) == 0 || len(b.last()) == cap(b.last()) {
			if err := b.acquire(); err != nil {
				return written, err
			}
		}
		seg := b.last()
		n := copy(seg[len(seg):cap(seg)], p[written:])
		b.segs[len(b.segs)-1] = seg[:len(seg)+n]
		written += n
		b.length += n
	}
	return written, nil
}

func (b *SegmentedBuffer) last() []byte {
	return b.segs[len(b.segs)-1]
}

// WriteString appends s. Same contract as Write.
func (b *SegmentedBuffer) WriteString(s string) (int, error) {
	written := 0
	for written < len(s) {
		if len(b.segs) == 0 || len(b.last()) == cap(b.last()) {
			if err := b.acquire(); err != nil {
				return written, err
			}
		}
		seg := b.last()
		n := copy(seg[len(seg):cap(seg)], s[written:])
		b.segs[len(b.segs)-1] = seg[:len(seg)+n]
		written += n
		b.length += n
	}
	return written, nil
}

// WriteByte appends a single byte.
func (b *SegmentedBuffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

// Release returns all segments to the pool and resets the buffer.
// The buffer must not be read after Release.
func (b *SegmentedBuffer) Release() {
	for _, seg := range b.segs {
		b.pool.Put(seg)
	}
	b.segs = nil
	b.length = 0
}

// Reader returns a sequential reader over the written bytes. The buffer
// must not be written to or released while the reader is in use.
func (b *SegmentedBuffer) Reader() *Reader {
	return &Reader{buf: b}
}

// ByteAt returns the byte at offset off.
func (b *SegmentedBuffer) ByteAt(off int) byte {
	if off < 0 || off >= b.length {
		panic("bufpool: offset out of range")
	}
	idx := off / b.pool.segmentSize
	return b.segs[idx][off%b.pool.segmentSize]
}

// Reader is a restartable sequential reader over a SegmentedBuffer.
type Reader struct {
	buf *SegmentedBuffer
	idx int
	off int
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	read := 0
	for read < len(p) {
		if r.idx >= len(r.buf.segs) {
			if read > 0 {
				return read, nil
			}
			return 0, io.EOF
		}
		seg := r.buf.segs[r.idx]
		if r.off >= len(seg) {
			r.idx++
			r.off = 0
			continue
		}
		n := copy(p[read:], seg[r.off:])
		r.off += n
		read += n
	}
	return read, nil
}

// Reset rewinds the reader to the start of the buffer.
func (r *Reader) Reset() {
	r.idx = 0
	r.off = 0
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.idx >= len(r.buf.segs) {
		return 0
	}
	rem := len(r.buf.segs[r.idx]) - r.off
	for i := r.idx + 1; i < len(r.buf.segs); i++ {
		rem += len(r.buf.segs[i])
	}
	return rem
}
