// Package bufpool provides a pool of fixed-size byte segments and a
// segmented buffer built on top of it. Log bursts need large buffers
// transiently; pooling fixed segments lets a buffer grow without
// relocating what has already been written.
package bufpool

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoBuffersAvailable is returned by TryGet when the pool is empty.
	ErrNoBuffersAvailable = errors.New("no buffers available in pool")
	// ErrPoolClosed is returned by Get when the pool has been closed.
	ErrPoolClosed = errors.New("pool is closed")
)

// InitError reports an invalid capacity pair passed to NewPool.
type InitError struct {
	InitialCapacity    int
	MaxReserveCapacity int
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initial capacity %d larger than max reserve capacity %d",
		e.InitialCapacity, e.MaxReserveCapacity)
}

// Pool hands out byte segments of a fixed size. A segment is owned by
// exactly one holder at a time; returning it makes it available for reuse.
// The reserve is bounded: segments returned to a full pool are dropped.
type Pool struct {
	segments    chan []byte
	segmentSize int
	done        chan struct{}
}

// NewPool creates a pool of segmentSize-byte segments with initialCapacity
// segments pre-allocated and at most maxReserveCapacity segments kept idle.
func NewPool(segmentSize, initialCapacity, maxReserveCapacity int) (*Pool, error) {
	if initialCapacity > maxReserveCapacity {
		return nil, &InitError{
			InitialCapacity:    initialCapacity,
			MaxReserveCapacity: maxReserveCapacity,
		}
	}
	p := &Pool{
		segments:    make(chan []byte, maxReserveCapacity),
		segmentSize: segmentSize,
		done:        make(chan struct{}),
	}
	for i := 0; i < initialCapacity; i++ {
		p.segments <- make([]byte, 0, segmentSize)
	}
	return p, nil
}

// SegmentSize reports the capacity of each segment.
func (p *Pool) SegmentSize() int { return p.segmentSize }

// Len reports the number of idle segments.
func (p *Pool) Len() int { return len(p.segments) }

// TryGet returns an idle segment without blocking.
func (p *Pool) TryGet() ([]byte, error) {
	select {
	case seg := <-p.segments:
		return seg, nil
	default:
		return nil, ErrNoBuffersAvailable
	}
}

// Get returns an idle segment, blocking until one is available, the pool
// is closed, or ctx is done.
func (p *Pool) Get(ctx context.Context) ([]byte, error) {
	select {
	case seg := <-p.segments:
		return seg, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a segment to the pool. The segment is cleared before reuse.
// If the reserve is full the segment is dropped.
func (p *Pool) Put(seg []byte) {
	if cap(seg) < p.segmentSize {
		return
	}
	seg = seg[:0]
	select {
	case p.segments <- seg:
	default:
	}
}

// Close releases the pool. Blocked Get calls return ErrPoolClosed.
func (p *Pool) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}
