// Package shmring provides a single-producer, single-consumer byte ring
// with coalesced edge notifications, plus a process-wide handle registry
// so rings can be passed over the bus as plain integers.
package shmring

import (
	"context"
	"sync/atomic"
)

// Ring is a single-producer, single-consumer byte ring.
type Ring struct {
	buf  []byte
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	closed atomic.Bool

	readable chan struct{} // empty -> non-empty edge
	writable chan struct{} // full -> non-full edge
}

// New allocates a ring of size bytes. size must be a power of two >= 2.
func New(size int) *Ring {
	if size < 2 || (size&(size-1)) != 0 {
		panic("shmring: size must be power of two >= 2")
	}
	return &Ring{
		buf:      make([]byte, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func (r *Ring) size() uint32 { return uint32(len(r.buf)) }

// Cap returns the ring size in bytes.
func (r *Ring) Cap() int { return len(r.buf) }

// Space returns the bytes the producer may write.
func (r *Ring) Space() int {
	return int(r.size() - (r.wr.Load() - r.rd.Load()))
}

// Available returns the bytes the consumer may read.
func (r *Ring) Available() int {
	return int(r.wr.Load() - r.rd.Load())
}

// TryWriteFrom copies as much of src as fits and returns the count.
func (r *Ring) TryWriteFrom(src []byte) int {
	if len(src) == 0 || r.closed.Load() {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load()
	before := wr - rd
	n := int(r.size() - before)
	if n <= 0 {
		return 0
	}
	if len(src) < n {
		n = len(src)
	}

	idx := wr & r.mask
	first := copy(r.buf[idx:], src[:n])
	if first < n {
		copy(r.buf, src[first:n])
	}
	r.wr.Store(wr + uint32(n))

	if before == 0 {
		signal(r.readable)
	}
	return n
}

// TryReadInto copies up to len(dst) bytes out and returns the count.
func (r *Ring) TryReadInto(dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load()
	n := int(wr - rd)
	if n <= 0 {
		return 0
	}
	if len(dst) < n {
		n = len(dst)
	}

	idx := rd & r.mask
	first := copy(dst[:n], r.buf[idx:])
	if first < n {
		copy(dst[first:n], r.buf)
	}
	r.rd.Store(rd + uint32(n))

	if wr-rd == r.size() {
		signal(r.writable)
	}
	return n
}

// WriteAcquire returns the free space as up to two spans, in order. The
// producer fills them and then calls WriteCommit.
func (r *Ring) WriteAcquire() (p1, p2 []byte) {
	if r.closed.Load() {
		return nil, nil
	}
	wr := r.wr.Load()
	free := r.size() - (wr - r.rd.Load())
	if free == 0 {
		return nil, nil
	}
	idx := wr & r.mask
	if end := idx + free; end <= r.size() {
		return r.buf[idx:end], nil
	}
	return r.buf[idx:], r.buf[:free-(r.size()-idx)]
}

// WriteCommit publishes n bytes written into the acquired spans.
func (r *Ring) WriteCommit(n int) {
	if n <= 0 {
		return
	}
	wr := r.wr.Load()
	before := wr - r.rd.Load()
	r.wr.Store(wr + uint32(n))
	if before == 0 {
		signal(r.readable)
	}
}

// ReadAcquire returns the buffered bytes as up to two spans, in order. The
// consumer drains them and then calls ReadRelease.
func (r *Ring) ReadAcquire() (p1, p2 []byte) {
	rd := r.rd.Load()
	avail := r.wr.Load() - rd
	if avail == 0 {
		return nil, nil
	}
	idx := rd & r.mask
	if end := idx + avail; end <= r.size() {
		return r.buf[idx:end], nil
	}
	return r.buf[idx:], r.buf[:avail-(r.size()-idx)]
}

// ReadRelease frees n bytes taken from the acquired spans.
func (r *Ring) ReadRelease(n int) {
	if n <= 0 {
		return
	}
	rd := r.rd.Load()
	full := r.wr.Load()-rd == r.size()
	r.rd.Store(rd + uint32(n))
	if full {
		signal(r.writable)
	}
}

// WriteFrom blocks until all of src is written, the ring is closed, or
// ctx ends. It returns the bytes written.
func (r *Ring) WriteFrom(ctx context.Context, src []byte) (int, error) {
	total := 0
	for total < len(src) {
		if r.closed.Load() {
			return total, ErrClosed
		}
		n := r.TryWriteFrom(src[total:])
		total += n
		if n > 0 {
			continue
		}
		select {
		case <-r.writable:
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
	return total, nil
}

// ReadInto blocks until at least one byte is read, the ring is closed
// and drained, or ctx ends.
func (r *Ring) ReadInto(ctx context.Context, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	for {
		if n := r.TryReadInto(dst); n > 0 {
			return n, nil
		}
		if r.closed.Load() {
			return 0, ErrClosed
		}
		select {
		case <-r.readable:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close marks the ring closed and wakes both sides. Buffered bytes stay
// readable.
func (r *Ring) Close() {
	if r.closed.Swap(true) {
		return
	}
	signal(r.readable)
	signal(r.writable)
}

// Closed reports whether Close was called.
func (r *Ring) Closed() bool { return r.closed.Load() }

// Watermarks returns the raw consumer and producer indices.
func (r *Ring) Watermarks() (rd, wr uint32) {
	return r.rd.Load(), r.wr.Load()
}

func (r *Ring) Readable() <-chan struct{} { return r.readable }
func (r *Ring) Writable() <-chan struct{} { return r.writable }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
