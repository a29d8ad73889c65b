// softserial/ring.go
package softserial

import "sync/atomic"

// Default ring storage sizes. A ring of size S holds S-1 bytes.
const (
	DefaultRxSize = 64
	DefaultTxSize = 64
)

// Ring is a fixed-capacity byte FIFO shared between one producer and one
// consumer running in different contexts (ISR and foreground).
//
// Ownership:
//   - only the producer stores tail (next slot to write);
//   - only the consumer stores head (next slot to read);
//   - Reset stores both and must run with the producer's interrupt masked.
type Ring struct {
	buf      []byte
	head     atomic.Uint32
	tail     atomic.Uint32
	overflow atomic.Bool
}

// NewRing returns a ring with size slots (minimum 2).
func NewRing(size int) *Ring {
	if size < 2 {
		size = 2
	}
	return &Ring{buf: make([]byte, size)}
}

func (r *Ring) next(i uint32) uint32 {
	i++
	if i == uint32(len(r.buf)) {
		return 0
	}
	return i
}

// Cap returns how many bytes the ring can hold.
func (r *Ring) Cap() int { return len(r.buf) - 1 }

// Count returns how many bytes are stored.
func (r *Ring) Count() int {
	h := r.head.Load()
	t := r.tail.Load()
	n := len(r.buf)
	return (int(t) + n - int(h)) % n
}

// Free returns how many more bytes TryPush will accept.
func (r *Ring) Free() int { return r.Cap() - r.Count() }

// Empty reports head == tail.
func (r *Ring) Empty() bool { return r.head.Load() == r.tail.Load() }

// TryPush appends b. On a full ring the byte is dropped, the sticky overflow
// flag is set and false is returned.
func (r *Ring) TryPush(b byte) bool {
	t := r.tail.Load()
	nt := r.next(t)
	if nt == r.head.Load() {
		r.overflow.Store(true)
		return false
	}
	r.buf[t] = b     // 1) write data
	r.tail.Store(nt) // 2) publish
	return true
}

// TryPop removes and returns the oldest byte.
func (r *Ring) TryPop() (byte, bool) {
	h := r.head.Load()
	if h == r.tail.Load() {
		return 0, false
	}
	b := r.buf[h]           // 1) read current element
	r.head.Store(r.next(h)) // 2) publish consumption
	return b, true
}

// Peek returns the oldest byte without removing it.
func (r *Ring) Peek() (byte, bool) {
	h := r.head.Load()
	if h == r.tail.Load() {
		return 0, false
	}
	return r.buf[h], true
}

// Overflow reports whether a push was ever refused since the last Reset.
func (r *Ring) Overflow() bool { return r.overflow.Load() }

// Discard drops every stored byte. Only the consumer may call it; the
// overflow flag is left alone.
func (r *Ring) Discard() { r.head.Store(r.tail.Load()) }

// Reset empties the ring and clears the overflow flag.
func (r *Ring) Reset() {
	r.head.Store(0)
	r.tail.Store(0)
	r.overflow.Store(false)
}
