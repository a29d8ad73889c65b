// softserial/registry.go
package softserial

import "sync/atomic"

// Listener is the capability every port offers to the shared interrupt
// dispatch.
type Listener interface {
	// PinChange advances the receiver once per pin-change interrupt.
	PinChange()
	// Tick advances receive and transmit by one timer period.
	Tick()
	// Source is the interrupt source feeding this listener.
	Source() IRQSource
}

// Registry is the single-owner slot naming the active listener. The
// interrupt handlers of a platform are bound to its PinChange and Tick.
type Registry struct {
	cur atomic.Pointer[slot]
}

type slot struct{ l Listener }

// DefaultRegistry is used by ports created without an explicit Registry.
var DefaultRegistry = &Registry{}

// Active returns the current listener, or nil.
func (r *Registry) Active() Listener {
	if s := r.cur.Load(); s != nil {
		return s.l
	}
	return nil
}

// Is reports whether l is the active listener.
func (r *Registry) Is(l Listener) bool {
	s := r.cur.Load()
	return s != nil && s.l == l
}

// acquire makes l the active listener unless it already is. reset runs with
// both the outgoing and incoming interrupt sources masked, before l becomes
// visible to the interrupt path.
func (r *Registry) acquire(l Listener, reset func()) bool {
	old := r.Active()
	if old == l {
		return false
	}
	var oldSrc IRQSource
	if old != nil {
		oldSrc = old.Source()
	}
	critical(func() {
		reset()
		r.cur.Store(&slot{l: l})
	}, l.Source(), oldSrc)
	return true
}

// release clears the slot if l holds it.
func (r *Registry) release(l Listener) {
	s := r.cur.Load()
	if s != nil && s.l == l {
		r.cur.CompareAndSwap(s, nil)
	}
}
