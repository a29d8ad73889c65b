// softserial/dispatch.go
package softserial

// PinChange is the pin-change interrupt entry point for the busy-wait
// engine. Any port's receive pin may raise it; only the active listener runs.
func (r *Registry) PinChange() {
	if s := r.cur.Load(); s != nil {
		s.l.PinChange()
	}
}

// Tick is the periodic timer interrupt entry point for the oversampled
// engine.
func (r *Registry) Tick() {
	if s := r.cur.Load(); s != nil {
		s.l.Tick()
	}
}
