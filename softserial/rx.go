// softserial/rx.go
package softserial

type rxEvent uint8

const (
	rxNone rxEvent = iota
	rxByte
	rxParityError
	rxFramingError
)

// receiver is the oversampled receive state machine. pos is -1 while
// hunting for a start bit, then the index of the bit being sampled; the
// parity bit (if any) sits at DataBits and the stop bit after it.
type receiver struct {
	pos   int8
	count uint8
	acc   byte
}

func (r *receiver) reset() { *r = receiver{pos: -1} }

// step consumes one tick's logical line level (true = mark).
func (r *receiver) step(level bool, f Format, n uint8) (byte, rxEvent) {
	data := int8(f.DataBits)
	switch {
	case r.pos < 0:
		if level {
			r.count = 0
			return 0, rxNone
		}
		r.count++
		if r.count >= n-1 {
			// Start bit committed; seed the counter so data bits are
			// sampled near their middle.
			r.count = (n - 1) / 2
			r.pos = 0
			r.acc = 0
		}
		return 0, rxNone

	case r.pos < data:
		if r.count++; r.count < n {
			return 0, rxNone
		}
		r.count = 0
		if level {
			r.acc |= 1 << uint8(r.pos)
		}
		r.pos++
		return 0, rxNone

	case r.pos == data && f.Parity != ParityNone:
		if r.count++; r.count < n {
			return 0, rxNone
		}
		r.count = 0
		if level != parityBit(r.acc, f.DataBits, f.Parity) {
			r.pos = -1
			return 0, rxParityError
		}
		r.pos++
		return 0, rxNone

	default: // stop bit
		if r.count++; r.count < n {
			return 0, rxNone
		}
		r.count = 0
		r.pos = -1
		if !level {
			return 0, rxFramingError
		}
		return r.acc, rxByte
	}
}

// receive runs from the pin-change interrupt and clocks one whole 8N1
// frame in with counted delays.
func (e *busyWait) receive() {
	p := e.p
	cal := e.cal
	if cal.StopBit == 0 {
		return
	}
	// Start bit is a space: low in normal logic, high when inverted.
	if e.rx.Get() != p.inverted {
		p.stats.falseStarts.Add(1)
		return
	}

	e.delay.Delay(cal.Centering)

	var v byte
	for mask := byte(1); mask != 0; mask <<= 1 {
		e.delay.Delay(cal.IntraBit)
		if e.rx.Get() {
			v |= mask
		}
	}

	// Skip the stop bit without sampling it.
	e.delay.Delay(cal.StopBit)

	if p.inverted {
		v = ^v
	}
	p.deliver(v)
}
