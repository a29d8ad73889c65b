// softserial/tx.go
package softserial

import "softserial-go/errcode"

// transmitter is the oversampled transmit state machine. It mirrors
// receiver: pos -1 covers idle and the start bit, data bits follow, then
// parity and the stop bits.
type transmitter struct {
	pos   int8
	count uint8
	acc   byte
}

func (t *transmitter) reset() { *t = transmitter{pos: -1} }

func (t *transmitter) idle() bool { return t.pos < 0 && t.count == 0 }

// step decides the logical level (true = mark) to drive on the next tick.
// next is asked for a byte only when the line is idle.
func (t *transmitter) step(next func() (byte, bool), f Format, n uint8) bool {
	data := int8(f.DataBits)
	switch {
	case t.pos < 0:
		if t.count == 0 {
			b, ok := next()
			if !ok {
				return true
			}
			t.acc = b
			t.count = 1
			return false
		}
		if t.count++; t.count >= n {
			t.count = 0
			t.pos = 0
		}
		return false

	case t.pos < data:
		level := t.acc&(1<<uint8(t.pos)) != 0
		if t.count++; t.count >= n {
			t.count = 0
			t.pos++
		}
		return level

	case t.pos == data && f.Parity != ParityNone:
		level := parityBit(t.acc, f.DataBits, f.Parity)
		if t.count++; t.count >= n {
			t.count = 0
			t.pos++
		}
		return level

	default: // stop bits
		if t.count++; t.count >= n*f.StopBits {
			t.count = 0
			t.pos = -1
		}
		return true
	}
}

// transmit clocks one 8N1 frame out with global interrupts masked, then
// waits one more bit period with interrupts back on.
func (e *busyWait) transmit(b byte) error {
	p := e.p
	cal := e.cal
	if cal.Tx == 0 {
		return errcode.NotConfigured
	}
	mark, space := !p.inverted, p.inverted

	state := e.irq.Disable()

	p.tx.Set(space)
	e.delay.Delay(cal.Tx + e.adjust)

	for mask := byte(1); mask != 0; mask <<= 1 {
		if b&mask != 0 {
			p.tx.Set(mark)
		} else {
			p.tx.Set(space)
		}
		e.delay.Delay(cal.Tx)
	}

	p.tx.Set(mark)
	e.irq.Restore(state)
	e.delay.Delay(cal.Tx)

	p.stats.txBytes.Add(1)
	return nil
}
