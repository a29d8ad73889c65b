// softserial/engine.go
package softserial

import (
	"context"
	"runtime"
	"sync/atomic"

	"softserial-go/errcode"
)

// Discipline selects how bits are timed.
type Discipline uint8

const (
	// BusyWait detects a start bit with a pin-change interrupt and clocks
	// the whole frame with counted delay loops.
	BusyWait Discipline = iota
	// Oversampled advances receive and transmit state machines from a
	// periodic timer interrupt running at a multiple of the baud rate.
	Oversampled
)

func (d Discipline) String() string {
	switch d {
	case BusyWait:
		return "busywait"
	case Oversampled:
		return "oversampled"
	default:
		return "unknown"
	}
}

// ParseDiscipline accepts the names produced by String.
func ParseDiscipline(s string) (Discipline, error) {
	switch s {
	case "busywait", "busy-wait", "":
		return BusyWait, nil
	case "oversampled":
		return Oversampled, nil
	}
	return 0, errcode.Unsupported
}

// DefaultOversample is the ticks-per-bit used when Config.Oversample is 0.
const DefaultOversample = 4

// engine is one timing discipline. A Port holds exactly one.
type engine interface {
	// configure arms timing for baud and returns the rate in effect.
	configure(baud uint32, f Format) (uint32, error)
	shutdown()
	send(ctx context.Context, b byte) error
	pinChange()
	tick()
	// reset puts private state machine fields back to idle.
	reset()
	// drain blocks until queued output has left the pin.
	drain()
	// activate re-arms shared timing for this port on a listener switch.
	activate()
	idle() bool
	source() IRQSource
}

// ---- busy-wait ----

type busyWait struct {
	p      *Port
	rx     IRQPin
	delay  Delayer
	irq    InterruptMasker
	table  *Table
	cal    Calibration
	adjust uint16
}

func (e *busyWait) configure(baud uint32, _ Format) (uint32, error) {
	e.cal = Calibration{}
	if e.table != nil {
		e.cal = e.table.Lookup(baud)
		e.adjust = e.table.StartAdjust
	}
	if e.cal.StopBit != 0 {
		if err := e.rx.SetIRQ(e.p.reg.PinChange); err != nil {
			return 0, err
		}
		// Let a line that was held low settle before the first frame.
		e.delay.Delay(e.cal.Tx)
	}
	if e.cal.Tx == 0 || e.cal.StopBit == 0 {
		return 0, errcode.UnsupportedBaud
	}
	return baud, nil
}

func (e *busyWait) shutdown()                            { _ = e.rx.ClearIRQ() }
func (e *busyWait) send(_ context.Context, b byte) error { return e.transmit(b) }
func (e *busyWait) pinChange()                           { e.receive() }
func (e *busyWait) tick()                                {}
func (e *busyWait) reset()                               {}
func (e *busyWait) drain()                               {}
func (e *busyWait) activate()                            {}
func (e *busyWait) idle() bool                           { return true }
func (e *busyWait) source() IRQSource                    { return e.rx }

// ---- oversampled ----

type oversampled struct {
	p     *Port
	timer Timer
	n     uint8
	set   TimerSetting // rate programmed by the last configure

	// Tick context only, except under critical.
	format Format
	rx     receiver
	tx     transmitter
	sample bool // raw rx level captured at the top of the tick
	out    bool // raw tx level decided on the previous tick

	busy    atomic.Bool // transmitter holds a frame
	running atomic.Bool // timer armed
	next    func() (byte, bool)
}

func newOversampled(p *Port, t Timer, n uint8) *oversampled {
	e := &oversampled{p: p, timer: t, n: n, format: Format8N1}
	e.next = e.dequeue
	e.reset()
	return e
}

func (e *oversampled) configure(baud uint32, f Format) (uint32, error) {
	b, fell := ClampBaud(baud)
	if fell {
		e.p.stats.baudFallbacks.Add(1)
	}
	set, err := ComputeTimer(e.timer.Spec(), b, int(e.n))
	if err != nil {
		return 0, err
	}
	critical(func() {
		e.format = f
		e.set = set
		e.reset()
	}, e.timer)
	if err := e.timer.Start(set, e.p.reg.Tick); err != nil {
		return 0, err
	}
	e.running.Store(true)
	return b, nil
}

func (e *oversampled) shutdown() {
	e.timer.Stop()
	e.running.Store(false)
}

func (e *oversampled) send(ctx context.Context, b byte) error {
	r := e.p.txRing
	for r.Free() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		runtime.Gosched()
	}
	r.TryPush(b)
	e.p.stats.txBytes.Add(1)
	return nil
}

func (e *oversampled) pinChange() {}

// activate restores this port's rate on a timer another port may have
// reprogrammed. Runs masked, from the listener switch.
func (e *oversampled) activate() {
	if !e.running.Load() {
		return
	}
	_ = e.timer.Start(e.set, e.p.reg.Tick)
}

// tick is the per-period body run for the active listener: sample rx, drive
// the level decided last tick, then advance receive and transmit.
func (e *oversampled) tick() {
	p := e.p
	e.sample = p.rx.Get()
	p.tx.Set(e.out)

	b, ev := e.rx.step(e.sample != p.inverted, e.format, e.n)
	switch ev {
	case rxByte:
		p.deliver(b)
	case rxParityError:
		p.stats.parityErrors.Add(1)
	case rxFramingError:
		p.stats.framingErrors.Add(1)
	}

	e.out = e.tx.step(e.next, e.format, e.n) != p.inverted
	if e.tx.idle() {
		e.busy.Store(false)
	}
}

// dequeue marks the transmitter busy before the byte leaves the ring so
// idle never reads true in between.
func (e *oversampled) dequeue() (byte, bool) {
	r := e.p.txRing
	if r.Empty() {
		return 0, false
	}
	e.busy.Store(true)
	b, ok := r.TryPop()
	select {
	case e.p.txNotify <- struct{}{}:
	default:
	}
	return b, ok
}

func (e *oversampled) reset() {
	e.rx.reset()
	e.tx.reset()
	e.out = !e.p.inverted
	e.sample = !e.p.inverted
	e.busy.Store(false)
}

func (e *oversampled) drain() {
	for e.running.Load() && e.p.reg.Is(e.p) && !e.idle() {
		runtime.Gosched()
	}
}

func (e *oversampled) idle() bool        { return e.p.txRing.Empty() && !e.busy.Load() }
func (e *oversampled) source() IRQSource { return e.timer }
