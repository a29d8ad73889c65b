// softserial/port.go
package softserial

import (
	"context"
	"sync"
	"sync/atomic"

	"softserial-go/errcode"
	"softserial-go/x/mathx"

	"tinygo.org/x/drivers"
)

// Config describes one port at construction time.
type Config struct {
	RX Pin // must also be an IRQPin for BusyWait
	TX Pin

	Inverted   bool       // idle low, start bit high
	Mode       Discipline // timing discipline
	Oversample int        // ticks per bit (Oversampled only), default 4

	RxSize int // receive ring storage, default DefaultRxSize
	TxSize int // transmit ring storage (Oversampled only), default DefaultTxSize

	Platform Platform
	Registry *Registry // nil selects DefaultRegistry
}

// Port is one software serial channel.
type Port struct {
	rx, tx   Pin
	inverted bool
	mode     Discipline
	reg      *Registry
	eng      engine

	rxRing   *Ring
	txRing   *Ring
	notify   chan struct{}
	txNotify chan struct{}
	stats    counters

	mu     sync.Mutex // Configure/Shutdown
	format Format
	baud   atomic.Uint32
}

var _ drivers.UART = (*Port)(nil)
var _ Listener = (*Port)(nil)

// New configures the pins and returns an idle port. Nothing listens until
// Configure or Listen is called.
func New(cfg Config) (*Port, error) {
	const op = "softserial.New"
	if cfg.RX == nil || cfg.TX == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: op, Msg: "rx and tx pins required"}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = DefaultRegistry
	}
	if cfg.RxSize <= 0 {
		cfg.RxSize = DefaultRxSize
	}
	if cfg.TxSize <= 0 {
		cfg.TxSize = DefaultTxSize
	}

	p := &Port{
		rx:       cfg.RX,
		tx:       cfg.TX,
		inverted: cfg.Inverted,
		mode:     cfg.Mode,
		reg:      reg,
		rxRing:   NewRing(cfg.RxSize),
		notify:   make(chan struct{}, 1),
		txNotify: make(chan struct{}, 1),
		format:   Format8N1,
	}

	plat := cfg.Platform
	switch cfg.Mode {
	case BusyWait:
		irq, ok := cfg.RX.(IRQPin)
		if !ok {
			return nil, &errcode.E{C: errcode.Unsupported, Op: op, Msg: "rx pin has no pin-change interrupt"}
		}
		if plat.Delay == nil || plat.IRQ == nil {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: op, Msg: "busy-wait needs a delayer and interrupt mask"}
		}
		table := plat.Table
		if table == nil {
			table, _ = LookupTable(plat.ClockHz)
		}
		p.txRing = NewRing(2)
		p.eng = &busyWait{p: p, rx: irq, delay: plat.Delay, irq: plat.IRQ, table: table}
	case Oversampled:
		if plat.Timer == nil {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: op, Msg: "oversampled needs a timer"}
		}
		n := cfg.Oversample
		if n == 0 {
			n = DefaultOversample
		}
		p.txRing = NewRing(cfg.TxSize)
		p.eng = newOversampled(p, plat.Timer, uint8(mathx.Clamp(n, 3, 16)))
	default:
		return nil, &errcode.E{C: errcode.Unsupported, Op: op, Msg: cfg.Mode.String()}
	}

	// TX idles at mark before it becomes an output; RX gets a pull-up only
	// in normal logic.
	if err := cfg.TX.ConfigureOutput(!cfg.Inverted); err != nil {
		return nil, errcode.Wrap(errcode.Of(err), op, err)
	}
	pull := PullUp
	if cfg.Inverted {
		pull = PullNone
	}
	if err := cfg.RX.ConfigureInput(pull); err != nil {
		return nil, errcode.Wrap(errcode.Of(err), op, err)
	}
	return p, nil
}

// Configure arms timing and the interrupt source for baud and makes the
// port the active listener. The format applies to Oversampled ports only;
// BusyWait always runs 8N1.
//
// A busy-wait rate missing from the calibration table leaves the port
// listening but unable to send or receive, and reports unsupported_baud.
// An oversampled rate outside [MinBaud, MaxBaud] is replaced by DefaultBaud;
// Baud and Stats.BaudFallbacks show when that happened.
func (p *Port) Configure(baud uint32, f Format) error {
	const op = "softserial.Configure"
	p.mu.Lock()
	defer p.mu.Unlock()

	f = f.OrDefault()
	if p.mode == BusyWait {
		f = Format8N1
	} else if !f.Valid() {
		return &errcode.E{C: errcode.InvalidFormat, Op: op, Msg: f.String()}
	}

	eff, err := p.eng.configure(baud, f)
	p.baud.Store(eff)
	p.format = f
	p.Listen()
	if err != nil {
		return errcode.Wrap(errcode.Of(err), op, err)
	}
	return nil
}

// Shutdown disarms the interrupt or timer source. Buffers are kept and a
// frame in flight is abandoned.
func (p *Port) Shutdown() {
	p.mu.Lock()
	p.eng.shutdown()
	p.mu.Unlock()
}

// Listen makes p the active listener and reports whether a switch happened.
// On a switch both rings and the state machines are reset.
func (p *Port) Listen() bool {
	return p.reg.acquire(p, p.resetAll)
}

// StopListening gives up the active listener slot if p holds it.
func (p *Port) StopListening() bool {
	if !p.IsListening() {
		return false
	}
	critical(func() { p.reg.release(p) }, p.eng.source())
	return true
}

// IsListening reports whether p is the active listener.
func (p *Port) IsListening() bool { return p.reg.Is(p) }

func (p *Port) resetAll() {
	p.rxRing.Reset()
	p.txRing.Reset()
	p.eng.reset()
	p.eng.activate()
}

// ---- interrupt side ----

// PinChange is called by the registry for the active listener.
func (p *Port) PinChange() { p.eng.pinChange() }

// Tick is called by the registry for the active listener.
func (p *Port) Tick() { p.eng.tick() }

// Source returns the interrupt source that feeds the port.
func (p *Port) Source() IRQSource { return p.eng.source() }

// deliver stores a completed byte. Interrupt context.
func (p *Port) deliver(b byte) {
	if !p.rxRing.TryPush(b) {
		p.stats.overruns.Add(1)
		return
	}
	p.stats.rxBytes.Add(1)
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// ---- writing ----

// WriteByte sends one byte. BusyWait blocks for the whole frame and
// returns not_configured before a successful Configure; Oversampled queues
// the byte and only waits while the transmit ring is full.
func (p *Port) WriteByte(b byte) error {
	return p.eng.send(context.Background(), b)
}

// Write implements io.Writer.
func (p *Port) Write(buf []byte) (int, error) {
	return p.WriteContext(context.Background(), buf)
}

// WriteContext is Write with cancellation of the full-ring wait.
func (p *Port) WriteContext(ctx context.Context, buf []byte) (int, error) {
	for i, b := range buf {
		if err := p.eng.send(ctx, b); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// TryWrite queues what fits in the transmit ring without waiting and
// returns the count. BusyWait ports send synchronously and take it all.
func (p *Port) TryWrite(buf []byte) (int, error) {
	if p.mode == BusyWait {
		return p.Write(buf)
	}
	n := p.txRing.Free()
	if n > len(buf) {
		n = len(buf)
	}
	return p.WriteContext(context.Background(), buf[:n])
}

// Writable returns a coalesced notification raised when the transmitter
// takes a byte from the ring.
func (p *Port) Writable() <-chan struct{} { return p.txNotify }

// TxFree returns the space left in the transmit ring.
func (p *Port) TxFree() int { return p.txRing.Free() }

// TxIdle reports whether nothing is queued or on the wire.
func (p *Port) TxIdle() bool { return p.eng.idle() }

// ---- reading ----

// ReadByte returns the oldest received byte, or buffer_empty when there is
// none or the port is not listening.
func (p *Port) ReadByte() (byte, error) {
	if !p.IsListening() {
		return 0, errcode.BufferEmpty
	}
	b, ok := p.rxRing.TryPop()
	if !ok {
		return 0, errcode.BufferEmpty
	}
	return b, nil
}

// Read copies whatever is buffered into buf. It never blocks and returns
// 0, nil when nothing is available.
func (p *Port) Read(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		b, err := p.ReadByte()
		if err != nil {
			break
		}
		buf[n] = b
		n++
	}
	return n, nil
}

// Peek returns the oldest received byte without consuming it.
func (p *Port) Peek() (byte, error) {
	if !p.IsListening() {
		return 0, errcode.BufferEmpty
	}
	b, ok := p.rxRing.Peek()
	if !ok {
		return 0, errcode.BufferEmpty
	}
	return b, nil
}

// Available returns how many received bytes are waiting.
func (p *Port) Available() int {
	if !p.IsListening() {
		return 0
	}
	return p.rxRing.Count()
}

// Buffered is Available under the name drivers.UART uses.
func (p *Port) Buffered() int { return p.Available() }

// Flush discards pending receive data. Oversampled ports first wait for
// queued output to leave the pin.
func (p *Port) Flush() {
	if !p.IsListening() {
		return
	}
	p.eng.drain()
	critical(p.rxRing.Discard, p.eng.source())
}

// Readable returns a coalesced notification raised when a byte is stored.
// Callers must re-check Available after waking.
func (p *Port) Readable() <-chan struct{} { return p.notify }

// RecvSomeContext blocks until at least one byte is available, then reads
// up to len(buf).
func (p *Port) RecvSomeContext(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		if n, _ := p.Read(buf); n > 0 {
			return n, nil
		}
		select {
		case <-p.notify:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// ReadByteContext blocks for a single byte or until ctx is done.
func (p *Port) ReadByteContext(ctx context.Context) (byte, error) {
	for {
		if b, err := p.ReadByte(); err == nil {
			return b, nil
		}
		select {
		case <-p.notify:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// ---- status ----

// Overflow reports the sticky receive overflow flag. It is cleared only
// when the port becomes the active listener again.
func (p *Port) Overflow() bool { return p.rxRing.Overflow() }

// Stats returns a snapshot of the fault and traffic counters.
func (p *Port) Stats() Stats { return p.stats.snapshot() }

// Baud returns the rate in effect, 0 before a successful Configure.
func (p *Port) Baud() uint32 { return p.baud.Load() }

// Format returns the configured frame shape.
func (p *Port) Format() Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Mode returns the port's timing discipline.
func (p *Port) Mode() Discipline { return p.mode }

// Pins returns the receive and transmit pin numbers.
func (p *Port) Pins() (rx, tx int) { return p.rx.Number(), p.tx.Number() }
