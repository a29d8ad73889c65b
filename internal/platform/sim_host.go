// internal/platform/sim_host.go
//go:build !rp2040 && !rp2350

package platform

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"softserial-go/errcode"
	"softserial-go/softserial"
)

// DefaultLoopCycles is what one Delay iteration costs on a simulated
// board. It matches the cycle budget the shipped calibration tables assume.
const DefaultLoopCycles = 7

// ----------------------------- Board -----------------------------------------

// Board is one simulated MCU: a CPU cycle counter, the global interrupt
// flag, its pins and one periodic timer. Delays advance the counter instead
// of sleeping, so frame timing is exact and repeatable.
type Board struct {
	clockHz uint32
	loop    uint32
	now     atomic.Uint64
	irqOff  atomic.Bool

	mu    sync.Mutex
	pins  map[int]*Pin
	timer *Timer
}

// NewBoard returns a board clocked at clockHz.
func NewBoard(clockHz uint32) *Board {
	b := &Board{clockHz: clockHz, loop: DefaultLoopCycles, pins: make(map[int]*Pin)}
	b.timer = &Timer{board: b, spec: softserial.TimerSpec{
		ClockHz:    clockHz,
		Prescalers: []uint32{1, 4, 16, 64},
		MaxCompare: 0xFFFF,
	}}
	return b
}

// SetLoopCycles changes the cost of one Delay iteration.
func (b *Board) SetLoopCycles(n uint32) { b.loop = n }

// ClockHz returns the CPU clock.
func (b *Board) ClockHz() uint32 { return b.clockHz }

// Now returns the cycle counter.
func (b *Board) Now() uint64 { return b.now.Load() }

// Advance moves the cycle counter forward.
func (b *Board) Advance(cycles uint64) { b.now.Add(cycles) }

func (b *Board) advanceTo(t uint64) {
	for {
		cur := b.now.Load()
		if cur >= t || b.now.CompareAndSwap(cur, t) {
			return
		}
	}
}

// Delay implements softserial.Delayer.
func (b *Board) Delay(count uint16) { b.now.Add(uint64(count) * uint64(b.loop)) }

// Disable implements softserial.InterruptMasker.
func (b *Board) Disable() uintptr {
	if b.irqOff.Swap(true) {
		return 1
	}
	return 0
}

// Restore implements softserial.InterruptMasker.
func (b *Board) Restore(state uintptr) { b.irqOff.Store(state != 0) }

// InterruptsEnabled reports the global interrupt flag.
func (b *Board) InterruptsEnabled() bool { return !b.irqOff.Load() }

// Pin returns the stable pin instance for n.
func (b *Board) Pin(n int) *Pin {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[n]
	if !ok {
		p = &Pin{board: b, number: n}
		b.pins[n] = p
	}
	return p
}

// MaxPin is the highest pin number LookupPin hands out.
const MaxPin = 29

// LookupPin returns pin n as a softserial.Pin, or unknown_pin.
func (b *Board) LookupPin(n int) (softserial.Pin, error) {
	if n < 0 || n > MaxPin {
		return nil, errcode.UnknownPin
	}
	return b.Pin(n), nil
}

// Timer returns the board's periodic timer.
func (b *Board) Timer() *Timer { return b.timer }

// Platform bundles the board as softserial collaborators. table may be nil
// to use the registered table for the board clock.
func (b *Board) Platform(table *softserial.Table) softserial.Platform {
	return softserial.Platform{
		ClockHz: b.clockHz,
		Delay:   b,
		Timer:   b.timer,
		IRQ:     b,
		Table:   table,
	}
}

// ----------------------------- Wire ------------------------------------------

type edge struct {
	at    uint64
	level bool
}

// maxEdges bounds wire history; older edges fold into the base level.
const maxEdges = 4096

// Wire is a signal line recorded as timestamped level changes. The driver
// appends edges at its board time and readers look the level up at theirs.
type Wire struct {
	mu    sync.Mutex
	base  bool
	edges []edge
}

// NewWire returns a line idling at level.
func NewWire(level bool) *Wire { return &Wire{base: level} }

// Connect joins pins to one new wire idling high.
func Connect(pins ...*Pin) *Wire {
	w := NewWire(true)
	for _, p := range pins {
		p.Attach(w)
	}
	return w
}

// Drive records the line level from time at onwards.
func (w *Wire) Drive(at uint64, level bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	last := w.base
	if n := len(w.edges); n > 0 {
		last = w.edges[n-1].level
		if at < w.edges[n-1].at {
			at = w.edges[n-1].at
		}
	}
	if level == last {
		return
	}
	w.edges = append(w.edges, edge{at: at, level: level})
	if len(w.edges) > maxEdges {
		half := len(w.edges) / 2
		w.base = w.edges[half-1].level
		w.edges = append(w.edges[:0], w.edges[half:]...)
	}
}

// LevelAt returns the line level at time t.
func (w *Wire) LevelAt(t uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.edges) - 1; i >= 0; i-- {
		if w.edges[i].at <= t {
			return w.edges[i].level
		}
	}
	return w.base
}

// Level returns the most recently driven level.
func (w *Wire) Level() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.edges); n > 0 {
		return w.edges[n-1].level
	}
	return w.base
}

// Edges returns the number of recorded level changes.
func (w *Wire) Edges() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.edges)
}

// firstAfter returns the time of the earliest edge later than t.
func (w *Wire) firstAfter(t uint64) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.edges {
		if e.at > t {
			return e.at, true
		}
	}
	return 0, false
}

// ----------------------------- Pin -------------------------------------------

// Pin implements softserial.Pin and softserial.IRQPin. A pin on a wire
// reads and drives the wire at its board's time; an unattached pin keeps
// its own level and reads its pull when configured as input.
type Pin struct {
	board  *Board
	number int

	mu      sync.Mutex
	wire    *Wire
	out     bool
	level   bool
	pull    softserial.Pull
	handler func()
	seen    uint64

	irqOn atomic.Bool
}

// Attach puts the pin on w.
func (p *Pin) Attach(w *Wire) {
	p.mu.Lock()
	p.wire = w
	p.mu.Unlock()
}

// Wire returns the attached wire, or nil.
func (p *Pin) Wire() *Wire {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wire
}

func (p *Pin) ConfigureInput(pull softserial.Pull) error {
	p.mu.Lock()
	p.out = false
	p.pull = pull
	p.mu.Unlock()
	return nil
}

func (p *Pin) ConfigureOutput(initial bool) error {
	p.mu.Lock()
	p.out = true
	p.mu.Unlock()
	p.Set(initial)
	return nil
}

func (p *Pin) Set(level bool) {
	p.mu.Lock()
	w := p.wire
	p.level = level
	p.mu.Unlock()
	if w != nil {
		w.Drive(p.board.Now(), level)
	}
}

func (p *Pin) Get() bool {
	p.mu.Lock()
	w, out, level, pull := p.wire, p.out, p.level, p.pull
	p.mu.Unlock()
	switch {
	case w != nil:
		return w.LevelAt(p.board.Now())
	case out:
		return level
	default:
		return pull == softserial.PullUp
	}
}

func (p *Pin) Number() int { return p.number }

func (p *Pin) SetIRQ(handler func()) error {
	p.mu.Lock()
	p.handler = handler
	p.seen = p.board.Now()
	p.mu.Unlock()
	p.irqOn.Store(handler != nil)
	return nil
}

func (p *Pin) ClearIRQ() error {
	p.irqOn.Store(false)
	p.mu.Lock()
	p.handler = nil
	p.mu.Unlock()
	return nil
}

func (p *Pin) Mask() bool { return p.irqOn.Swap(false) }

func (p *Pin) Restore(wasEnabled bool) {
	if wasEnabled {
		p.irqOn.Store(true)
	}
}

// Deliver replays wire edges newer than the last delivery as pin-change
// interrupts and returns how many times the handler ran. The board clock
// jumps to each edge before the handler runs. Edges arriving while the
// handler runs coalesce into one pending interrupt taken when it returns.
func (p *Pin) Deliver() int {
	calls := 0
	for {
		p.mu.Lock()
		w, h, seen := p.wire, p.handler, p.seen
		p.mu.Unlock()
		if w == nil {
			return calls
		}
		at, ok := w.firstAfter(seen)
		if !ok {
			return calls
		}
		p.board.advanceTo(at)
		fire := p.board.Now()
		p.mu.Lock()
		p.seen = fire
		p.mu.Unlock()
		if h == nil || !p.irqOn.Load() {
			continue
		}
		h()
		calls++
	}
}

// ----------------------------- Timer -----------------------------------------

// Timer implements softserial.Timer. Ticks are driven explicitly with Tick
// or from a goroutine with Run. A masked timer keeps counting but takes no
// interrupts until Restore.
type Timer struct {
	board *Board
	spec  softserial.TimerSpec

	mu      sync.Mutex
	set     softserial.TimerSetting
	handler func()
	running bool
	enabled bool
	masked  bool
	ticks   uint64
}

func (t *Timer) Spec() softserial.TimerSpec { return t.spec }

func (t *Timer) Start(s softserial.TimerSetting, handler func()) error {
	t.mu.Lock()
	t.set = s
	t.handler = handler
	t.running = true
	t.enabled = !t.masked
	t.mu.Unlock()
	return nil
}

func (t *Timer) Stop() {
	t.mu.Lock()
	t.running = false
	t.handler = nil
	t.mu.Unlock()
}

func (t *Timer) Mask() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.enabled
	t.enabled = false
	t.masked = true
	return was
}

func (t *Timer) Restore(wasEnabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.masked = false
	if wasEnabled {
		t.enabled = true
	}
}

// Setting returns the last programmed prescaler and compare value.
func (t *Timer) Setting() softserial.TimerSetting {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set
}

// Period returns the cycles between interrupts, 0 when stopped.
func (t *Timer) Period() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.periodLocked()
}

func (t *Timer) periodLocked() uint64 {
	if !t.running {
		return 0
	}
	return uint64(t.set.Prescaler) * (uint64(t.set.Compare) + 1)
}

// Ticks returns how many interrupts have been taken.
func (t *Timer) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Tick advances the board by n timer periods, taking the interrupt at the
// end of each one. It returns the number of interrupts taken.
func (t *Timer) Tick(n int) int {
	taken := 0
	for i := 0; i < n; i++ {
		t.mu.Lock()
		per := t.periodLocked()
		if per == 0 {
			t.mu.Unlock()
			break
		}
		t.board.Advance(per)
		if t.enabled && t.handler != nil {
			t.handler()
			t.ticks++
			taken++
		}
		t.mu.Unlock()
	}
	return taken
}

// Run ticks the timer in real time until ctx is done. Ticks are batched
// per slice so high tick rates do not need a matching OS timer.
func (t *Timer) Run(ctx context.Context, slice time.Duration) {
	if slice <= 0 {
		slice = time.Millisecond
	}
	tk := time.NewTicker(slice)
	defer tk.Stop()
	var carry float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		per := t.Period()
		if per == 0 {
			continue
		}
		carry += float64(t.board.clockHz) * slice.Seconds() / float64(per)
		n := int(carry)
		carry -= float64(n)
		t.Tick(n)
	}
}
