// internal/platform/platform_rp2040.go
//go:build rp2040

package platform

import (
	"device/arm"
	"device/rp"
	"machine"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"

	"softserial-go/errcode"
	"softserial-go/softserial"
)

// Spin loop cost used to derive the busy-wait table for the running clock.
const (
	rp2LoopCycles = 6
	rp2Overhead   = 30
)

var pwmIRQ interrupt.Interrupt

func init() {
	pwmIRQ = interrupt.New(rp.IRQ_PWM_IRQ_WRAP, pwmWrap)

	hz := machine.CPUFrequency()
	if _, ok := softserial.LookupTable(hz); !ok {
		softserial.RegisterTable(softserial.DeriveTable(hz, rp2LoopCycles, rp2Overhead))
	}
}

// ----------------------------- GPIO ------------------------------------------

// PinByNumber maps GP numbers directly to machine.Pin(n).
func PinByNumber(n int) (*Pin, bool) {
	if n < 0 || n > 28 {
		return nil, false
	}
	return &Pin{p: machine.Pin(n), n: n}, true
}

// LookupPin is PinByNumber in the shape pin factories take.
func LookupPin(n int) (softserial.Pin, error) {
	p, ok := PinByNumber(n)
	if !ok {
		return nil, errcode.UnknownPin
	}
	return p, nil
}

// Pin implements softserial.IRQPin on an RP2040 GPIO. Masking acts on the
// shared IO bank interrupt line.
type Pin struct {
	p machine.Pin
	n int
}

func (r *Pin) ConfigureInput(pull softserial.Pull) error {
	mode := machine.PinInput
	switch pull {
	case softserial.PullUp:
		mode = machine.PinInputPullup
	case softserial.PullDown:
		mode = machine.PinInputPulldown
	}
	r.p.Configure(machine.PinConfig{Mode: mode})
	return nil
}

func (r *Pin) ConfigureOutput(initial bool) error {
	r.p.Set(initial)
	r.p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	r.p.Set(initial)
	return nil
}

func (r *Pin) Set(level bool) { r.p.Set(level) }
func (r *Pin) Get() bool      { return r.p.Get() }
func (r *Pin) Number() int    { return r.n }

func (r *Pin) SetIRQ(handler func()) error {
	return r.p.SetInterrupt(machine.PinToggle, func(machine.Pin) { handler() })
}

func (r *Pin) ClearIRQ() error {
	var zero machine.PinChange
	return r.p.SetInterrupt(zero, nil)
}

func (r *Pin) Mask() bool       { return maskIRQ(rp.IRQ_IO_IRQ_BANK0) }
func (r *Pin) Restore(was bool) { restoreIRQ(rp.IRQ_IO_IRQ_BANK0, was) }

func maskIRQ(irq uint32) bool {
	was := arm.NVIC.ISER[irq>>5].HasBits(1 << (irq & 31))
	arm.DisableIRQ(irq)
	return was
}

func restoreIRQ(irq uint32, was bool) {
	if was {
		arm.EnableIRQ(irq)
	}
}

// ----------------------------- delay / global mask ---------------------------

type spin struct{}

//go:noinline
func (spin) Delay(count uint16) {
	for i := count; i > 0; i-- {
		arm.Asm("nop")
	}
}

type globalMask struct{}

func (globalMask) Disable() uintptr      { return uintptr(interrupt.Disable()) }
func (globalMask) Restore(state uintptr) { interrupt.Restore(interrupt.State(state)) }

// ----------------------------- PWM wrap timer --------------------------------

// pwmSlice is one PWM slice register block.
type pwmSlice struct {
	CSR volatile.Register32
	DIV volatile.Register32
	CTR volatile.Register32
	CC  volatile.Register32
	TOP volatile.Register32
}

const pwmSliceStride = 0x14

// Timer drives softserial ticks from a PWM slice's wrap interrupt.
type Timer struct {
	slice  uint8
	regs   *pwmSlice
	masked bool // Start leaves the NVIC line alone until Restore
}

var (
	tickHandler func()
	tickSlice   uint32
)

// NewTimer claims PWM slice n (0..7). The slice's pins must not be used
// for PWM output.
func NewTimer(n uint8) *Timer {
	base := uintptr(unsafe.Pointer(rp.PWM)) + pwmSliceStride*uintptr(n)
	return &Timer{slice: n, regs: (*pwmSlice)(unsafe.Pointer(base))}
}

func (t *Timer) Spec() softserial.TimerSpec {
	return softserial.TimerSpec{
		ClockHz:    machine.CPUFrequency(),
		Prescalers: []uint32{1, 2, 4, 8, 16, 32, 64, 128},
		MaxCompare: 0xFFFF,
	}
}

func (t *Timer) Start(s softserial.TimerSetting, handler func()) error {
	t.Stop()
	bit := uint32(1) << t.slice

	state := interrupt.Disable()
	tickHandler = handler
	tickSlice = bit
	interrupt.Restore(state)

	t.regs.DIV.Set(s.Prescaler << rp.PWM_CH0_DIV_INT_Pos)
	t.regs.TOP.Set(s.Compare)
	t.regs.CTR.Set(0)
	rp.PWM.INTR.Set(bit)
	rp.PWM.INTE.SetBits(bit)

	pwmIRQ.SetPriority(0x00)
	if !t.masked {
		pwmIRQ.Enable()
	}

	t.regs.CSR.SetBits(rp.PWM_CH0_CSR_EN)
	return nil
}

func (t *Timer) Stop() {
	bit := uint32(1) << t.slice
	t.regs.CSR.ClearBits(rp.PWM_CH0_CSR_EN)
	rp.PWM.INTE.ClearBits(bit)
	rp.PWM.INTR.Set(bit)
}

func (t *Timer) Mask() bool {
	t.masked = true
	return maskIRQ(rp.IRQ_PWM_IRQ_WRAP)
}

func (t *Timer) Restore(was bool) {
	t.masked = false
	restoreIRQ(rp.IRQ_PWM_IRQ_WRAP, was)
}

func pwmWrap(interrupt.Interrupt) {
	if rp.PWM.INTS.Get()&tickSlice == 0 {
		return
	}
	rp.PWM.INTR.Set(tickSlice)
	if h := tickHandler; h != nil {
		h()
	}
}

// ----------------------------- bundle ----------------------------------------

// Default returns the RP2040 collaborators with PWM slice 7 as the tick
// timer.
func Default() softserial.Platform {
	return softserial.Platform{
		ClockHz: machine.CPUFrequency(),
		Delay:   spin{},
		Timer:   NewTimer(7),
		IRQ:     globalMask{},
	}
}
