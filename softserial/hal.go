// softserial/hal.go
package softserial

// ---- GPIO abstractions ----

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Pin is the digital I/O surface the engine needs. Get and Set sit on the
// per-bit hot path and must be register-level operations on real targets.
type Pin interface {
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(level bool)
	Get() bool
	Number() int
}

// IRQSource is one maskable interrupt source (a pin-change vector or a timer
// compare interrupt).
type IRQSource interface {
	// Mask disables the source and reports whether it was enabled before.
	Mask() (wasEnabled bool)
	// Restore re-enables the source if wasEnabled is true.
	Restore(wasEnabled bool)
}

// IRQPin extends Pin with a pin-change interrupt firing on both edges.
type IRQPin interface {
	Pin
	IRQSource
	SetIRQ(handler func()) error
	ClearIRQ() error
}

// TimerSpec describes what a periodic timer peripheral can do.
type TimerSpec struct {
	ClockHz    uint32   // input clock before prescaling
	Prescalers []uint32 // supported dividers, increasing
	MaxCompare uint32   // largest value the compare register holds
}

// TimerSetting is a resolved prescaler/compare pair.
type TimerSetting struct {
	Prescaler uint32
	Compare   uint32
}

// Timer is a free-running counter raising a periodic compare interrupt.
type Timer interface {
	IRQSource
	Spec() TimerSpec
	Start(s TimerSetting, handler func()) error
	Stop()
}

// Delayer spins for a calibrated number of loop iterations.
type Delayer interface {
	Delay(count uint16)
}

// InterruptMasker masks and restores the global interrupt flag. It mirrors
// TinyGo's runtime/interrupt Disable/Restore pair.
type InterruptMasker interface {
	Disable() uintptr
	Restore(state uintptr)
}

// Platform bundles the collaborators shared by every port on a target.
type Platform struct {
	ClockHz uint32          // CPU clock used to pick a calibration table
	Delay   Delayer         // busy-wait only
	Timer   Timer           // oversampled only
	IRQ     InterruptMasker // global mask for busy-wait transmit
	Table   *Table          // optional override of the per-clock table
}
