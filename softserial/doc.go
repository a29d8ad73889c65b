// Package softserial implements an asynchronous serial port on plain GPIO
// pins.
//
// Two timing disciplines are provided. BusyWait detects a start bit with a
// pin-change interrupt and clocks the whole 8N1 frame with counted delay
// loops taken from a per-clock calibration Table; transmit blocks the
// caller for one frame with interrupts masked. Oversampled runs receive
// and transmit as state machines advanced by a periodic timer at N ticks
// per bit, supports 7/8 data bits, none/even/odd parity and 1/2 stop bits,
// and queues transmit bytes in a ring drained by the timer.
//
// Only one Port per Registry receives at a time (the active listener).
// Platforms bind their pin-change and timer interrupts to the registry's
// PinChange and Tick methods; the registry forwards to the active port.
//
// Received bytes land in a single-producer/single-consumer Ring. The
// interrupt side only advances its tail and foreground code only advances
// its head, so no locks are taken on the per-bit path. Resets happen with
// the relevant interrupt source masked.
package softserial
