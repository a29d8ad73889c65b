// softserial/format.go
package softserial

import (
	"softserial-go/errcode"
)

// Parity selects the parity bit carried by each frame.
type Parity uint8

const (
	// ParityNone sends no parity bit.
	ParityNone Parity = iota
	// ParityEven makes the count of 1 bits (data + parity) even.
	ParityEven
	// ParityOdd makes the count of 1 bits (data + parity) odd.
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

// Format is the frame shape: data bits, parity and stop bits.
type Format struct {
	DataBits uint8
	Parity   Parity
	StopBits uint8
}

// Format8N1 is the default frame and the only one the busy-wait engine sends.
var Format8N1 = Format{DataBits: 8, Parity: ParityNone, StopBits: 1}

// Valid reports whether the engine can carry f.
func (f Format) Valid() bool {
	return (f.DataBits == 7 || f.DataBits == 8) &&
		f.Parity <= ParityOdd &&
		(f.StopBits == 1 || f.StopBits == 2)
}

// OrDefault returns Format8N1 for the zero Format, otherwise f.
func (f Format) OrDefault() Format {
	if f == (Format{}) {
		return Format8N1
	}
	return f
}

// FrameBits is the number of bit periods one frame occupies.
func (f Format) FrameBits() int {
	n := 1 + int(f.DataBits) + int(f.StopBits)
	if f.Parity != ParityNone {
		n++
	}
	return n
}

// Mask is the data bit mask for the frame (0x7F or 0xFF).
func (f Format) Mask() byte {
	if f.DataBits >= 8 {
		return 0xFF
	}
	return byte(1)<<f.DataBits - 1
}

// String renders the usual short form, e.g. "8N1" or "7E2".
func (f Format) String() string {
	p := byte('N')
	switch f.Parity {
	case ParityEven:
		p = 'E'
	case ParityOdd:
		p = 'O'
	}
	return string([]byte{'0' + f.DataBits, p, '0' + f.StopBits})
}

// ParseFormat accepts the short form ("8N1", "7e2", ...).
func ParseFormat(s string) (Format, error) {
	if len(s) != 3 {
		return Format{}, errcode.InvalidFormat
	}
	f := Format{DataBits: s[0] - '0', StopBits: s[2] - '0'}
	switch s[1] {
	case 'N', 'n':
		f.Parity = ParityNone
	case 'E', 'e':
		f.Parity = ParityEven
	case 'O', 'o':
		f.Parity = ParityOdd
	default:
		return Format{}, errcode.InvalidFormat
	}
	if !f.Valid() {
		return Format{}, errcode.InvalidFormat
	}
	return f, nil
}

// Config byte layout, compatible with the SERIAL_xxx constants of Arduino
// style cores: bit 0 data bits, bits 1-2 parity, bit 3 stop bits.
const (
	cfgDataMask   = 0b0001
	cfgParityMask = 0b0110
	cfgStopMask   = 0b1000

	cfgData7    = 0b0001
	cfgParEven  = 0b0010
	cfgParOdd   = 0b0100
	cfgStopTwo  = 0b1000
	cfgAllKnown = cfgDataMask | cfgParityMask | cfgStopMask
)

const (
	Config8N1 byte = 0
	Config7N1 byte = cfgData7
	Config8E1 byte = cfgParEven
	Config7E1 byte = cfgData7 | cfgParEven
	Config8O1 byte = cfgParOdd
	Config7O1 byte = cfgData7 | cfgParOdd
	Config8N2 byte = cfgStopTwo
	Config7N2 byte = cfgData7 | cfgStopTwo
	Config8E2 byte = cfgParEven | cfgStopTwo
	Config7E2 byte = cfgData7 | cfgParEven | cfgStopTwo
	Config8O2 byte = cfgParOdd | cfgStopTwo
	Config7O2 byte = cfgData7 | cfgParOdd | cfgStopTwo
)

// FormatFromConfig decodes a config byte. Bits outside the known fields, or
// the reserved parity value, select 8N1.
func FormatFromConfig(c byte) Format {
	if c&^cfgAllKnown != 0 || c&cfgParityMask == cfgParityMask {
		return Format8N1
	}
	f := Format{DataBits: 8, StopBits: 1}
	if c&cfgDataMask == cfgData7 {
		f.DataBits = 7
	}
	switch c & cfgParityMask {
	case cfgParEven:
		f.Parity = ParityEven
	case cfgParOdd:
		f.Parity = ParityOdd
	}
	if c&cfgStopMask == cfgStopTwo {
		f.StopBits = 2
	}
	return f
}

// parityBit returns the parity bit to send (or expect) for the low bits of v.
func parityBit(v byte, bits uint8, p Parity) bool {
	odd := false
	for i := uint8(0); i < bits; i++ {
		if v&(1<<i) != 0 {
			odd = !odd
		}
	}
	if p == ParityOdd {
		return !odd
	}
	return odd
}
