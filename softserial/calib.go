// softserial/calib.go
package softserial

import (
	"sort"
	"sync"

	"softserial-go/errcode"
	"softserial-go/x/mathx"
)

const (
	MinBaud     uint32 = 110
	MaxBaud     uint32 = 115200
	DefaultBaud uint32 = 9600
)

// Calibration holds the busy-wait loop counts for one baud rate.
// A zero value means the port is not configured for receive or transmit.
type Calibration struct {
	Centering uint16 // start edge to middle of the start bit
	IntraBit  uint16 // between data bit samples
	StopBit   uint16 // skip over the stop bit
	Tx        uint16 // per transmitted bit
}

// Row is one entry of a calibration table.
type Row struct {
	Baud uint32
	Calibration
}

// Table is the set of tuned rows for one CPU clock.
type Table struct {
	ClockHz     uint32
	StartAdjust uint16 // extra loops added to the transmitted start bit
	Rows        []Row
}

// Lookup returns the calibration for an exact baud match, or the zero value.
func (t *Table) Lookup(baud uint32) Calibration {
	if t == nil {
		return Calibration{}
	}
	for _, r := range t.Rows {
		if r.Baud == baud {
			return r.Calibration
		}
	}
	return Calibration{}
}

// Bauds lists the rates the table covers, highest first.
func (t *Table) Bauds() []uint32 {
	out := make([]uint32, 0, len(t.Rows))
	for _, r := range t.Rows {
		out = append(out, r.Baud)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// Tables tuned on AVR parts. Counts are iterations of a 7-cycle delay loop
// and already absorb the per-bit instruction overhead of the loops around them.
var (
	Table16MHz = Table{
		ClockHz:     16_000_000,
		StartAdjust: 5,
		Rows: []Row{
			{115200, Calibration{1, 17, 17, 12}},
			{57600, Calibration{10, 37, 37, 33}},
			{38400, Calibration{25, 57, 57, 54}},
			{31250, Calibration{31, 70, 70, 68}},
			{28800, Calibration{34, 77, 77, 74}},
			{19200, Calibration{54, 117, 117, 114}},
			{14400, Calibration{74, 156, 156, 153}},
			{9600, Calibration{114, 236, 236, 233}},
			{4800, Calibration{233, 474, 474, 471}},
			{2400, Calibration{471, 950, 950, 947}},
			{1200, Calibration{947, 1902, 1902, 1899}},
			{600, Calibration{1902, 3804, 3804, 3800}},
			{300, Calibration{3804, 7617, 7617, 7614}},
		},
	}

	Table8MHz = Table{
		ClockHz:     8_000_000,
		StartAdjust: 4,
		Rows: []Row{
			{115200, Calibration{1, 5, 5, 3}},
			{57600, Calibration{1, 15, 15, 13}},
			{38400, Calibration{2, 25, 26, 23}},
			{31250, Calibration{7, 32, 33, 29}},
			{28800, Calibration{11, 35, 35, 32}},
			{19200, Calibration{20, 55, 55, 52}},
			{14400, Calibration{30, 75, 75, 72}},
			{9600, Calibration{50, 114, 114, 112}},
			{4800, Calibration{110, 233, 233, 230}},
			{2400, Calibration{229, 472, 472, 469}},
			{1200, Calibration{467, 948, 948, 945}},
			{600, Calibration{948, 1895, 1895, 1890}},
			{300, Calibration{1895, 3805, 3805, 3802}},
		},
	}

	Table20MHz = Table{
		ClockHz:     20_000_000,
		StartAdjust: 6,
		Rows: []Row{
			{115200, Calibration{3, 21, 21, 18}},
			{57600, Calibration{20, 43, 43, 41}},
			{38400, Calibration{37, 73, 73, 70}},
			{31250, Calibration{45, 89, 89, 88}},
			{28800, Calibration{46, 98, 98, 95}},
			{19200, Calibration{71, 148, 148, 145}},
			{14400, Calibration{96, 197, 197, 194}},
			{9600, Calibration{146, 297, 297, 294}},
			{4800, Calibration{296, 595, 595, 592}},
			{2400, Calibration{592, 1189, 1189, 1186}},
			{1200, Calibration{1187, 2379, 2379, 2376}},
			{600, Calibration{2379, 4759, 4759, 4755}},
			{300, Calibration{4759, 9523, 9523, 9520}},
		},
	}
)

// StandardBauds are the rates every shipped table covers.
var StandardBauds = []uint32{115200, 57600, 38400, 31250, 28800, 19200, 14400, 9600, 4800, 2400, 1200, 600, 300}

var (
	tablesMu sync.RWMutex
	tables   = map[uint32]*Table{
		Table8MHz.ClockHz:  &Table8MHz,
		Table16MHz.ClockHz: &Table16MHz,
		Table20MHz.ClockHz: &Table20MHz,
	}
)

// RegisterTable adds or replaces the table for t.ClockHz.
func RegisterTable(t *Table) {
	if t == nil || t.ClockHz == 0 {
		return
	}
	tablesMu.Lock()
	tables[t.ClockHz] = t
	tablesMu.Unlock()
}

// LookupTable returns the table registered for clockHz.
func LookupTable(clockHz uint32) (*Table, bool) {
	tablesMu.RLock()
	t, ok := tables[clockHz]
	tablesMu.RUnlock()
	return t, ok
}

// DeriveTable computes an untuned table from first principles for a clock
// that has no empirical one. cyclesPerLoop is the cost of one Delay
// iteration and overhead the fixed per-bit cost of the surrounding loop,
// both in CPU cycles.
func DeriveTable(clockHz, cyclesPerLoop, overhead uint32) *Table {
	if cyclesPerLoop == 0 {
		cyclesPerLoop = 1
	}
	loops := func(cycles uint32) uint16 {
		if cycles <= overhead {
			return 1
		}
		n := (cycles - overhead) / cyclesPerLoop
		return uint16(mathx.Clamp(n, 1, 0xFFFF))
	}
	t := &Table{ClockHz: clockHz, StartAdjust: uint16(overhead / cyclesPerLoop)}
	for _, b := range StandardBauds {
		bit := mathx.RoundDiv(clockHz, b)
		t.Rows = append(t.Rows, Row{b, Calibration{
			Centering: loops(mathx.RoundDiv(bit, 2)),
			IntraBit:  loops(bit),
			StopBit:   loops(bit),
			Tx:        loops(bit),
		}})
	}
	return t
}

// ClampBaud substitutes DefaultBaud for rates outside [MinBaud, MaxBaud].
// The second result reports whether a substitution happened.
func ClampBaud(baud uint32) (uint32, bool) {
	if !mathx.Between(baud, MinBaud, MaxBaud) {
		return DefaultBaud, true
	}
	return baud, false
}

// ComputeTimer resolves the prescaler and compare value that make the
// timer fire oversample times per bit at baud. Prescalers are tried in
// increasing order until the compare value fits the register.
//
// compare = round(clock / (prescaler * oversample * baud)) - 1
func ComputeTimer(ts TimerSpec, baud uint32, oversample int) (TimerSetting, error) {
	if baud == 0 || oversample <= 0 || ts.ClockHz == 0 {
		return TimerSetting{}, errcode.InvalidParams
	}
	pres := ts.Prescalers
	if len(pres) == 0 {
		pres = []uint32{1}
	}
	clk2 := 2 * uint64(ts.ClockHz)
	for _, p := range pres {
		if p == 0 {
			continue
		}
		div := uint64(p) * uint64(oversample) * uint64(baud)
		cmp := int64((clk2/div+1)/2) - 1
		if cmp >= 0 && cmp <= int64(ts.MaxCompare) {
			return TimerSetting{Prescaler: p, Compare: uint32(cmp)}, nil
		}
	}
	return TimerSetting{}, &errcode.E{C: errcode.UnsupportedBaud, Op: "softserial.ComputeTimer", Msg: "no prescaler fits"}
}

// TickHz reports the interrupt rate a setting produces.
func (s TimerSetting) TickHz(clockHz uint32) uint32 {
	d := uint64(s.Prescaler) * (uint64(s.Compare) + 1)
	if d == 0 {
		return 0
	}
	return uint32(uint64(clockHz) / d)
}
