// softserial/stats.go
package softserial

import "sync/atomic"

// Stats holds counters since the port was created.
type Stats struct {
	RxBytes       uint32 // bytes stored in the receive ring
	TxBytes       uint32 // bytes put on the wire (busy-wait) or queued (oversampled)
	Overruns      uint32 // received bytes dropped on a full ring
	ParityErrors  uint32 // frames dropped on parity mismatch
	FramingErrors uint32 // frames dropped on a low stop bit
	FalseStarts   uint32 // pin-change triggers with the line at idle level
	BaudFallbacks uint32 // Configure calls that substituted DefaultBaud
}

type counters struct {
	rxBytes       atomic.Uint32
	txBytes       atomic.Uint32
	overruns      atomic.Uint32
	parityErrors  atomic.Uint32
	framingErrors atomic.Uint32
	falseStarts   atomic.Uint32
	baudFallbacks atomic.Uint32
}

func (c *counters) snapshot() Stats {
	return Stats{
		RxBytes:       c.rxBytes.Load(),
		TxBytes:       c.txBytes.Load(),
		Overruns:      c.overruns.Load(),
		ParityErrors:  c.parityErrors.Load(),
		FramingErrors: c.framingErrors.Load(),
		FalseStarts:   c.falseStarts.Load(),
		BaudFallbacks: c.baudFallbacks.Load(),
	}
}
