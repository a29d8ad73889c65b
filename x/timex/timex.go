package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// PeriodFromHz returns a nanosecond period for a requested frequency.
// freqHz==0 is coerced to 1 to avoid division by zero.
func PeriodFromHz(freqHz uint32) uint64 {
	if freqHz == 0 {
		freqHz = 1
	}
	return uint64(1_000_000_000 / uint64(freqHz))
}

// BitTime is the duration of one bit at baud.
func BitTime(baud uint32) time.Duration {
	return time.Duration(PeriodFromHz(baud))
}

// FrameTime is the duration of a frame of bits at baud, rounded up to
// the next microsecond.
func FrameTime(baud uint32, bits int) time.Duration {
	if bits <= 0 {
		return 0
	}
	if baud == 0 {
		baud = 1
	}
	ns := (uint64(bits)*1_000_000_000 + uint64(baud) - 1) / uint64(baud)
	return time.Duration(ns).Round(time.Microsecond)
}

// DrainTime estimates how long n queued frames take to leave the wire,
// with one extra frame of slack.
func DrainTime(baud uint32, bits, n int) time.Duration {
	return FrameTime(baud, bits) * time.Duration(n+1)
}
