// softserial/critical.go
package softserial

// critical runs fn with each source masked and restores the prior enable
// state afterwards, in reverse order. Nil sources and repeats of the first
// source are skipped.
// Only reset paths use it; the per-bit paths never do.
func critical(fn func(), srcs ...IRQSource) {
	var prev [2]bool
	if len(srcs) > len(prev) {
		srcs = srcs[:len(prev)]
	}
	if len(srcs) == 2 && srcs[0] == srcs[1] {
		srcs = srcs[:1]
	}
	for i, s := range srcs {
		if s != nil {
			prev[i] = s.Mask()
		}
	}
	fn()
	for i := len(srcs) - 1; i >= 0; i-- {
		if srcs[i] != nil {
			srcs[i].Restore(prev[i])
		}
	}
}
