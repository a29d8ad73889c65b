package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Between reports lo <= v && v <= hi (order-insensitive).
func Between[T constraints.Ordered](v, lo, hi T) bool {
	if hi < lo {
		lo, hi = hi, lo
	}
	return v >= lo && v <= hi
}

// OneOf reports whether v equals any of set.
func OneOf[T comparable](v T, set ...T) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// IsPow2 reports whether n is a positive power of two.
func IsPow2[T constraints.Integer](n T) bool { return n > 0 && n&(n-1) == 0 }

// CeilPow2 returns the smallest power of two >= n (1 for n <= 1).
func CeilPow2[T constraints.Unsigned](n T) T {
	p := T(1)
	for p < n && p != 0 {
		p <<= 1
	}
	return p
}
