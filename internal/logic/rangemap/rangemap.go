// Package rangemap converts integer values between closed intervals.
// Both actuators use it: the servo to go from percent to pulse width,
// the motion task to go from speed percent to inter-step delay.
package rangemap

// Map linearly transforms value from [inLo, inHi] to [outLo, outHi].
//
// Either interval may be inverted (lo > hi) to express "higher input gives
// lower output". The result is NOT clamped, and integer division truncates
// toward zero, which sets the smallest observable output change per input
// unit. A degenerate input interval (inLo == inHi) returns outLo.
func Map(value, inLo, inHi, outLo, outHi int) int {
	if inHi == inLo {
		return outLo
	}
	return outLo + (value-inLo)*(outHi-outLo)/(inHi-inLo)
}

// Clamp limits v to [lo, hi]. The bounds may be given in either order.
func Clamp(v, lo, hi int) int {
	if lo > hi {
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
