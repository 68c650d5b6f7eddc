// Package serial implements RFC 1982 serial-number arithmetic over 32-bit
// sequence numbers. Every window or peer-state comparison involving a PGM
// sequence number goes through this package instead of a raw operator, so
// the wraparound rule lives in exactly one place.
package serial

// Add32 advances a by delta using unsigned wraparound, the RFC 1982 "s1 =
// (s2 + n) mod (2^SERIAL_BITS)" primitive. It is kept as a named function,
// rather than inlined at call sites, so every sequence advance in the
// window code is grep-able and auditable.
func Add32(a, delta uint32) uint32 {
	return a + delta
}

// Less reports whether a precedes b in serial order: (a - b) mod 2^32 has
// its high bit set. Undefined (by RFC 1982) when the two values are
// exactly 2^31 apart; callers must keep their windows well under that
// span, which transmit/receive window capacities guarantee in practice.
func Less(a, b uint32) bool {
	return int32(a-b) < 0
}

// LessOrEqual reports whether a precedes or equals b in serial order.
func LessOrEqual(a, b uint32) bool {
	return a == b || Less(a, b)
}

// Greater reports whether a follows b in serial order.
func Greater(a, b uint32) bool {
	return Less(b, a)
}

// GreaterOrEqual reports whether a follows or equals b in serial order.
func GreaterOrEqual(a, b uint32) bool {
	return a == b || Greater(a, b)
}

// Distance returns the signed serial distance a - b: positive when a
// follows b, negative when a precedes it. Magnitude is only meaningful
// while it stays under 2^31; window capacities are expected to enforce
// that, so this is safe to use for "how many sqns apart" bookkeeping.
func Distance(a, b uint32) int32 {
	return int32(a - b)
}

// InRange reports whether s falls in the closed serial interval [lo, hi].
func InRange(s, lo, hi uint32) bool {
	return GreaterOrEqual(s, lo) && LessOrEqual(s, hi)
}
