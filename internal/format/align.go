package format

import "math/bits"

// Alignment and granule conversions. Sizes are byte counts, bits are
// allocation units of MinAllocSize bytes.

// AlignUp returns n rounded up to a multiple of a, which must be a power of two.
//
// Example:
//
//	AlignUp(1, 8)    = 8
//	AlignUp(8, 8)    = 8
//	AlignUp(4097, 4096) = 8192
func AlignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown returns n rounded down to a multiple of a, which must be a power of two.
func AlignDown(n, a int) int {
	return n &^ (a - 1)
}

// AlignUpPtr is AlignUp for addresses.
func AlignUpPtr(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// AlignDownPtr is AlignDown for addresses.
func AlignDownPtr(n, a uintptr) uintptr {
	return n &^ (a - 1)
}

// IsPow2 reports whether n is a positive power of two.
func IsPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// IsAligned reports whether n is a multiple of a (a power of two).
func IsAligned(n, a int) bool {
	return n&(a-1) == 0
}

// SizeToBits converts a byte count to allocation units, rounding up.
//
// Example:
//
//	SizeToBits(1) = 1
//	SizeToBits(4) = 1
//	SizeToBits(5) = 2
func SizeToBits(size int) int {
	return (size + MinAllocSize - 1) >> MinAllocShift
}

// BitsToSize converts allocation units to bytes.
func BitsToSize(n int) int {
	return n << MinAllocShift
}

// Fls returns the 1-based index of the most significant set bit of n, or 0
// when n is zero.
//
// Example:
//
//	Fls(0)    = 0
//	Fls(1)    = 1
//	Fls(4096) = 13
func Fls(n int) int {
	if n <= 0 {
		return 0
	}
	return bits.Len(uint(n))
}

// Ctz returns the number of trailing zero bits of n. Ctz(0) is treated as
// the maximum so offset zero always counts as best aligned.
func Ctz(n int) int {
	if n == 0 {
		return bits.UintSize
	}
	return bits.TrailingZeros(uint(n))
}
