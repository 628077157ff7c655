package wire

import "math"

// fracScale is the fixed-point scale for a double's fractional part, per
// spec.md §4.A: "integer part and fractional-part-times-10^12, both
// big-endian".
const fracScale = 1e12

// PackDouble encodes v as the (integerPart, fractionalPart*1e12) pair of
// signed int64s spec.md §4.A defines. NaN packs as (MinInt64, MinInt64);
// +Inf as (MaxInt64, 0); -Inf as (MinInt64, 0).
func PackDouble(v float64) (intPart, fracPart int64) {
	switch {
	case math.IsNaN(v):
		return math.MinInt64, math.MinInt64
	case math.IsInf(v, 1):
		return math.MaxInt64, 0
	case math.IsInf(v, -1):
		return math.MinInt64, 0
	}
	ip, fp := math.Modf(v)
	return int64(ip), int64(fp * fracScale)
}

// UnpackDouble reverses PackDouble.
func UnpackDouble(intPart, fracPart int64) float64 {
	if intPart == math.MinInt64 && fracPart == math.MinInt64 {
		return math.NaN()
	}
	if intPart == math.MaxInt64 && fracPart == 0 {
		return math.Inf(1)
	}
	if intPart == math.MinInt64 && fracPart == 0 {
		return math.Inf(-1)
	}
	return float64(intPart) + float64(fracPart)/fracScale
}
