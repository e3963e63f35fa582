package fixedpoint

import "math/big"

// WAD is the fixed-point scale: 1e18 represents 1.0.
// All token amounts, prices and accumulators in the engine use this scale.
var WAD = big.NewInt(1_000_000_000_000_000_000)

// Zero returns a fresh zero-valued amount.
func Zero() *big.Int {
	return new(big.Int)
}

// Clone returns an independent copy of a. Balances stored in ledgers must
// never alias caller-supplied values.
func Clone(a *big.Int) *big.Int {
	return new(big.Int).Set(a)
}

// FromUnits returns n whole units at WAD scale (n * 1e18).
func FromUnits(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), WAD)
}

// Mul returns a*b without rescaling.
func Mul(a, b *big.Int) *big.Int {
	return new(big.Int).Mul(a, b)
}

// MulDiv returns a*b/denom with the product taken at full precision before
// the division. Division truncates toward zero, which biases every ratio
// check conservatively in the protocol's favor.
func MulDiv(a, b, denom *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, denom)
}

// WadMul returns a*b/WAD.
func WadMul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, WAD)
}

// WadDiv returns a*WAD/b.
func WadDiv(a, b *big.Int) *big.Int {
	return MulDiv(a, WAD, b)
}

// IsPositive reports a > 0.
func IsPositive(a *big.Int) bool {
	return a != nil && a.Sign() > 0
}

// IsZero reports a == 0. A nil amount counts as zero.
func IsZero(a *big.Int) bool {
	return a == nil || a.Sign() == 0
}

// ToFloat converts a WAD-scaled amount to a float64 in whole units.
// Only for metrics gauges — never for accounting.
func ToFloat(a *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(a), new(big.Float).SetInt(WAD)).Float64()
	return f
}
