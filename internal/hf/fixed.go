// Package hf implements the HF Batch Reader (C4): it turns many candidate
// addresses into a handful of aggregate3 calls against the aggregation
// contract, decodes each getUserAccountData tuple, and reports results back
// to the candidate set and edge emitter.
package hf

import (
	"math/big"

	"github.com/holiman/uint256"
)

// decimals is the fixed-point scale of the on-chain Health Factor (§6.1).
const decimals = 18

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil)

// clampAboveRaw is the raw (decimals-scaled) threshold beyond which the
// decimal HF value itself (raw/scale) exceeds 2^53 and so can no longer be
// represented in a float64 without losing precision. §4.4 says "beyond
// ~2^53, treat as +Inf" about that decimal value, not about the raw
// fixed-point integer, which is always ~scale times larger.
var clampAboveRaw = new(big.Int).Mul(new(big.Int).Lsh(big.NewInt(1), 53), scale)

// Fixed is an 18-decimal fixed-point Health Factor, kept alongside the
// float64 used for logging and comparisons in the rest of the engine. §9's
// design note flags float64 rounding near the threshold as a production
// risk; Threshold and Fixed.Less give callers an exact-integer comparison
// path while the rest of the pipeline keeps using float64 for convenience.
type Fixed struct {
	raw *uint256.Int
}

// FixedFromUint256 wraps a raw getUserAccountData return value.
func FixedFromUint256(v *uint256.Int) Fixed {
	return Fixed{raw: v}
}

// Threshold builds a Fixed from a bps value (e.g. 9800 -> 0.98) without
// going through float64 at all.
func Threshold(bps uint64) Fixed {
	// bps/10000 * 10^18 == bps * 10^14
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals-4), nil)
	v, _ := uint256.FromBig(new(big.Int).Mul(big.NewInt(int64(bps)), factor))
	return Fixed{raw: v}
}

// Less reports whether f < other, as an exact integer comparison.
func (f Fixed) Less(other Fixed) bool {
	return f.raw.Lt(other.raw)
}

// Float64 converts to a float64 for logging and for the float comparisons
// used elsewhere in the engine (§4.4: "convert to an f64 for comparisons;
// values beyond ~2^53 treat as +Inf").
func (f Fixed) Float64() float64 {
	if f.raw == nil {
		return 0
	}
	rawBig := f.raw.ToBig()
	if rawBig.Cmp(clampAboveRaw) > 0 {
		return maxComparableHF
	}
	bf := new(big.Float).SetInt(rawBig)
	bf.Quo(bf, new(big.Float).SetInt(scale))
	out, _ := bf.Float64()
	return out
}

// maxComparableHF stands in for +Inf in comparisons: any HF this large is
// unconditionally safe, and nothing about spec §4.6 changes if we clamp
// rather than carry an actual math.Inf through every downstream comparison.
const maxComparableHF = 1e18
