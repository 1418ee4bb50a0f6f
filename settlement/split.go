// Package settlement is the only place the engine performs currency
// arithmetic. All amounts are integers in the smallest currency unit.
package settlement

import "fmt"

// DefaultFeeRateBps is the platform commission applied when no per-order
// rate has been configured (5%).
const DefaultFeeRateBps = 500

// MaxFeeRateBps caps the configurable commission at 100%.
const MaxFeeRateBps = 10_000

// Split divides a gross amount into the platform fee and the payee payout.
// The fee is floored, the payout is the remainder, so fee+payout always
// equals gross exactly. Callers passing a negative gross or a rate above
// 100% have a bug, not a runtime condition, and Split panics.
func Split(grossMinor int64, feeRateBps uint32) (feeMinor, payeeMinor int64) {
	if grossMinor < 0 {
		panic(fmt.Sprintf("settlement: negative gross amount %d", grossMinor))
	}
	if feeRateBps > MaxFeeRateBps {
		panic(fmt.Sprintf("settlement: fee rate %d bps exceeds %d", feeRateBps, MaxFeeRateBps))
	}

	feeMinor = grossMinor * int64(feeRateBps) / MaxFeeRateBps
	payeeMinor = grossMinor - feeMinor

	if feeMinor+payeeMinor != grossMinor {
		panic(fmt.Sprintf("settlement: split invariant broken: %d + %d != %d", feeMinor, payeeMinor, grossMinor))
	}
	return feeMinor, payeeMinor
}
