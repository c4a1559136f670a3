package exchange

import "math/big"

// TokenDecimals is the decimal precision of the marketplace token. All
// human-facing unit/price values are scaled by 10^TokenDecimals before they
// touch the wire, and divided back out on display. There is exactly one
// scaling implementation; every encode and decode path goes through it.
const TokenDecimals = 9

var baseUnitFactor = new(big.Int).SetUint64(1_000_000_000)

// ToBaseUnits converts a human-facing whole amount into ledger base units.
func ToBaseUnits(amount uint64) (uint64, error) {
	out := new(big.Int).SetUint64(amount)
	out.Mul(out, baseUnitFactor)
	if !out.IsUint64() {
		return 0, newError(ErrEncodingFailed, "amount %d overflows base units", amount)
	}
	return out.Uint64(), nil
}

// RequiredBaseUnits computes units * pricePerUnit in base units, the total a
// buyer must hold before a purchase may be attempted.
func RequiredBaseUnits(units, pricePerUnit uint64) (uint64, error) {
	out := new(big.Int).SetUint64(units)
	out.Mul(out, new(big.Int).SetUint64(pricePerUnit))
	out.Mul(out, baseUnitFactor)
	if !out.IsUint64() {
		return 0, newError(ErrEncodingFailed, "required amount %d*%d overflows base units", units, pricePerUnit)
	}
	return out.Uint64(), nil
}

// FromBaseUnits splits a base-unit amount back into whole tokens and the
// fractional base-unit remainder for display paths.
func FromBaseUnits(base uint64) (whole uint64, frac uint64) {
	factor := baseUnitFactor.Uint64()
	return base / factor, base % factor
}
