// Package amount provides a token quantity that keeps its minor-unit integer
// and its major-unit decimal form in agreement.
package amount

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the exponent used by the native token and most ERC-20s.
const DefaultDecimals = 18

// Amount is an immutable token quantity. The minor-unit integer is the
// source of truth; the decimal and float forms are derived from it.
type Amount struct {
	wei      *big.Int
	decimals int32
}

// FromWei builds an Amount from minor units.
func FromWei(wei *big.Int, decimals int32) Amount {
	w := new(big.Int)
	if wei != nil {
		w.Set(wei)
	}
	return Amount{wei: w, decimals: decimals}
}

// FromEther builds an Amount from major units, rounding half away from zero
// to the nearest minor unit.
func FromEther(ether float64, decimals int32) Amount {
	return FromDecimal(decimal.NewFromFloat(ether), decimals)
}

// FromDecimal builds an Amount from a major-unit decimal.
func FromDecimal(ether decimal.Decimal, decimals int32) Amount {
	return Amount{wei: ether.Shift(decimals).Round(0).BigInt(), decimals: decimals}
}

// Wei is shorthand for FromWei with 18 decimals.
func Wei(wei *big.Int) Amount { return FromWei(wei, DefaultDecimals) }

// Ether is shorthand for FromEther with 18 decimals.
func Ether(ether float64) Amount { return FromEther(ether, DefaultDecimals) }

// Zero returns an empty 18-decimal amount.
func Zero() Amount { return Wei(nil) }

// Wei returns a copy of the minor-unit value.
func (a Amount) Wei() *big.Int {
	if a.wei == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.wei)
}

// Ether returns the major-unit value as an exact decimal.
func (a Amount) Ether() decimal.Decimal {
	if a.wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.wei, -a.decimals)
}

// Float returns the major-unit value as a float64.
func (a Amount) Float() float64 {
	return a.Ether().InexactFloat64()
}

// Decimals returns the exponent between minor and major units.
func (a Amount) Decimals() int32 { return a.decimals }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.wei == nil || a.wei.Sign() == 0 }

// Cmp compares minor units. Both amounts are expected to share decimals.
func (a Amount) Cmp(b Amount) int { return a.Wei().Cmp(b.Wei()) }

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{wei: new(big.Int).Sub(a.Wei(), b.Wei()), decimals: a.decimals}
}

// MulFloat scales the amount by f, truncating toward zero in minor units.
func (a Amount) MulFloat(f float64) Amount {
	scaled := a.Ether().Mul(decimal.NewFromFloat(f))
	return Amount{wei: scaled.Shift(a.decimals).Truncate(0).BigInt(), decimals: a.decimals}
}

// String renders the major-unit value.
func (a Amount) String() string {
	return a.Ether().String()
}
