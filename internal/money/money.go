// Package money holds the numeric conventions shared by both remittance
// engines: token amounts are integers with 18 fractional digits, exchange
// rates are integers scaled by 1e6, and fees are expressed in basis points.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// Decimals is the fractional-digit convention for all token amounts.
	Decimals = 18

	// RateScale is the fixed-point scale of exchange rates: 1,000,000 = 1.0.
	RateScale = 1_000_000

	// BpsDenominator converts basis points to a fraction.
	BpsDenominator = 10_000

	// MaxFeeBps caps any configurable fee at 10%.
	MaxFeeBps = 1_000
)

var (
	rateScale = big.NewInt(RateScale)
	bpsDenom  = big.NewInt(BpsDenominator)

	// Unit is 10^18, the base-unit value of 1.0 of either token.
	Unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
)

var ErrInvalidAmount = errors.New("invalid amount")

// Fee computes amount * bps / 10000, rounded down.
func Fee(amount *big.Int, bps uint32) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Div(fee, bpsDenom)
}

// Convert applies a 1e6-scaled exchange rate to a source amount, rounded down.
func Convert(amount *big.Int, rate uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(rate))
	return out.Div(out, rateScale)
}

// FromUnits scales a whole-token count into base units. Test helper territory,
// but both engines use it for configured limits as well.
func FromUnits(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Unit)
}

// Parse reads a decimal string ("1000", "7298.55") into base units.
// At most 18 fractional digits are accepted; negatives are rejected.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: more than %d fractional digits in %q", ErrInvalidAmount, Decimals, s)
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return out, nil
}

// Format renders base units as a decimal string with trailing zeros trimmed.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	q, r := new(big.Int).QuoRem(amount, Unit, new(big.Int))
	if r.Sign() == 0 {
		return q.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%018s", r.String()), "0")
	return q.String() + "." + frac
}
