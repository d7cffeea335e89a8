// Package money defines the settlement currencies and their fixed-point
// parsing and formatting rules.
//
// Amounts are carried as decimal.Decimal values quantized to the currency's
// precision. Chain-facing code converts to and from smallest-unit big.Int
// with ToUnits and FromUnits.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency identifies one of the three balance currencies.
type Currency string

const (
	Points Currency = "points" // platform-internal, integer
	Coin   Currency = "coin"   // chain-native coin
	Stable Currency = "stable" // chain stable token
)

var (
	ErrUnknownCurrency = errors.New("money: unknown currency")
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrTooPrecise      = errors.New("money: amount exceeds currency precision")
)

// All lists the currencies in display order.
var All = []Currency{Points, Coin, Stable}

var decimals = map[Currency]int32{
	Points: 0,
	Coin:   18,
	Stable: 6,
}

// Decimals returns the number of fractional digits the currency carries.
func (c Currency) Decimals() int32 {
	return decimals[c]
}

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	_, ok := decimals[c]
	return ok
}

// OnChain reports whether the currency settles on a blockchain.
func (c Currency) OnChain() bool {
	return c == Coin || c == Stable
}

func (c Currency) String() string { return string(c) }

// ParseCurrency validates a currency tag from user input.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

// Parse converts a decimal string into an amount of the given currency.
//
// Rules:
//   - empty, negative or non-numeric input is rejected
//   - more fractional digits than the currency carries are rejected, not rounded
func Parse(c Currency, s string) (decimal.Decimal, error) {
	if !c.Valid() {
		return decimal.Zero, ErrUnknownCurrency
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := Check(c, d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Check verifies that d is non-negative and representable in c.
func Check(c Currency, d decimal.Decimal) error {
	if !c.Valid() {
		return ErrUnknownCurrency
	}
	if d.IsNegative() {
		return ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(c.Decimals())) {
		return ErrTooPrecise
	}
	return nil
}

// Quantize rounds d down to the currency precision.
func Quantize(c Currency, d decimal.Decimal) decimal.Decimal {
	return d.Truncate(c.Decimals())
}

// Format renders d with exactly the currency's number of decimals for
// points and stable, and trimmed trailing zeros for coin.
func Format(c Currency, d decimal.Decimal) string {
	if c == Coin {
		return d.Truncate(c.Decimals()).String()
	}
	return d.StringFixed(c.Decimals())
}

// ToUnits converts an amount to its smallest-unit integer representation.
func ToUnits(c Currency, d decimal.Decimal) *big.Int {
	return d.Shift(c.Decimals()).Truncate(0).BigInt()
}

// FromUnits converts a smallest-unit integer to a decimal amount.
func FromUnits(c Currency, units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -c.Decimals())
}
