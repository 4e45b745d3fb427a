package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitsExp is the number of decimal places in one major currency unit.
const minorUnitsExp = 2

// Amount is a signed amount in currency minor units (cents).
type Amount int64

// ParseAmount converts a decimal string such as "-12.50" into minor units.
// More than two decimal places are rejected instead of rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("ParseAmount: %q: %w", s, err)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts a major-unit decimal into minor units.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Shift(minorUnitsExp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("AmountFromDecimal: %s has more than %d decimal places", d.String(), minorUnitsExp)
	}
	return Amount(minor.IntPart()), nil
}

// Major returns the amount as a decimal in major units.
func (a Amount) Major() decimal.Decimal {
	return decimal.New(int64(a), -minorUnitsExp)
}

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// String formats the amount in major units, e.g. "-12.50".
func (a Amount) String() string {
	return a.Major().StringFixed(minorUnitsExp)
}

// UnmarshalJSON accepts either an integer of minor units or a decimal string in
// major units ("-12.50").
func (a *Amount) UnmarshalJSON(data []byte) error {
	var minor int64
	if err := json.Unmarshal(data, &minor); err == nil {
		*a = Amount(minor)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount: want integer minor units or decimal string, got %s", string(data))
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
