package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the number of micros in one unit of account currency.
const MicrosPerUnit = 1_000_000

// Micros is a monetary amount in millionths of the account currency unit.
// All ledger arithmetic happens in micros so that spend comparisons are exact.
type Micros int64

// MaxMicros is the largest representable amount.
const MaxMicros = Micros(math.MaxInt64)

// ErrAmountOutOfRange is returned for amounts that do not fit in Micros.
var ErrAmountOutOfRange = errors.New("amount out of range")

var (
	microsPerUnit = decimal.NewFromInt(MicrosPerUnit)
	maxMicrosDec  = decimal.NewFromInt(math.MaxInt64)
	minMicrosDec  = decimal.NewFromInt(math.MinInt64)
)

// Dollars converts a currency amount into micros, rounding to the nearest
// micro. It is meant for constants; out of range values saturate.
func Dollars(v float64) Micros {
	m, err := MicrosFromDecimal(decimal.NewFromFloat(v))
	if err != nil {
		if v < 0 {
			return Micros(math.MinInt64)
		}
		return MaxMicros
	}
	return m
}

// MicrosFromDecimal converts a currency amount into micros, rounding to the
// nearest micro.
func MicrosFromDecimal(d decimal.Decimal) (Micros, error) {
	v := d.Mul(microsPerUnit).Round(0)
	if v.GreaterThan(maxMicrosDec) || v.LessThan(minMicrosDec) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, d.String())
	}
	return Micros(v.IntPart()), nil
}

// ParseMicros parses an integer micros value such as "2000000".
func ParseMicros(s string) (Micros, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %q", ErrAmountOutOfRange, s)
		}
		return 0, fmt.Errorf("parse micros %q: %w", s, err)
	}
	return Micros(v), nil
}

// Add returns m+n, saturating at MaxMicros instead of wrapping. Both
// operands are expected to be non-negative.
func (m Micros) Add(n Micros) Micros {
	if n > 0 && m > MaxMicros-n {
		return MaxMicros
	}
	return m + n
}

// Decimal returns the amount in currency units.
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// Raw returns the integer micros as a string, the form used in change maps.
func (m Micros) Raw() string {
	return strconv.FormatInt(int64(m), 10)
}

// String formats the amount for humans, e.g. "$2.00".
func (m Micros) String() string {
	if m < 0 {
		return "-$" + (-m).Decimal().StringFixed(2)
	}
	return "$" + m.Decimal().StringFixed(2)
}
