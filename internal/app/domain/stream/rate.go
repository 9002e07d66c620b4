package stream

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Unit is the human time unit a rate was entered against.
type Unit string

const (
	UnitHour Unit = "hour"
	UnitDay  Unit = "day"
	UnitWeek Unit = "week"
)

// Decimals is the ledger's fixed-point precision.
const Decimals = 18

const (
	secondsPerHour = 3600
	secondsPerDay  = 86400
	secondsPerWeek = 604800
)

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Seconds returns the unit's second count. Unknown units count as a day.
func (u Unit) Seconds() int64 {
	switch u {
	case UnitHour:
		return secondsPerHour
	case UnitWeek:
		return secondsPerWeek
	default:
		return secondsPerDay
	}
}

// ConvertRate converts a non-negative decimal rate per unit into a
// fixed-point rate per second in the ledger's base unit. Division truncates:
// the ledger multiplies the per-second rate back up, so rounding up here
// would overpay the recipient.
func ConvertRate(rate string, unit Unit) (*big.Int, error) {
	fixed, err := ParseFixed(rate)
	if err != nil {
		return nil, err
	}
	return fixed.Quo(fixed, big.NewInt(unit.Seconds())), nil
}

// ConvertRateFloat is a convenience wrapper for callers holding a float.
// The float is formatted with full precision before parsing so the
// fixed-point arithmetic stays exact.
func ConvertRateFloat(rate float64, unit Unit) (*big.Int, error) {
	if rate < 0 {
		return nil, fmt.Errorf("rate must be non-negative")
	}
	return ConvertRate(strconv.FormatFloat(rate, 'f', -1, 64), unit)
}

// ParseFixed parses a non-negative decimal string into an 18-decimal
// fixed-point integer. Fractional digits beyond the ledger precision are
// rejected rather than silently truncated.
func ParseFixed(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("amount must be non-negative")
	}

	whole := value
	frac := ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole, frac = value[:idx], value[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", value, Decimals)
	}

	digits := whole + frac + strings.Repeat("0", Decimals-len(frac))
	fixed, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return fixed, nil
}

// FormatFixed renders an 18-decimal fixed-point integer as a decimal string
// with trailing zeros trimmed. Used for logs and the status API.
func FormatFixed(value *big.Int) string {
	if value == nil {
		return "0"
	}
	whole, frac := new(big.Int).QuoRem(value, scale, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%018s", frac.String()), "0")
	return whole.String() + "." + fracStr
}
