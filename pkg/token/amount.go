package token

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// Scale is the number of decimal places of an Amount.
const Scale = 6

const unit = 1_000_000

// Amount is a credit quantity in micro-tonnes of CO2e. Integer math keeps
// the ledger free of floating point drift.
type Amount int64

// FromTons converts a tonnage to an Amount, rounding half away from zero
// to the nearest micro-tonne.
func FromTons(tons float64) (Amount, error) {
	if math.IsNaN(tons) || math.IsInf(tons, 0) {
		return 0, fmt.Errorf("%w: %v is not a finite quantity", contracts.ErrInvalidAmount, tons)
	}
	scaled := math.Round(tons * unit)
	if math.Abs(scaled) >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %v tonnes overflows the ledger", contracts.ErrInvalidAmount, tons)
	}
	return Amount(scaled), nil
}

// ParseAmount parses a decimal string such as "40.5" with at most Scale decimals.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	whole, frac, _ := strings.Cut(strings.TrimPrefix(s, "-"), ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: empty amount", contracts.ErrInvalidAmount)
	}
	if len(frac) > Scale {
		return 0, fmt.Errorf("%w: %q has more than %d decimals", contracts.ErrInvalidAmount, s, Scale)
	}
	if !digits(whole) || !digits(frac) {
		return 0, fmt.Errorf("%w: %q is not a decimal quantity", contracts.ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", contracts.ErrInvalidAmount, s, err)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", Scale-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: bad fraction", contracts.ErrInvalidAmount, s)
		}
	}
	if w > (math.MaxInt64-f)/unit {
		return 0, fmt.Errorf("%w: %q overflows the ledger", contracts.ErrInvalidAmount, s)
	}
	v := Amount(w*unit + f)
	if neg {
		v = -v
	}
	return v, nil
}

// digits reports whether s holds only ASCII digits. Signs are handled by
// ParseAmount itself so that "--5" cannot parse as 5.
func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Tons returns the amount as a float tonnage for display.
func (a Amount) Tons() float64 {
	return float64(a) / unit
}

// String renders the amount with exactly Scale decimals.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/unit, v%unit)
}

// IsPositive returns true if the amount is > 0.
func (a Amount) IsPositive() bool {
	return a > 0
}

// Add returns a+b, failing on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("%w: %s + %s overflows", contracts.ErrInvalidAmount, a, b)
	}
	return a + b, nil
}

func requirePositive(a Amount) error {
	if !a.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", contracts.ErrInvalidAmount, a)
	}
	return nil
}
