package credits

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PerUSD is the fixed conversion rate: 1000 credits = $1.
const PerUSD = 1000

// usdScale is the fractional precision of ledger amounts: NUMERIC(18,8).
const usdScale = 8

// ErrNegativeAmount is returned when a conversion input is negative.
var ErrNegativeAmount = errors.New("credits: negative amount")

var perUSDDec = decimal.NewFromInt(PerUSD)

// FromUSD converts a USD amount to integer credits using banker's rounding.
//
//	$5.00  → 5000
//	$0.05  → 50
//	$0.001 → 1
func FromUSD(usd decimal.Decimal) (int64, error) {
	if usd.IsNegative() {
		return 0, ErrNegativeAmount
	}
	return usd.Mul(perUSDDec).RoundBank(0).IntPart(), nil
}

// ToUSD converts integer credits back to a USD amount quantized to 8
// fractional digits.
func ToUSD(credits int64) (decimal.Decimal, error) {
	if credits < 0 {
		return decimal.Zero, ErrNegativeAmount
	}
	return decimal.NewFromInt(credits).Div(perUSDDec).RoundBank(usdScale), nil
}

// QuantizeUSD applies banker's rounding at the ledger's 8-digit boundary.
// Internal arithmetic keeps full precision; this is only for values about to
// be persisted or compared against persisted balances.
func QuantizeUSD(usd decimal.Decimal) decimal.Decimal {
	return usd.RoundBank(usdScale)
}

// Format renders a credit count with a thousands separator and the right
// singular/plural form: "1 credit", "5,000 credits".
func Format(credits int64) string {
	word := "credits"
	if credits == 1 {
		word = "credit"
	}
	return fmt.Sprintf("%s %s", groupThousands(credits), word)
}

// FormatCost renders a per-unit cost that may be fractional (sub-unit
// products such as reliapi bill 0.1 credits per request).
func FormatCost(credits decimal.Decimal) string {
	if credits.IsInteger() {
		return Format(credits.IntPart())
	}
	return credits.String() + " credits"
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
