package credit

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatAmount renders an amount the way receipts show it: "." groups
// thousands, "," separates cents, cents omitted when zero.
// 150000 -> "150.000", 1234.5 -> "1.234,50".
func FormatAmount(d decimal.Decimal) string {
	d = d.Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}

	whole := d.Truncate(0)
	cents := d.Sub(whole).Mul(hundred).IntPart()

	digits := whole.String()
	var b strings.Builder
	b.WriteString(sign)
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if cents != 0 {
		b.WriteByte(',')
		if cents < 10 {
			b.WriteByte('0')
		}
		b.WriteString(decimal.NewFromInt(cents).String())
	}
	return b.String()
}
