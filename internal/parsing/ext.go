package parsing

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/LoansBot/loansbot/internal/money"
)

// The tokens in this file are the concrete building blocks for the
// comment commands: users, money amounts, store-currency overrides,
// and loan ids.

func isoAlternation() string {
	codes := make([]string, 0, len(money.Currencies))
	for code := range money.Currencies {
		codes = append(codes, code)
	}
	// Deterministic ordering keeps the compiled pattern stable.
	for i := 1; i < len(codes); i++ {
		for j := i; j > 0 && codes[j] < codes[j-1]; j-- {
			codes[j], codes[j-1] = codes[j-1], codes[j]
		}
	}
	return strings.Join(codes, "|")
}

func symbolAlternation() string {
	syms := make([]string, 0, len(money.Symbols))
	for sym := range money.Symbols {
		syms = append(syms, regexp.QuoteMeta(sym))
	}
	for i := 1; i < len(syms); i++ {
		for j := i; j > 0 && syms[j] < syms[j-1]; j-- {
			syms[j], syms[j-1] = syms[j-1], syms[j]
		}
	}
	return strings.Join(syms, "|")
}

// NewUserToken matches a reference to a forum user: `/u/NAME` or
// `u/NAME`, or a markdown link whose text is such a reference and
// whose href targets the same NAME's profile. Query strings and
// fragments in the href are ignored. The value is the bare username.
func NewUserToken() Token {
	link := NewRegexToken(
		`^\s*\[(?:/?u/)?([\w-]+)\]\(https?://reddit\.com/u(?:ser)?/([\w-]+)(?:\?[^)]*)?(?:#[^)]*)?\)\s*`,
		-1,
	)
	// RE2 has no backreferences, so the link text and href usernames
	// are captured separately and compared here.
	sameUser := NewTransformedToken(link, func(v any) any {
		m := v.(*Match)
		if m.Group(1) != m.Group(2) {
			return nil
		}
		return m.Group(1)
	})

	return NewFallbackToken(
		NewRegexToken(`^\s*/?u/([\w-]+)\s*`, 1),
		sameUser,
	)
}

// NewMoneyToken matches a money quantity with an optional ISO code
// and/or currency symbol on either side of the numeral. The value is a
// money.Money. Without a code or symbol, USD is assumed.
//
// The numeral grammar is `[0-9]+(\.[0-9]{0,4})?`; a fractional part
// whose length differs from the currency's exponent rejects the token.
// Comma-grouped integers ($1,000) are rejected.
func NewMoneyToken() Token {
	iso := isoAlternation()
	sym := symbolAlternation()
	amt := `[0-9]+(?:\.[0-9]{0,4})?`

	patterns := []string{
		`^\s*(?P<iso>` + iso + `)\s+(?:` + sym + `)?(?P<amt>` + amt + `)(?:` + sym + `)?\s*`,
		`^\s*(?:` + sym + `)?(?P<amt>` + amt + `)(?:` + sym + `)?\s+(?P<iso>` + iso + `)\s*`,
		`^\s*(?P<sym>` + sym + `)(?P<amt>` + amt + `)\s*`,
		`^\s*(?P<amt>` + amt + `)(?P<sym>` + sym + `)\s*`,
		`^\s*(?P<amt>` + amt + `)\s*`,
	}

	children := make([]Token, len(patterns))
	for i, p := range patterns {
		children[i] = NewRegexToken(p, -1)
	}

	return NewTransformedToken(NewFallbackToken(children...), func(v any) any {
		m := v.(*Match)

		code := m.Named("iso")
		if code == "" {
			if s := m.Named("sym"); s != "" {
				code = money.Symbols[s]
			} else {
				code = "USD"
			}
		}

		minor, ok := minorUnits(m.Named("amt"), money.Exponent(code))
		if !ok {
			return nil
		}
		return money.New(minor, code)
	})
}

// minorUnits converts the matched numeral to minor units for a
// currency with the given exponent. Manipulating the number as a
// string avoids floating point rounding.
func minorUnits(amt string, exp int) (int64, bool) {
	dot := strings.IndexByte(amt, '.')
	if dot < 0 {
		n, err := strconv.ParseInt(amt, 10, 64)
		if err != nil {
			return 0, false
		}
		for i := 0; i < exp; i++ {
			n *= 10
		}
		return n, true
	}

	// A decimal must carry exactly the currency's exponent digits.
	frac := amt[dot+1:]
	if len(frac) != exp {
		return 0, false
	}
	n, err := strconv.ParseInt(amt[:dot]+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NewAsCurrencyToken matches a store-currency override such as
// `as JPY` (case-insensitive literal `as`). The value is the ISO code.
func NewAsCurrencyToken() Token {
	return NewRegexToken(`^\s*[aA][sS]\s+(`+isoAlternation()+`)\s*`, 1)
}

// NewUintToken matches a nonnegative integer. The value is an int64.
func NewUintToken() Token {
	return NewTransformedToken(
		NewRegexToken(`^\s*([0-9]+)\s*`, 1),
		func(v any) any {
			n, err := strconv.ParseInt(v.(string), 10, 64)
			if err != nil {
				return nil
			}
			return n
		},
	)
}
