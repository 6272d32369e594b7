// Package money provides the minor-unit money value and the currency
// table the bot supports.
//
// Amounts are always carried as an integer count of the smallest unit
// of the currency (cents for USD, yen for JPY). Rendering back to the
// major unit is string manipulation only; no floating point touches a
// stored amount.
package money

import (
	"fmt"
	"strings"
)

// Currency describes a supported ISO 4217 currency.
type Currency struct {
	Code         string // uppercase ISO code
	Exponent     int    // minor units per major unit, as a power of ten
	Symbol       string
	SymbolOnLeft bool
}

// Currencies is the supported currency table keyed by ISO code. We
// prefer people use ISO codes, but a few non-contentious symbols are
// accepted for our audience.
var Currencies = map[string]Currency{
	"AUD": {Code: "AUD", Exponent: 2, Symbol: "$", SymbolOnLeft: true},
	"GBP": {Code: "GBP", Exponent: 2, Symbol: "£", SymbolOnLeft: true},
	"EUR": {Code: "EUR", Exponent: 2, Symbol: "€", SymbolOnLeft: true},
	"CAD": {Code: "CAD", Exponent: 2, Symbol: "$", SymbolOnLeft: true},
	"JPY": {Code: "JPY", Exponent: 0, Symbol: "¥", SymbolOnLeft: true},
	"MXN": {Code: "MXN", Exponent: 2, Symbol: "$", SymbolOnLeft: true},
	"USD": {Code: "USD", Exponent: 2, Symbol: "$", SymbolOnLeft: true},
}

// Symbols maps the accepted currency symbols to ISO codes. Even these
// are ambiguous ($ is many currencies); the bot resolves them to the
// listed codes.
var Symbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

// IsSupported reports whether code is in the currency table.
func IsSupported(code string) bool {
	_, ok := Currencies[strings.ToUpper(code)]
	return ok
}

// Exponent returns the minor-unit exponent for a supported code.
// Unsupported codes report 2, the most common exponent.
func Exponent(code string) int {
	if c, ok := Currencies[strings.ToUpper(code)]; ok {
		return c.Exponent
	}
	return 2
}

// Money is an amount in the most granular unit of a currency.
type Money struct {
	Minor        int64  `json:"minor"`
	Currency     string `json:"currency"`
	Exp          int    `json:"exp"`
	Symbol       string `json:"symbol,omitempty"`
	SymbolOnLeft bool   `json:"symbol_on_left,omitempty"`
}

// New builds a Money in the given supported currency, filling the
// exponent and display settings from the currency table.
func New(minor int64, code string) Money {
	code = strings.ToUpper(code)
	c, ok := Currencies[code]
	if !ok {
		return Money{Minor: minor, Currency: code, Exp: 2}
	}
	return Money{
		Minor:        minor,
		Currency:     code,
		Exp:          c.Exponent,
		Symbol:       c.Symbol,
		SymbolOnLeft: c.SymbolOnLeft,
	}
}

// MajorString renders the amount in the major unit with exactly Exp
// fractional digits, e.g. 100 minor USD -> "1.00", 32 minor JPY -> "32".
func (m Money) MajorString() string {
	if m.Exp == 0 {
		return fmt.Sprintf("%d", m.Minor)
	}

	neg := m.Minor < 0
	minor := m.Minor
	if neg {
		minor = -minor
	}

	s := fmt.Sprintf("%d", minor)
	for len(s) <= m.Exp {
		s = "0" + s
	}
	split := len(s) - m.Exp
	out := s[:split] + "." + s[split:]
	if neg {
		out = "-" + out
	}
	return out
}

// Display renders the amount with its currency symbol, e.g. "$1.00" or
// "15 NOK" for symbol-on-right currencies.
func (m Money) Display() string {
	major := m.MajorString()
	if m.Symbol == "" {
		return major + " " + m.Currency
	}
	if m.SymbolOnLeft {
		return m.Symbol + major
	}
	return major + m.Symbol
}

// String implements fmt.Stringer as "<major> <CODE>".
func (m Money) String() string {
	return m.MajorString() + " " + m.Currency
}

// Equal reports whether two amounts are the same quantity of the same
// currency. Display settings are ignored.
func (m Money) Equal(o Money) bool {
	return m.Minor == o.Minor && m.Currency == o.Currency
}
