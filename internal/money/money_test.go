package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMajorString(t *testing.T) {
	tests := []struct {
		name  string
		minor int64
		code  string
		want  string
	}{
		{"usd whole", 10000, "USD", "100.00"},
		{"usd cents", 1, "USD", "0.01"},
		{"usd mixed", 1234, "USD", "12.34"},
		{"usd zero", 0, "USD", "0.00"},
		{"jpy no decimals", 10000, "JPY", "10000"},
		{"gbp", 10050, "GBP", "100.50"},
		{"negative", -250, "USD", "-2.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.minor, tt.code).MajorString())
		})
	}
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "$100.00", New(10000, "USD").Display())
	assert.Equal(t, "£15.00", New(1500, "GBP").Display())
	assert.Equal(t, "€9.99", New(999, "EUR").Display())
	assert.Equal(t, "¥500", New(500, "JPY").Display())

	// Unknown currency falls back to "<amount> <code>".
	m := Money{Minor: 1500, Currency: "NOK", Exp: 2}
	assert.Equal(t, "15.00 NOK", m.Display())
}

func TestEqualIgnoresDisplaySettings(t *testing.T) {
	a := New(100, "USD")
	b := Money{Minor: 100, Currency: "USD", Exp: 2}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(New(101, "USD")))
	assert.False(t, a.Equal(New(100, "CAD")))
}

func TestExponent(t *testing.T) {
	assert.Equal(t, 0, Exponent("JPY"))
	assert.Equal(t, 2, Exponent("usd"))
	assert.Equal(t, 2, Exponent("XXX"))
}
