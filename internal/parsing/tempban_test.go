package parsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTemporaryBan(t *testing.T) {
	tests := []struct {
		details string
		want    time.Duration
	}{
		{"30 days", 30 * 24 * time.Hour},
		{"1 day", 24 * time.Hour},
		{"2 weeks", 14 * 24 * time.Hour},
		{"90 seconds", 90 * time.Second},
		{"45 minutes", 45 * time.Minute},
		{"6 hours", 6 * time.Hour},
		{"Ban changed to 7 days", 7 * 24 * time.Hour},
		{"ban changed to 1 week", 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.details, func(t *testing.T) {
			got, err := ParseTemporaryBan(tt.details)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTemporaryBanInvalid(t *testing.T) {
	for _, details := range []string{
		"permanent",
		"",
		"30 fortnights",
		"until further notice",
	} {
		t.Run(details, func(t *testing.T) {
			_, err := ParseTemporaryBan(details)
			assert.ErrorIs(t, err, ErrTempBanDetails)
		})
	}
}
