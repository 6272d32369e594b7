package fx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoansBot/loansbot/internal/cache"
)

func quoteServer(t *testing.T, quotes map[string]float64, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		source := r.URL.Query().Get("source")
		out := map[string]float64{}
		for pair, rate := range quotes {
			if len(pair) >= 3 && pair[:3] == source {
				out[pair] = rate
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"quotes": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConvertIdentity(t *testing.T) {
	// The fast path never touches cache or network.
	c := New(cache.NewWithClient(cache.NewMemoryClient()), "key", WithAPIURL("http://unreachable.invalid"))
	rate, err := c.Convert(context.Background(), "USD", "USD")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}

func TestConvertUnknownCurrency(t *testing.T) {
	c := New(cache.NewWithClient(cache.NewMemoryClient()), "key")
	_, err := c.Convert(context.Background(), "USD", "XYZ")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
	_, err = c.Convert(context.Background(), "ZZZ", "USD")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestConvertFillsCacheOnce(t *testing.T) {
	var calls atomic.Int64
	srv := quoteServer(t, map[string]float64{
		"USDJPY": 110.0,
		"USDEUR": 0.9,
		"USDGBP": 0.8,
	}, &calls)

	c := New(cache.NewWithClient(cache.NewMemoryClient()), "key", WithAPIURL(srv.URL))

	// USD->JPY embeds the exponent shift: 1 cent = 1.10 yen.
	rate, err := c.Convert(context.Background(), "USD", "JPY")
	require.NoError(t, err)
	assert.InDelta(t, 1.10, rate, 1e-9)

	// Same-exponent pair uses the raw rate.
	rate, err = c.Convert(context.Background(), "USD", "EUR")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rate, 1e-9)

	// Both conversions came out of the single fill request.
	assert.Equal(t, int64(1), calls.Load())
}

func TestConvertUsesReciprocal(t *testing.T) {
	var calls atomic.Int64
	srv := quoteServer(t, map[string]float64{
		"USDEUR": 0.8,
		"USDJPY": 100.0,
		"USDGBP": 0.75,
	}, &calls)

	c := New(cache.NewWithClient(cache.NewMemoryClient()), "key", WithAPIURL(srv.URL))

	_, err := c.Convert(context.Background(), "USD", "EUR")
	require.NoError(t, err)

	// EUR->USD is answered from the cached USD->EUR rate, no new call.
	rate, err := c.Convert(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, rate, 1e-9)
	assert.Equal(t, int64(1), calls.Load())
}

func TestConvertRoundTripApproximatelyOne(t *testing.T) {
	srv := quoteServer(t, map[string]float64{
		"USDGBP": 0.79321,
		"USDJPY": 149.3,
		"USDEUR": 0.91,
	}, nil)

	c := New(cache.NewWithClient(cache.NewMemoryClient()), "key", WithAPIURL(srv.URL))

	ab, err := c.Convert(context.Background(), "USD", "GBP")
	require.NoError(t, err)
	ba, err := c.Convert(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ab*ba, 1e-9)
}

func TestConvertRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quotes": map[string]float64{"USDEUR": 0.9, "USDJPY": 100.0},
		})
	}))
	defer srv.Close()

	c := New(cache.NewWithClient(cache.NewMemoryClient()), "key", WithAPIURL(srv.URL))
	// Shrink backoff indirectly by bounding the test; 2s+4s base delays
	// are acceptable for this path but not in unit tests, so cap the
	// context instead of waiting out the full schedule.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rate, err := c.Convert(ctx, "USD", "EUR")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rate, 1e-9)
	assert.Equal(t, int64(3), calls.Load())
}
