// Package fx converts between currencies through the currencylayer
// API, caching every rate for a source currency on each fetch.
//
// One API request returns the rates from a source to every supported
// target, and the charge is per request, so a miss fills the whole row
// of the rate table at once.
package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LoansBot/loansbot/internal/cache"
	"github.com/LoansBot/loansbot/internal/money"
	"github.com/LoansBot/loansbot/internal/retry"
)

// DefaultAPIURL is the currencylayer live endpoint. Source-currency
// swaps require a paid plan.
const DefaultAPIURL = "https://apilayer.net/api/live"

// DefaultCacheTTL is how long fetched rates stay valid.
const DefaultCacheTTL = 14400 * time.Second

var (
	// ErrUnknownCurrency is returned for codes outside the supported
	// currency table.
	ErrUnknownCurrency = errors.New("fx: not a supported iso code")
	// ErrRateUnavailable is returned when the source filled the cache
	// but the requested pair still is not present.
	ErrRateUnavailable = errors.New("fx: rate unavailable")
)

// Converter resolves minor-unit conversion rates with a keyed cache in
// front of the external source.
type Converter struct {
	cache  *cache.Cache
	apiKey string
	apiURL string
	ttl    time.Duration
	client *http.Client
	logger *slog.Logger
}

// Option configures a Converter.
type Option func(*Converter)

// WithAPIURL overrides the currencylayer endpoint. Used by tests.
func WithAPIURL(u string) Option { return func(c *Converter) { c.apiURL = u } }

// WithCacheTTL overrides the rate cache TTL.
func WithCacheTTL(ttl time.Duration) Option { return func(c *Converter) { c.ttl = ttl } }

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Converter) { c.logger = l } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Converter) { c.client = h } }

// New creates a Converter over the shared cache.
func New(cc *cache.Cache, apiKey string, opts ...Option) *Converter {
	c := &Converter{
		cache:  cc,
		apiKey: apiKey,
		apiURL: DefaultAPIURL,
		ttl:    DefaultCacheTTL,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert returns rate such that
//
//	(source currency minor units) * rate = (target currency minor units)
//
// The exponent difference between the currencies is already embedded
// in the rate: with 1 USD = 110 JPY, Convert("USD", "JPY") is 1.10,
// since one cent is 1.10 yen.
func (c *Converter) Convert(ctx context.Context, source, target string) (float64, error) {
	source, target = strings.ToUpper(source), strings.ToUpper(target)
	if !money.IsSupported(source) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, source)
	}
	if !money.IsSupported(target) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, target)
	}
	if source == target {
		return 1, nil
	}

	rate, found, err := c.cachedRate(source, target)
	if err != nil {
		return 0, err
	}
	if !found {
		// The reciprocal pair may still be warm.
		inv, invFound, err := c.cachedRate(target, source)
		if err != nil {
			return 0, err
		}
		if invFound {
			rate = 1 / inv
		} else {
			if err := c.fillCache(ctx, source); err != nil {
				return 0, err
			}
			rate, found, err = c.cachedRate(source, target)
			if err != nil {
				return 0, err
			}
			if !found {
				return 0, fmt.Errorf("%w: %s-%s", ErrRateUnavailable, source, target)
			}
		}
	}

	expShift := money.Exponent(target) - money.Exponent(source)
	factor := 1.0
	for i := 0; i < expShift; i++ {
		factor *= 10
	}
	for i := 0; i > expShift; i-- {
		factor /= 10
	}
	return rate * factor, nil
}

func (c *Converter) cachedRate(source, target string) (float64, bool, error) {
	raw, found, err := c.cache.Get(rateKey(source, target))
	if err != nil || !found {
		return 0, false, err
	}
	rate, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		// A corrupt entry is a miss; it will be overwritten.
		return 0, false, nil
	}
	return rate, true, nil
}

// fillCache retrieves source -> {all supported targets} in a single
// request and caches every pair. The request is retried up to 5 times
// with exponential backoff.
func (c *Converter) fillCache(ctx context.Context, source string) error {
	codes := make([]string, 0, len(money.Currencies))
	for code := range money.Currencies {
		codes = append(codes, code)
	}

	started := time.Now()
	var quotes map[string]float64
	err := retry.Do(ctx, 5, 2*time.Second, func() error {
		var err error
		quotes, err = c.fetchQuotes(ctx, source, codes)
		if err != nil {
			c.logger.Warn("currency cache fill attempt failed",
				"source", source, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("fx: fill cache from %s: %w", source, err)
	}

	for pair, rate := range quotes {
		if !strings.HasPrefix(pair, source) {
			continue
		}
		target := pair[len(source):]
		value := strconv.FormatFloat(rate, 'f', -1, 64)
		if err := c.cache.Set(rateKey(source, target), []byte(value), c.ttl); err != nil {
			return fmt.Errorf("fx: cache %s-%s: %w", source, target, err)
		}
	}

	c.logger.Debug("currency cache filled",
		"source", source,
		"pairs", len(quotes),
		"elapsed", time.Since(started))
	return nil
}

func (c *Converter) fetchQuotes(ctx context.Context, source string, targets []string) (map[string]float64, error) {
	q := url.Values{}
	q.Set("access_key", c.apiKey)
	q.Set("currencies", strings.Join(targets, ","))
	q.Set("source", source)
	q.Set("format", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fx: source returned %s", resp.Status)
	}

	var body struct {
		Quotes map[string]float64 `json:"quotes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Quotes) == 0 {
		return nil, errors.New("fx: source returned no quotes")
	}
	return body.Quotes, nil
}

func rateKey(source, target string) string {
	return cache.ConvertPrefix + "/" + source + "-" + target
}
