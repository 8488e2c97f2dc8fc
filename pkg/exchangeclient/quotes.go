package exchangeclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Pair identifies a conversion direction.
type Pair struct {
	FromCurrency string
	FromNetwork  string
	ToCurrency   string
	ToNetwork    string
}

func (p Pair) key() string {
	return strings.ToLower(p.FromCurrency + ":" + p.FromNetwork + ">" + p.ToCurrency + ":" + p.ToNetwork)
}

// ConversionQuote is an estimate consumed immediately by the saga. Amounts are in
// display units of their assets.
type ConversionQuote struct {
	Pair       Pair
	FromAmount decimal.Decimal
	ToAmount   decimal.Decimal
	Fees       decimal.Decimal
	RateID     string
	FetchedAt  time.Time
	// Reused is set when the quote was scaled from a cached one instead of fetched.
	Reused bool
}

// Rate returns destination units per source unit.
func (q ConversionQuote) Rate() decimal.Decimal {
	if !q.FromAmount.IsPositive() {
		return decimal.Zero
	}
	return q.ToAmount.DivRound(q.FromAmount, 18)
}

// Scale returns the quote proportionally rescaled to amount.
func (q ConversionQuote) Scale(amount decimal.Decimal) ConversionQuote {
	if q.FromAmount.Equal(amount) || !q.FromAmount.IsPositive() {
		return q
	}
	ratio := amount.DivRound(q.FromAmount, 18)
	scaled := q
	scaled.FromAmount = amount
	scaled.ToAmount = q.ToAmount.Mul(ratio)
	scaled.Fees = q.Fees.Mul(ratio)
	scaled.Reused = true
	return scaled
}

// QuoteCache holds the latest quote per pair for one process. It is passed explicitly
// to whoever needs it.
type QuoteCache struct {
	tolerance decimal.Decimal
	ttl       time.Duration
	now       func() time.Time

	mu     sync.Mutex
	quotes map[string]ConversionQuote
}

// NewQuoteCache reuses quotes whose amount is within tolerance (a fraction, e.g. 0.2)
// of the requested amount and younger than ttl.
func NewQuoteCache(tolerance decimal.Decimal, ttl time.Duration) *QuoteCache {
	return &QuoteCache{
		tolerance: tolerance,
		ttl:       ttl,
		now:       time.Now,
		quotes:    make(map[string]ConversionQuote),
	}
}

// Lookup returns a quote for amount scaled from a cached one, if any is close enough.
func (c *QuoteCache) Lookup(pair Pair, amount decimal.Decimal) (ConversionQuote, bool) {
	if c == nil || !amount.IsPositive() {
		return ConversionQuote{}, false
	}
	c.mu.Lock()
	cached, ok := c.quotes[pair.key()]
	c.mu.Unlock()
	if !ok || c.expired(cached) || !cached.FromAmount.IsPositive() {
		return ConversionQuote{}, false
	}

	deviation := amount.Sub(cached.FromAmount).Abs().DivRound(cached.FromAmount, 18)
	if deviation.GreaterThan(c.tolerance) {
		return ConversionQuote{}, false
	}
	q := cached.Scale(amount)
	q.Reused = true
	return q, true
}

// Store records a freshly fetched quote.
func (c *QuoteCache) Store(q ConversionQuote) {
	if c == nil || q.Reused {
		return
	}
	c.mu.Lock()
	c.quotes[q.Pair.key()] = q
	c.mu.Unlock()
}

// Invalidate drops the cached quote for pair.
func (c *QuoteCache) Invalidate(pair Pair) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.quotes, pair.key())
	c.mu.Unlock()
}

// Purge drops expired quotes and returns how many were removed.
func (c *QuoteCache) Purge() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, q := range c.quotes {
		if c.expired(q) {
			delete(c.quotes, k)
			removed++
		}
	}
	return removed
}

func (c *QuoteCache) expired(q ConversionQuote) bool {
	return c.ttl > 0 && c.now().Sub(q.FetchedAt) > c.ttl
}

// Estimator is the subset of Client used for quoting.
type Estimator interface {
	EstimateAmount(ctx context.Context, req EstimateRequest) (*EstimateResponse, error)
}

// Quoter serves quotes from the cache when possible and from the API otherwise.
type Quoter struct {
	api   Estimator
	cache *QuoteCache
}

func NewQuoter(api Estimator, cache *QuoteCache) *Quoter {
	return &Quoter{api: api, cache: cache}
}

// Quote returns a conversion quote for amount of pair.From.
func (q *Quoter) Quote(ctx context.Context, pair Pair, amount decimal.Decimal) (ConversionQuote, error) {
	if cached, ok := q.cache.Lookup(pair, amount); ok {
		quoteLookups.WithLabelValues("cache").Inc()
		return cached, nil
	}
	quoteLookups.WithLabelValues("api").Inc()

	resp, err := q.api.EstimateAmount(ctx, EstimateRequest{
		FromCurrency: pair.FromCurrency,
		FromNetwork:  pair.FromNetwork,
		ToCurrency:   pair.ToCurrency,
		ToNetwork:    pair.ToNetwork,
		FromAmount:   amount,
	})
	if err != nil {
		return ConversionQuote{}, err
	}

	quote := ConversionQuote{
		Pair:       pair,
		FromAmount: amount,
		ToAmount:   resp.ToAmount,
		Fees:       resp.DepositFee.Add(resp.WithdrawalFee),
		RateID:     resp.RateID,
		FetchedAt:  time.Now(),
	}
	q.cache.Store(quote)
	return quote, nil
}

// Invalidate forgets the cached quote for pair, forcing the next Quote to call the API.
func (q *Quoter) Invalidate(pair Pair) {
	q.cache.Invalidate(pair)
}
