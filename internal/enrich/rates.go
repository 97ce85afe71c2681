package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// StaticRates serves a configured table of base-currency multipliers.
type StaticRates struct {
	base  string
	rates map[string]decimal.Decimal
}

// NewStaticRates builds a rate table. table maps a currency to the number of
// base units one unit of it is worth.
func NewStaticRates(base string, table map[string]float64) *StaticRates {
	rates := make(map[string]decimal.Decimal, len(table)+1)
	for ccy, r := range table {
		if r > 0 {
			rates[strings.ToUpper(ccy)] = decimal.NewFromFloat(r)
		}
	}
	base = strings.ToUpper(base)
	rates[base] = decimal.NewFromInt(1)
	return &StaticRates{base: base, rates: rates}
}

// Rate returns the multiplier converting from into to.
func (s *StaticRates) Rate(_ context.Context, from, to string) (float64, bool, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return 1, true, nil
	}

	rf, ok := s.rates[from]
	if !ok {
		return 0, false, nil
	}
	rt, ok := s.rates[to]
	if !ok {
		return 0, false, nil
	}
	return rf.DivRound(rt, 8).InexactFloat64(), true, nil
}

// CachedRates memoizes another provider in the fx cache namespace.
type CachedRates struct {
	next   domain.RateProvider
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedRates wraps next with cache.
func NewCachedRates(next domain.RateProvider, cache domain.Cache, ttl time.Duration) *CachedRates {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedRates{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: slog.Default().With("component", "fx_cache"),
	}
}

// Rate returns a cached rate or fetches and caches it.
func (c *CachedRates) Rate(ctx context.Context, from, to string) (float64, bool, error) {
	key := strings.ToUpper(from) + ":" + strings.ToUpper(to)

	raw, err := c.cache.Get(ctx, domain.CacheNamespaceFX, key)
	if err != nil {
		c.logger.Warn("fx cache read failed", "key", key, "error", err)
	} else if raw != nil {
		if r, perr := strconv.ParseFloat(string(raw), 64); perr == nil {
			return r, true, nil
		}
		c.logger.Warn("fx cache entry unreadable, refetching", "key", key)
	}

	rate, ok, err := c.next.Rate(ctx, from, to)
	if err != nil {
		return 0, false, fmt.Errorf("rate %s: %w", key, err)
	}
	if !ok {
		return 0, false, nil
	}

	val := []byte(strconv.FormatFloat(rate, 'f', -1, 64))
	if err := c.cache.Set(ctx, domain.CacheNamespaceFX, key, val, c.ttl); err != nil {
		c.logger.Warn("fx cache write failed", "key", key, "error", err)
	}
	return rate, true, nil
}
