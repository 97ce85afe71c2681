// Package enrich normalizes inbound transactions before scoring and aggregation.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Enricher derives the enrichment block of a transaction.
// It never edits its input and re-enriching its own output is a no-op.
type Enricher struct {
	baseCurrency string
	domestic     map[string]struct{}
	rates        domain.RateProvider
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithClock sets the clock used to backfill processing dates.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// New creates an enricher. rates may be nil, in which case foreign amounts
// are left unconverted.
func New(cfg domain.EnrichmentConfig, rates domain.RateProvider, opts ...Option) *Enricher {
	domestic := make(map[string]struct{}, len(cfg.DomesticCountries))
	for _, c := range cfg.DomesticCountries {
		domestic[strings.ToUpper(c)] = struct{}{}
	}

	base := strings.ToUpper(cfg.BaseCurrency)
	if base == "" {
		base = "USD"
	}

	e := &Enricher{
		baseCurrency: base,
		domestic:     domestic,
		rates:        rates,
		now:          time.Now,
		logger:       slog.Default().With("component", "enricher"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich returns an enriched copy of tx.
func (e *Enricher) Enrich(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil record", domain.ErrInvalidTransaction)
	}
	out := *tx

	if out.ChannelClass == "" {
		out.ChannelClass = ClassifyChannel(out.Channel)
	}

	country := strings.ToUpper(out.CounterpartyCountry())
	_, domestic := e.domestic[country]
	out.International = country != "" && !domestic

	out.BaseCurrency = e.baseCurrency
	e.convert(ctx, &out)

	if out.ProcessingDate.IsZero() {
		switch {
		case !out.OccurredAt.IsZero():
			out.ProcessingDate = out.OccurredAt
		case !out.ReceivedAt.IsZero():
			out.ProcessingDate = out.ReceivedAt
		default:
			out.ProcessingDate = e.now().UTC()
		}
	}

	out.Enriched = true
	return &out, nil
}

// convert fills ConvertedAmount for foreign-currency amounts. A rate supplied
// on the record is used as is; otherwise the rate provider is consulted.
func (e *Enricher) convert(ctx context.Context, tx *domain.Transaction) {
	if strings.EqualFold(tx.Currency, e.baseCurrency) || tx.ConvertedAmount > 0 {
		return
	}

	rate := tx.ExchangeRate
	if rate <= 0 {
		if e.rates == nil {
			return
		}
		r, ok, err := e.rates.Rate(ctx, tx.Currency, e.baseCurrency)
		if err != nil {
			e.logger.Warn("exchange rate lookup failed, amount left unconverted",
				"tx_id", tx.ID,
				"currency", tx.Currency,
				"error", err,
			)
			return
		}
		if !ok {
			e.logger.Warn("no exchange rate, amount left unconverted",
				"tx_id", tx.ID,
				"currency", tx.Currency,
			)
			return
		}
		rate = r
	}

	tx.ExchangeRate = rate
	tx.ConvertedAmount = Convert(tx.Amount, rate)
}

// Convert multiplies amount by rate and rounds half-up to 2 decimal places.
func Convert(amount, rate float64) float64 {
	return decimal.NewFromFloat(amount).
		Mul(decimal.NewFromFloat(rate)).
		Round(2).
		InexactFloat64()
}

// ClassifyChannel derives the channel class from device and network hints.
func ClassifyChannel(ch domain.ChannelInfo) domain.ChannelClass {
	device := strings.ToLower(strings.TrimSpace(ch.DeviceType))

	switch {
	case device == "ios" || device == "android" || strings.Contains(device, "mobile"):
		return domain.ChannelMobile
	case device == "atm":
		return domain.ChannelATM
	case device == "api" || device == "server":
		return domain.ChannelAPI
	case device == "branch" || device == "teller":
		return domain.ChannelBranch
	case device == "browser" || device == "web" || ch.IP != "":
		return domain.ChannelWeb
	case device == "" && ch.DeviceID == "":
		return domain.ChannelBranch
	default:
		return domain.ChannelUnknown
	}
}
