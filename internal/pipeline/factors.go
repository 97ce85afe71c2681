package pipeline

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Factor contribution scores.
const (
	scoreGeoHighRisk      = 0.3
	scoreGeoInternational = 0.1
	scoreChannel          = 0.05
	scoreTxType           = 0.05
	scoreHistoricalHigh   = 0.1
	scoreBehavioral       = 0.1
)

// FactorExtractor derives the risk factors of one assessment.
type FactorExtractor struct {
	highRisk map[string]bool
}

// NewFactorExtractor creates an extractor that treats the given country codes
// as high-risk jurisdictions.
func NewFactorExtractor(highRiskCountries []string) *FactorExtractor {
	hr := make(map[string]bool, len(highRiskCountries))
	for _, c := range highRiskCountries {
		hr[strings.ToUpper(c)] = true
	}
	return &FactorExtractor{highRisk: hr}
}

// ExtractFactors builds the factor list for an enriched transaction. previous
// is the latest earlier assessment of the same customer and may be nil.
// The amount factor is always present, so the list is never empty.
func (x *FactorExtractor) ExtractFactors(tx *domain.Transaction, previous *domain.RiskAssessment) []domain.RiskFactor {
	factors := []domain.RiskFactor{{
		Type:  domain.FactorTransactionAmount,
		Value: domain.NumberValue(tx.EffectiveAmount()),
	}}

	if tx.Screening.PEP {
		factors = append(factors, domain.RiskFactor{
			Type:  domain.FactorPEPStatus,
			Value: domain.BoolValue(true),
			Score: 0.2,
		})
	}
	if tx.Screening.Sanctioned {
		factors = append(factors, domain.RiskFactor{
			Type:  domain.FactorSanctionsStatus,
			Value: domain.BoolValue(true),
			Score: 0.5,
		})
	}

	if tx.International {
		country := tx.CounterpartyCountry()
		score := scoreGeoInternational
		if x.highRisk[country] {
			score = scoreGeoHighRisk
		}
		factors = append(factors, domain.RiskFactor{
			Type:  domain.FactorGeographicRisk,
			Value: domain.CountryValue(country),
			Score: score,
		})
	}

	switch tx.ChannelClass {
	case domain.ChannelATM, domain.ChannelUnknown:
		factors = append(factors, domain.RiskFactor{
			Type:  domain.FactorChannelRisk,
			Value: domain.StringValue(string(tx.ChannelClass)),
			Score: scoreChannel,
		})
	}

	switch tx.Type {
	case domain.TxWithdrawal, domain.TxCrossBorder:
		factors = append(factors, domain.RiskFactor{
			Type:  domain.FactorTransactionType,
			Value: domain.StringValue(string(tx.Type)),
			Score: scoreTxType,
		})
	}

	if previous != nil {
		if previous.Level.AtLeast(domain.RiskMedium) {
			var score float64
			if previous.Level.AtLeast(domain.RiskHigh) {
				score = scoreHistoricalHigh
			}
			factors = append(factors, domain.RiskFactor{
				Type:  domain.FactorHistoricalRisk,
				Value: domain.StringValue(string(previous.Level)),
				Score: score,
			})
		}
		if previous.HeightenedMonitoring {
			factors = append(factors, domain.RiskFactor{
				Type:  domain.FactorBehavioralPattern,
				Value: domain.BoolValue(true),
				Score: scoreBehavioral,
			})
		}
	}

	return factors
}
