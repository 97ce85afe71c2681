package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinVersion is the version tag of BuiltinRules.
const BuiltinVersion = "builtin-1"

// BuiltinRules returns the default rule set, used when the rule store is empty.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "pep-exposure",
			Name:        "Politically exposed person",
			Description: "Customer is screened as a PEP",
			Version:     BuiltinVersion,
			Expression:  "pep",
			Weight:      0.2,
			Enabled:     true,
		},
		{
			ID:          "sanctions-hit",
			Name:        "Sanctions screening hit",
			Description: "Customer matched a sanctions list",
			Version:     BuiltinVersion,
			Expression:  "sanctioned",
			Weight:      0.5,
			Enabled:     true,
		},
		{
			ID:          "large-amount",
			Name:        "Large amount",
			Description: "Amount above the reporting threshold",
			Version:     BuiltinVersion,
			Expression:  "amount > 10000.0",
			Weight:      0.1,
			Enabled:     true,
		},
		{
			ID:          "very-large-amount",
			Name:        "Very large amount",
			Description: "Amount in the high-value lane range",
			Version:     BuiltinVersion,
			Expression:  "amount >= 50000.0",
			Weight:      0.15,
			Enabled:     true,
		},
		{
			ID:          "high-risk-geography",
			Name:        "High-risk geography",
			Description: "Counterparty located in a high-risk jurisdiction",
			Version:     BuiltinVersion,
			Expression:  `"GEOGRAPHIC_RISK" in factors && factors["GEOGRAPHIC_RISK"] >= 0.3`,
			Weight:      0.2,
			Enabled:     true,
		},
		{
			ID:          "international-withdrawal",
			Name:        "International withdrawal",
			Description: "Cash withdrawal routed to a foreign counterparty",
			Version:     BuiltinVersion,
			Expression:  `international && tx_type == "WITHDRAWAL"`,
			Weight:      0.1,
			Enabled:     true,
		},
		{
			ID:          "behavioral-signal",
			Name:        "Behavioral signal",
			Description: "Customer is under heightened monitoring",
			Version:     BuiltinVersion,
			Expression:  `"BEHAVIORAL_PATTERN" in factors && factors["BEHAVIORAL_PATTERN"] > 0.0`,
			Weight:      0.1,
			Enabled:     true,
		},
		{
			ID:          "repeat-high-risk",
			Name:        "Repeat high risk",
			Description: "Previous assessment was high or above",
			Version:     BuiltinVersion,
			Expression:  `"HISTORICAL_RISK" in factors && factors["HISTORICAL_RISK"] >= 0.1`,
			Weight:      0.1,
			Enabled:     true,
		},
	}
}
