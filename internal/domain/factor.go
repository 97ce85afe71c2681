package domain

// FactorType names a risk signal. The set is closed.
type FactorType string

const (
	FactorTransactionAmount FactorType = "TRANSACTION_AMOUNT"
	FactorPEPStatus         FactorType = "PEP_STATUS"
	FactorSanctionsStatus   FactorType = "SANCTIONS_STATUS"
	FactorGeographicRisk    FactorType = "GEOGRAPHIC_RISK"
	FactorBehavioralPattern FactorType = "BEHAVIORAL_PATTERN"
	FactorChannelRisk       FactorType = "CHANNEL_RISK"
	FactorTransactionType   FactorType = "TRANSACTION_TYPE"
	FactorHistoricalRisk    FactorType = "HISTORICAL_RISK"
)

// Valid reports whether t is one of the known factor types.
func (t FactorType) Valid() bool {
	switch t {
	case FactorTransactionAmount, FactorPEPStatus, FactorSanctionsStatus,
		FactorGeographicRisk, FactorBehavioralPattern, FactorChannelRisk,
		FactorTransactionType, FactorHistoricalRisk:
		return true
	}
	return false
}

// ValueKind tags the variant held by a FactorValue.
type ValueKind string

const (
	KindNumeric ValueKind = "numeric"
	KindBoolean ValueKind = "boolean"
	KindString  ValueKind = "string"
	KindCountry ValueKind = "country"
)

// FactorValue is a tagged variant. Only the field matching Kind is meaningful.
type FactorValue struct {
	Kind   ValueKind `json:"kind"`
	Number float64   `json:"number,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
	Text   string    `json:"text,omitempty"`
}

func NumberValue(v float64) FactorValue { return FactorValue{Kind: KindNumeric, Number: v} }
func BoolValue(v bool) FactorValue      { return FactorValue{Kind: KindBoolean, Bool: v} }
func StringValue(v string) FactorValue  { return FactorValue{Kind: KindString, Text: v} }
func CountryValue(v string) FactorValue { return FactorValue{Kind: KindCountry, Text: v} }

// Any returns the value as a plain Go value for expression evaluation.
func (v FactorValue) Any() any {
	switch v.Kind {
	case KindNumeric:
		return v.Number
	case KindBoolean:
		return v.Bool
	default:
		return v.Text
	}
}

// RiskFactor is one signal extracted for a single assessment.
type RiskFactor struct {
	Type  FactorType  `json:"type"`
	Value FactorValue `json:"value"`
	Score float64     `json:"score"`
}
