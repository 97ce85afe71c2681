package domain

import "context"

// AlertSink receives real-time alerts.
type AlertSink interface {
	SendAlert(ctx context.Context, alert *Alert) error
}

// InvestigationSink receives investigation requests.
type InvestigationSink interface {
	RequestInvestigation(ctx context.Context, req *InvestigationRequest) error
}

// CaseSink receives compliance-case creation requests.
type CaseSink interface {
	CreateCase(ctx context.Context, req *ComplianceCaseRequest) error
}

// RateProvider returns the multiplier converting one unit of from into to.
// ok is false when no rate is known.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (rate float64, ok bool, err error)
}
