// Package decision turns completed assessments and window detections into
// status changes and outbound requests.
package decision

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Action is the disposition chosen for an assessment.
type Action string

const (
	ActionApprove      Action = "APPROVE"
	ActionReject       Action = "REJECT"
	ActionManualReview Action = "MANUAL_REVIEW"
	ActionMonitor      Action = "MONITOR"
)

// Outcome is the result of deciding one assessment.
type Outcome struct {
	Action Action
	Status domain.AssessmentStatus
	// Alert is set for auto-rejected and manual-review assessments.
	Alert *domain.Alert
}

// Escalation holds the requests produced for one detection. Alert is always
// set; the others depend on the pattern.
type Escalation struct {
	Alert         domain.Alert
	Investigation *domain.InvestigationRequest
	Case          *domain.ComplianceCaseRequest
}

// Processor applies the decision table.
type Processor struct {
	highRisk map[string]bool
	logger   *slog.Logger
}

// NewProcessor creates a processor. highRiskCountries drives the
// cross-border lane alert.
func NewProcessor(highRiskCountries []string) *Processor {
	hr := make(map[string]bool, len(highRiskCountries))
	for _, c := range highRiskCountries {
		hr[strings.ToUpper(c)] = true
	}
	return &Processor{
		highRisk: hr,
		logger:   slog.Default().With("component", "decision"),
	}
}

// Decide applies the level-based disposition to a COMPLETED assessment and
// moves it to its final status. MEDIUM only sets HeightenedMonitoring and
// leaves the status unchanged.
func (p *Processor) Decide(a *domain.RiskAssessment, tx *domain.Transaction) (Outcome, error) {
	if a.Status != domain.StatusCompleted {
		return Outcome{}, fmt.Errorf("%w: decide requires %s, assessment %s is %s",
			domain.ErrInvalidTransition, domain.StatusCompleted, a.ID, a.Status)
	}

	var out Outcome
	switch {
	case a.Level.AtLeast(domain.RiskCritical):
		if err := a.Transition(domain.StatusRejected); err != nil {
			return Outcome{}, err
		}
		a.AutoRejected = true
		out.Action = ActionReject
		out.Alert = p.assessmentAlert(a, tx, domain.AlertTransactionAutoRejected, domain.ActionBlockTransaction)

	case a.Level.AtLeast(domain.RiskHigh):
		if err := a.Transition(domain.StatusManualReviewRequired); err != nil {
			return Outcome{}, err
		}
		out.Action = ActionManualReview
		out.Alert = p.assessmentAlert(a, tx, domain.AlertManualReviewRequired, domain.ActionManualReview)

	case a.Level.AtLeast(domain.RiskMedium):
		a.HeightenedMonitoring = true
		out.Action = ActionMonitor

	default:
		if err := a.Transition(domain.StatusApproved); err != nil {
			return Outcome{}, err
		}
		out.Action = ActionApprove
	}

	out.Status = a.Status
	metrics.Decisions.WithLabelValues(string(out.Action)).Inc()

	p.logger.Debug("assessment decided",
		"assessment_id", a.ID,
		"tx_id", a.TransactionID,
		"risk_level", a.Level,
		"action", out.Action,
	)
	return out, nil
}

func (p *Processor) assessmentAlert(a *domain.RiskAssessment, tx *domain.Transaction, typ domain.AlertType, action domain.RequiredAction) *domain.Alert {
	return &domain.Alert{
		AlertID:        domain.DeterministicID("alert", a.ID, string(typ)),
		Type:           typ,
		TransactionID:  a.TransactionID,
		CustomerID:     a.EntityID,
		Amount:         amountOf(tx),
		RiskLevel:      a.Level,
		Severity:       domain.SeverityForLevel(a.Level),
		RequiredAction: action,
		Timestamp:      a.AssessedAt,
	}
}

func amountOf(tx *domain.Transaction) float64 {
	if tx == nil {
		return 0
	}
	return tx.EffectiveAmount()
}

type patternPolicy struct {
	alert       domain.AlertType
	level       domain.RiskLevel
	action      domain.RequiredAction
	investigate bool
	openCase    bool
}

var policies = map[domain.PatternType]patternPolicy{
	domain.PatternStructuring: {
		alert:       domain.AlertStructuringPattern,
		level:       domain.RiskHigh,
		action:      domain.ActionInvestigate,
		investigate: true,
		openCase:    true,
	},
	domain.PatternCrossBorderBurst: {
		alert:       domain.AlertMultipleInternational,
		level:       domain.RiskMedium,
		action:      domain.ActionInvestigate,
		investigate: true,
	},
	domain.PatternP2PVolume: {
		alert:  domain.AlertHighVolumeP2P,
		level:  domain.RiskHigh,
		action: domain.ActionManualReview,
	},
	domain.PatternDestinationDiversity: {
		alert:  domain.AlertDestinationDiversity,
		level:  domain.RiskMedium,
		action: domain.ActionCustomerReview,
	},
}

// Escalate selects the outbound requests for a detection. Every detection
// raises an alert; coordinated patterns add an investigation and
// structuring opens a compliance case.
func (p *Processor) Escalate(d domain.Detection) (Escalation, error) {
	pol, ok := policies[d.Pattern]
	if !ok {
		return Escalation{}, fmt.Errorf("unknown detection pattern %q", d.Pattern)
	}
	severity := domain.SeverityForLevel(pol.level)

	esc := Escalation{
		Alert: domain.Alert{
			AlertID:        domain.DeterministicID("alert", d.ID),
			Type:           pol.alert,
			TransactionID:  d.LastTransactionID(),
			CustomerID:     d.Key,
			Amount:         d.TotalAmount,
			RiskLevel:      pol.level,
			Severity:       severity,
			RequiredAction: pol.action,
			Timestamp:      d.DetectedAt,
		},
	}

	if pol.investigate {
		esc.Investigation = &domain.InvestigationRequest{
			InvestigationID: domain.DeterministicID("investigation", d.ID),
			Reason:          d.Description,
			Priority:        severity,
			TransactionIDs:  d.TransactionIDs,
			CustomerIDs:     []string{d.Key},
			Evidence:        evidence(d),
			CreatedAt:       d.DetectedAt,
		}
	}

	if pol.openCase {
		esc.Case = &domain.ComplianceCaseRequest{
			CaseID:                domain.DeterministicID("case", d.ID),
			CustomerID:            d.Key,
			CaseType:              string(domain.AlertStructuringPattern),
			Severity:              severity,
			RelatedTransactionIDs: d.TransactionIDs,
			TotalSuspiciousAmount: d.TotalAmount,
			Description:           d.Description,
			Evidence:              evidence(d),
			CreatedAt:             d.DetectedAt,
		}
	}

	p.logger.Info("detection escalated",
		"detection_id", d.ID,
		"pattern", d.Pattern,
		"customer_id", d.Key,
		"investigation", esc.Investigation != nil,
		"case", esc.Case != nil,
	)
	return esc, nil
}

func evidence(d domain.Detection) map[string]any {
	ev := map[string]any{
		"detectionId":      d.ID,
		"pattern":          string(d.Pattern),
		"windowStart":      d.WindowStart,
		"windowEnd":        d.WindowEnd,
		"transactionCount": d.Count,
		"totalAmount":      d.TotalAmount,
	}
	if d.DistinctDestinations > 0 {
		ev["distinctDestinations"] = d.DistinctDestinations
	}
	return ev
}

// LaneAlert returns the immediate alert a lane raises for an assessed
// transaction, or nil. HIGH_VALUE always alerts; CROSS_BORDER alerts only
// for a high-risk counterparty country.
func (p *Processor) LaneAlert(lane domain.Lane, a *domain.RiskAssessment, tx *domain.Transaction) *domain.Alert {
	switch lane {
	case domain.LaneHighValue:
		action := domain.ActionMonitor
		if a.Level.AtLeast(domain.RiskHigh) {
			action = domain.ActionManualReview
		}
		severity := domain.SeverityForLevel(a.Level)
		if severity == domain.SeverityLow {
			severity = domain.SeverityMedium
		}
		alert := p.assessmentAlert(a, tx, domain.AlertHighValueTransaction, action)
		alert.Severity = severity
		return alert

	case domain.LaneCrossBorder:
		if !p.highRisk[strings.ToUpper(tx.CounterpartyCountry())] {
			return nil
		}
		alert := p.assessmentAlert(a, tx, domain.AlertHighRiskCrossBorder, domain.ActionInvestigate)
		alert.Severity = domain.SeverityHigh
		return alert
	}
	return nil
}
