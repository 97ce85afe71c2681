package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lane is the primary processing lane of an enriched transaction.
type Lane string

const (
	LaneHighValue   Lane = "HIGH_VALUE"
	LaneCrossBorder Lane = "CROSS_BORDER"
	LanePeerToPeer  Lane = "PEER_TO_PEER"
	LaneStandard    Lane = "STANDARD"
)

// PatternType identifies a windowed detector.
type PatternType string

const (
	PatternStructuring          PatternType = "STRUCTURING"
	PatternCrossBorderBurst     PatternType = "CROSS_BORDER_BURST"
	PatternP2PVolume            PatternType = "P2P_VOLUME"
	PatternDestinationDiversity PatternType = "DESTINATION_DIVERSITY"
)

// Detection is emitted once when a window closes with its predicate true.
type Detection struct {
	ID                   string      `json:"id"`
	Pattern              PatternType `json:"pattern"`
	Key                  string      `json:"key"`
	WindowStart          time.Time   `json:"windowStart"`
	WindowEnd            time.Time   `json:"windowEnd"`
	TransactionIDs       []string    `json:"transactionIds"`
	Count                int         `json:"count"`
	TotalAmount          float64     `json:"totalAmount"`
	DistinctDestinations int         `json:"distinctDestinations,omitempty"`
	Description          string      `json:"description"`
	DetectedAt           time.Time   `json:"detectedAt"`
}

// LastTransactionID returns the most recent transaction in the window.
func (d *Detection) LastTransactionID() string {
	if len(d.TransactionIDs) == 0 {
		return ""
	}
	return d.TransactionIDs[len(d.TransactionIDs)-1]
}

// Severity grades outbound requests.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityForLevel maps a risk level to an alert severity.
func SeverityForLevel(l RiskLevel) Severity {
	switch {
	case l.AtLeast(RiskCritical):
		return SeverityCritical
	case l.AtLeast(RiskHigh):
		return SeverityHigh
	case l.AtLeast(RiskMedium):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AlertType names the reason an alert was raised.
type AlertType string

const (
	AlertStructuringPattern      AlertType = "STRUCTURING_PATTERN"
	AlertMultipleInternational   AlertType = "MULTIPLE_INTERNATIONAL_TRANSACTIONS"
	AlertHighVolumeP2P           AlertType = "HIGH_VOLUME_P2P"
	AlertDestinationDiversity    AlertType = "SUSPICIOUS_DESTINATION_DIVERSITY"
	AlertHighValueTransaction    AlertType = "HIGH_VALUE_TRANSACTION"
	AlertHighRiskCrossBorder     AlertType = "HIGH_RISK_CROSS_BORDER"
	AlertTransactionAutoRejected AlertType = "TRANSACTION_AUTO_REJECTED"
	AlertManualReviewRequired    AlertType = "MANUAL_REVIEW_REQUIRED"
)

// RequiredAction tells the alert consumer what is expected of it.
type RequiredAction string

const (
	ActionBlockTransaction RequiredAction = "BLOCK_TRANSACTION"
	ActionManualReview     RequiredAction = "MANUAL_REVIEW"
	ActionInvestigate      RequiredAction = "INVESTIGATE"
	ActionCustomerReview   RequiredAction = "CUSTOMER_REVIEW"
	ActionMonitor          RequiredAction = "MONITOR"
)

// Alert is delivered to the alert sink. AlertID is the idempotency key.
type Alert struct {
	AlertID        string         `json:"alertId"`
	Type           AlertType      `json:"type"`
	TransactionID  string         `json:"transactionId"`
	CustomerID     string         `json:"customerId"`
	Amount         float64        `json:"amount"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	Severity       Severity       `json:"severity"`
	RequiredAction RequiredAction `json:"requiredAction"`
	Timestamp      time.Time      `json:"timestamp"`
}

// InvestigationRequest is delivered to the investigation sink.
type InvestigationRequest struct {
	InvestigationID string         `json:"investigationId"`
	Reason          string         `json:"reason"`
	Priority        Severity       `json:"priority"`
	TransactionIDs  []string       `json:"transactionIds"`
	CustomerIDs     []string       `json:"customerIds"`
	Evidence        map[string]any `json:"evidence"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// ComplianceCaseRequest is delivered to the compliance-case sink.
type ComplianceCaseRequest struct {
	CaseID                string         `json:"caseId"`
	CustomerID            string         `json:"customerId"`
	CaseType              string         `json:"caseType"`
	Severity              Severity       `json:"severity"`
	RelatedTransactionIDs []string       `json:"relatedTransactionIds"`
	TotalSuspiciousAmount float64        `json:"totalSuspiciousAmount"`
	Description           string         `json:"description"`
	Evidence              map[string]any `json:"evidence"`
	CreatedAt             time.Time      `json:"createdAt"`
}

// idNamespace scopes every derived identifier.
var idNamespace = uuid.MustParse("6f1c2a4e-9b3d-5e7f-8a10-2c4d6e8f0a1b")

// DeterministicID derives a stable UUID from its parts so that replaying the
// same input produces the same identifiers.
func DeterministicID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "|"))).String()
}
