package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// RiskLevel is the ordered risk category of an assessment.
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "VERY_LOW"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
	// RiskMaximum is only reachable through Escalate.
	RiskMaximum RiskLevel = "MAXIMUM"
)

// Score thresholds; a score equal to a threshold belongs to the higher band.
const (
	ThresholdCritical = 0.8
	ThresholdHigh     = 0.6
	ThresholdMedium   = 0.4
	ThresholdLow      = 0.2
)

var levelOrder = []RiskLevel{RiskVeryLow, RiskLow, RiskMedium, RiskHigh, RiskCritical, RiskMaximum}

// RiskLevelFromScore classifies a score in [0,1].
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score >= ThresholdCritical:
		return RiskCritical
	case score >= ThresholdHigh:
		return RiskHigh
	case score >= ThresholdMedium:
		return RiskMedium
	case score >= ThresholdLow:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

// Priority returns 1 (VERY_LOW) through 6 (MAXIMUM), or 0 for unknown values.
func (l RiskLevel) Priority() int {
	for i, lvl := range levelOrder {
		if lvl == l {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether l is a known level.
func (l RiskLevel) Valid() bool { return l.Priority() > 0 }

// AtLeast reports whether l is the same as or above other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.Priority() >= other.Priority()
}

// Escalate returns the next level up. MAXIMUM stays MAXIMUM.
func (l RiskLevel) Escalate() RiskLevel {
	p := l.Priority()
	if p == 0 || p == len(levelOrder) {
		return l
	}
	return levelOrder[p]
}

// Deescalate returns the next level down. VERY_LOW stays VERY_LOW.
func (l RiskLevel) Deescalate() RiskLevel {
	p := l.Priority()
	if p <= 1 {
		return l
	}
	return levelOrder[p-2]
}

// AssessmentStatus is the lifecycle position of an assessment.
type AssessmentStatus string

const (
	StatusPending              AssessmentStatus = "PENDING"
	StatusInProgress           AssessmentStatus = "IN_PROGRESS"
	StatusCompleted            AssessmentStatus = "COMPLETED"
	StatusApproved             AssessmentStatus = "APPROVED"
	StatusRejected             AssessmentStatus = "REJECTED"
	StatusManualReviewRequired AssessmentStatus = "MANUAL_REVIEW_REQUIRED"
)

var statusEdges = map[AssessmentStatus][]AssessmentStatus{
	StatusPending:              {StatusInProgress},
	StatusInProgress:           {StatusCompleted},
	StatusCompleted:            {StatusApproved, StatusRejected, StatusManualReviewRequired},
	StatusManualReviewRequired: {StatusApproved, StatusRejected},
}

// Terminal reports whether no further transition is allowed.
func (s AssessmentStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransition reports whether s -> to is a lifecycle edge.
func (s AssessmentStatus) CanTransition(to AssessmentStatus) bool {
	for _, next := range statusEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AssessmentType records why an assessment was produced.
type AssessmentType string

const (
	AssessmentInitial        AssessmentType = "INITIAL"
	AssessmentPeriodic       AssessmentType = "PERIODIC"
	AssessmentEventTriggered AssessmentType = "EVENT_TRIGGERED"
	AssessmentQuick          AssessmentType = "QUICK"
)

// EntityType is the kind of entity an assessment is about.
type EntityType string

const (
	EntityCustomer    EntityType = "CUSTOMER"
	EntityAccount     EntityType = "ACCOUNT"
	EntityTransaction EntityType = "TRANSACTION"
)

// EvaluationMode is the scoring path taken by the rule engine.
type EvaluationMode string

const (
	ModeFull  EvaluationMode = "FULL"
	ModeQuick EvaluationMode = "QUICK"
)

// Degraded reasons recorded on an assessment scored by a fallback path.
const (
	DegradedTimeout = "timeout"
	DegradedError   = "error"
)

// RiskAssessment is the outcome of one evaluation.
type RiskAssessment struct {
	ID            string     `json:"id"`
	EntityID      string     `json:"entityId"`
	EntityType    EntityType `json:"entityType"`
	TransactionID string     `json:"transactionId,omitempty"`

	Score      float64   `json:"score"`
	Level      RiskLevel `json:"level"`
	Confidence float64   `json:"confidence"`
	FiredRules []string  `json:"firedRules"`

	Type   AssessmentType   `json:"type"`
	Status AssessmentStatus `json:"status"`

	// Delta detection against the prior assessment of the same entity
	PreviousAssessmentID string    `json:"previousAssessmentId,omitempty"`
	PreviousLevel        RiskLevel `json:"previousLevel,omitempty"`

	RuleSetVersion string         `json:"ruleSetVersion,omitempty"`
	Mode           EvaluationMode `json:"mode,omitempty"`
	Degraded       string         `json:"degraded,omitempty"`

	AutoRejected         bool `json:"autoRejected"`
	HeightenedMonitoring bool `json:"heightenedMonitoring"`

	Factors []RiskFactor `json:"factors,omitempty"`

	ProcessingTime time.Duration `json:"processingTimeNs"`
	AssessedAt     time.Time     `json:"assessedAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// NewAssessment creates a PENDING assessment.
func NewAssessment(id, entityID string, entityType EntityType, now time.Time) *RiskAssessment {
	return &RiskAssessment{
		ID:         id,
		EntityID:   entityID,
		EntityType: entityType,
		Level:      RiskVeryLow,
		Type:       AssessmentInitial,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the assessment along its lifecycle.
func (a *RiskAssessment) Transition(to AssessmentStatus) error {
	if !a.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	return nil
}

// Escalate raises the level by one step. Terminal assessments are immutable.
func (a *RiskAssessment) Escalate() error {
	if a.Status.Terminal() {
		return fmt.Errorf("%w: assessment %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	a.Level = a.Level.Escalate()
	return nil
}

// Deescalate lowers the level by one step. Terminal assessments are immutable.
func (a *RiskAssessment) Deescalate() error {
	if a.Status.Terminal() {
		return fmt.Errorf("%w: assessment %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	a.Level = a.Level.Deescalate()
	return nil
}

// LevelDelta is the priority change relative to the previous assessment.
// It is zero when there is no previous assessment.
func (a *RiskAssessment) LevelDelta() int {
	if a.PreviousLevel == "" {
		return 0
	}
	return a.Level.Priority() - a.PreviousLevel.Priority()
}
