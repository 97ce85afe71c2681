// Package sink delivers alerts, investigation requests and compliance-case
// requests to external collaborators.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sinks bundles the three outbound contracts.
type Sinks struct {
	Alerts         domain.AlertSink
	Investigations domain.InvestigationSink
	Cases          domain.CaseSink
}

// New builds the sinks named by cfg.Type. The bus is only required for "bus".
func New(cfg domain.SinkConfig, eb domain.EventBus) (Sinks, error) {
	switch cfg.Type {
	case "bus":
		if eb == nil {
			return Sinks{}, fmt.Errorf("sink type bus requires an event bus")
		}
		s := NewBusSink(eb)
		return Sinks{Alerts: s, Investigations: s, Cases: s}, nil
	case "log", "":
		s := NewLogSink(nil)
		return Sinks{Alerts: s, Investigations: s, Cases: s}, nil
	default:
		return Sinks{}, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

// BusSink publishes JSON payloads on the outbound bus topics.
type BusSink struct {
	bus domain.EventBus
}

// NewBusSink creates a sink publishing on eb.
func NewBusSink(eb domain.EventBus) *BusSink {
	return &BusSink{bus: eb}
}

func (s *BusSink) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// SendAlert publishes to kestrel.alert.
func (s *BusSink) SendAlert(ctx context.Context, alert *domain.Alert) error {
	return s.publish(ctx, domain.TopicAlert, alert)
}

// RequestInvestigation publishes to kestrel.investigation.
func (s *BusSink) RequestInvestigation(ctx context.Context, req *domain.InvestigationRequest) error {
	return s.publish(ctx, domain.TopicInvestigation, req)
}

// CreateCase publishes to kestrel.case.
func (s *BusSink) CreateCase(ctx context.Context, req *domain.ComplianceCaseRequest) error {
	return s.publish(ctx, domain.TopicCase, req)
}

// LogSink writes requests to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses the default logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "log_sink")}
}

func (s *LogSink) SendAlert(ctx context.Context, alert *domain.Alert) error {
	s.logger.InfoContext(ctx, "alert",
		"alert_id", alert.AlertID,
		"type", alert.Type,
		"tx_id", alert.TransactionID,
		"customer_id", alert.CustomerID,
		"amount", alert.Amount,
		"risk_level", alert.RiskLevel,
		"severity", alert.Severity,
		"required_action", alert.RequiredAction,
	)
	return nil
}

func (s *LogSink) RequestInvestigation(ctx context.Context, req *domain.InvestigationRequest) error {
	s.logger.InfoContext(ctx, "investigation requested",
		"investigation_id", req.InvestigationID,
		"reason", req.Reason,
		"priority", req.Priority,
		"tx_ids", req.TransactionIDs,
		"customer_ids", req.CustomerIDs,
	)
	return nil
}

func (s *LogSink) CreateCase(ctx context.Context, req *domain.ComplianceCaseRequest) error {
	s.logger.InfoContext(ctx, "compliance case requested",
		"case_id", req.CaseID,
		"case_type", req.CaseType,
		"customer_id", req.CustomerID,
		"severity", req.Severity,
		"total_suspicious_amount", req.TotalSuspiciousAmount,
		"tx_ids", req.RelatedTransactionIDs,
	)
	return nil
}
