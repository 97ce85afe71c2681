package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const assessmentColumns = `
	id, entity_id, entity_type, transaction_id, score, level, confidence,
	fired_rules, type, status, previous_assessment_id, previous_level,
	rule_set_version, mode, degraded, auto_rejected, heightened_monitoring,
	factors, processing_time_ns, assessed_at, created_at, updated_at`

// SaveAssessment upserts an assessment keyed by its id. A stored assessment
// that reached APPROVED or REJECTED is never overwritten.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	if a == nil || a.ID == "" || a.EntityID == "" {
		return fmt.Errorf("%w: assessment id and entity id are required", ErrInvalidInput)
	}
	if !a.Level.Valid() {
		return fmt.Errorf("%w: unknown risk level %q", ErrInvalidInput, a.Level)
	}

	fired, err := json.Marshal(nonNil(a.FiredRules))
	if err != nil {
		return fmt.Errorf("marshal fired rules: %w", err)
	}
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}

	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `
		INSERT INTO assessments (` + assessmentColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			score = excluded.score,
			level = excluded.level,
			confidence = excluded.confidence,
			fired_rules = excluded.fired_rules,
			type = excluded.type,
			status = excluded.status,
			previous_assessment_id = excluded.previous_assessment_id,
			previous_level = excluded.previous_level,
			rule_set_version = excluded.rule_set_version,
			mode = excluded.mode,
			degraded = excluded.degraded,
			auto_rejected = excluded.auto_rejected,
			heightened_monitoring = excluded.heightened_monitoring,
			factors = excluded.factors,
			processing_time_ns = excluded.processing_time_ns,
			assessed_at = excluded.assessed_at,
			updated_at = excluded.updated_at
		WHERE assessments.status NOT IN ('APPROVED', 'REJECTED')
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.EntityID, string(a.EntityType), a.TransactionID,
		a.Score, string(a.Level), a.Confidence,
		string(fired), string(a.Type), string(a.Status),
		a.PreviousAssessmentID, string(a.PreviousLevel),
		a.RuleSetVersion, string(a.Mode), a.Degraded,
		boolInt(a.AutoRejected), boolInt(a.HeightenedMonitoring),
		string(factors), int64(a.ProcessingTime),
		unixNano(a.AssessedAt), unixNano(a.CreatedAt), unixNano(updated),
	)
	if err != nil {
		return fmt.Errorf("save assessment %s: %w", a.ID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (*domain.RiskAssessment, error) {
	var (
		a                                    domain.RiskAssessment
		entityType, level, typ, status, mode string
		previousLevel                        string
		fired, factors                       string
		autoRejected, heightened             int
		processingNs                         int64
		assessedAt, createdAt, updatedAt     int64
	)

	if err := row.Scan(
		&a.ID, &a.EntityID, &entityType, &a.TransactionID,
		&a.Score, &level, &a.Confidence,
		&fired, &typ, &status,
		&a.PreviousAssessmentID, &previousLevel,
		&a.RuleSetVersion, &mode, &a.Degraded,
		&autoRejected, &heightened,
		&factors, &processingNs,
		&assessedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	a.EntityType = domain.EntityType(entityType)
	a.Level = domain.RiskLevel(level)
	a.Type = domain.AssessmentType(typ)
	a.Status = domain.AssessmentStatus(status)
	a.Mode = domain.EvaluationMode(mode)
	a.PreviousLevel = domain.RiskLevel(previousLevel)
	a.AutoRejected = autoRejected == 1
	a.HeightenedMonitoring = heightened == 1
	a.ProcessingTime = time.Duration(processingNs)
	a.AssessedAt = fromUnixNano(assessedAt)
	a.CreatedAt = fromUnixNano(createdAt)
	a.UpdatedAt = fromUnixNano(updatedAt)

	if err := json.Unmarshal([]byte(fired), &a.FiredRules); err != nil {
		return nil, fmt.Errorf("parse fired rules of %s: %w", a.ID, err)
	}
	if factors != "" && factors != "null" {
		if err := json.Unmarshal([]byte(factors), &a.Factors); err != nil {
			return nil, fmt.Errorf("parse factors of %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// GetAssessment retrieves an assessment by id.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.RiskAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE id = ?`

	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LatestAssessment returns the entity's most recently assessed record.
func (r *SQLRepository) LatestAssessment(ctx context.Context, entityID string) (*domain.RiskAssessment, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}

	query := `SELECT ` + assessmentColumns + `
		FROM assessments
		WHERE entity_id = ?
		ORDER BY assessed_at DESC, id DESC
		LIMIT 1`

	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LatestAssessmentBefore returns the entity's latest record assessed strictly
// before t.
func (r *SQLRepository) LatestAssessmentBefore(ctx context.Context, entityID string, t time.Time) (*domain.RiskAssessment, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}

	query := `SELECT ` + assessmentColumns + `
		FROM assessments
		WHERE entity_id = ? AND assessed_at < ?
		ORDER BY assessed_at DESC, id DESC
		LIMIT 1`

	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), entityID, unixNano(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAssessments returns assessments matching filter, newest first.
func (r *SQLRepository) ListAssessments(ctx context.Context, filter domain.AssessmentFilter) ([]*domain.RiskAssessment, error) {
	var (
		where []string
		args  []any
	)

	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(filter.Levels) > 0 {
		marks := make([]string, len(filter.Levels))
		for i, l := range filter.Levels {
			if !l.Valid() {
				return nil, fmt.Errorf("%w: unknown risk level %q", ErrInvalidInput, l)
			}
			marks[i] = "?"
			args = append(args, string(l))
		}
		where = append(where, "level IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "assessed_at >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "assessed_at < ?")
		args = append(args, filter.To.UnixNano())
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: range end before start", ErrInvalidInput)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + assessmentColumns + ` FROM assessments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY assessed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RiskAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveDetection stores a detection. Replays of the same detection are
// ignored.
func (r *SQLRepository) SaveDetection(ctx context.Context, d *domain.Detection) error {
	if d == nil || d.ID == "" || d.Key == "" {
		return fmt.Errorf("%w: detection id and key are required", ErrInvalidInput)
	}

	ids, err := json.Marshal(nonNil(d.TransactionIDs))
	if err != nil {
		return fmt.Errorf("marshal transaction ids: %w", err)
	}

	query := `
		INSERT INTO detections (
			id, pattern, customer_key, window_start, window_end, transaction_ids,
			tx_count, total_amount, distinct_destinations, description, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		d.ID, string(d.Pattern), d.Key,
		unixNano(d.WindowStart), unixNano(d.WindowEnd), string(ids),
		d.Count, d.TotalAmount, d.DistinctDestinations, d.Description,
		unixNano(d.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("save detection %s: %w", d.ID, err)
	}
	return nil
}

// ListDetections returns the detections for a customer key ordered by window.
func (r *SQLRepository) ListDetections(ctx context.Context, key string) ([]*domain.Detection, error) {
	query := `
		SELECT id, pattern, customer_key, window_start, window_end, transaction_ids,
			tx_count, total_amount, distinct_destinations, description, detected_at
		FROM detections
		WHERE customer_key = ?
		ORDER BY window_start, pattern
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Detection
	for rows.Next() {
		var (
			d                      domain.Detection
			pattern, ids           string
			start, end, detectedAt int64
		)
		if err := rows.Scan(
			&d.ID, &pattern, &d.Key, &start, &end, &ids,
			&d.Count, &d.TotalAmount, &d.DistinctDestinations, &d.Description, &detectedAt,
		); err != nil {
			return nil, err
		}
		d.Pattern = domain.PatternType(pattern)
		d.WindowStart = fromUnixNano(start)
		d.WindowEnd = fromUnixNano(end)
		d.DetectedAt = fromUnixNano(detectedAt)
		if err := json.Unmarshal([]byte(ids), &d.TransactionIDs); err != nil {
			return nil, fmt.Errorf("parse transaction ids of %s: %w", d.ID, err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
