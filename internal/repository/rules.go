package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveRuleConfig upserts a rule configuration keyed by its id.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	updated := rule.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, weight, enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, rule.Weight, boolInt(rule.Enabled), updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

// ListRuleConfigs returns every stored rule, enabled or not, ordered by id.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, weight, enabled, updated_at
		FROM rule_configs
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var enabled int
		var updated int64

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Version,
			&cfg.Expression, &cfg.Weight, &enabled, &updated,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		cfg.UpdatedAt = fromUnixNano(updated)
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}
