package domain

import "time"

// RuleConfig defines a declarative risk rule.
type RuleConfig struct {
	ID          string `json:"id" validate:"required,max=64"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression returning bool, int or double
	Expression string `json:"expression" validate:"required"`

	// Contribution to the score when the rule fires
	Weight float64 `json:"weight" validate:"gte=0,lte=1"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the field constraints of a rule config.
func (r *RuleConfig) Validate() error {
	return validate.Struct(r)
}
