// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// AssessmentStore persists risk assessments and the detections behind them.
type AssessmentStore interface {
	// SaveAssessment upserts by assessment id. Terminal records are kept.
	SaveAssessment(ctx context.Context, a *RiskAssessment) error
	GetAssessment(ctx context.Context, id string) (*RiskAssessment, error)

	// LatestAssessment returns the most recently assessed record for an entity.
	LatestAssessment(ctx context.Context, entityID string) (*RiskAssessment, error)

	// LatestAssessmentBefore returns the latest record assessed strictly
	// before t, in event time.
	LatestAssessmentBefore(ctx context.Context, entityID string, t time.Time) (*RiskAssessment, error)
	ListAssessments(ctx context.Context, filter AssessmentFilter) ([]*RiskAssessment, error)

	SaveDetection(ctx context.Context, d *Detection) error
	ListDetections(ctx context.Context, key string) ([]*Detection, error)
}

// RuleConfigStore is the pull side of the rule set loader.
type RuleConfigStore interface {
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
}

// Repository is the full persistence surface.
type Repository interface {
	AssessmentStore
	RuleConfigStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AssessmentFilter narrows ListAssessments. Zero fields are ignored.
type AssessmentFilter struct {
	EntityID string
	Levels   []RiskLevel
	From     time.Time
	To       time.Time
	Limit    int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `koanf:"postgres_port" json:"postgresPort"`
	PostgresUser     string `koanf:"postgres_user" json:"postgresUser"`
	PostgresPassword string `koanf:"postgres_password" json:"-"`
	PostgresDB       string `koanf:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `koanf:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"connMaxLifetime"`
}
