// Package domain defines the core interfaces and types for ChainGuard.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)
	SetRuleEnabled(ctx context.Context, tenantID string, ruleID string, enabled bool) error

	// Scoring runs
	SaveRun(ctx context.Context, tenantID string, run *Run) error
	GetRun(ctx context.Context, tenantID string, runID string) (*Run, error)
	ListAssessments(ctx context.Context, tenantID string, runID string, band Band) ([]RiskAssessment, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "pgx"
	Driver string `yaml:"driver" json:"driver" env:"CHAINGUARD_DB_DRIVER" env-default:"sqlite"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath" json:"sqlitePath" env:"CHAINGUARD_SQLITE_PATH" env-default:"./chainguard.db"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost" json:"postgresHost" env:"CHAINGUARD_PG_HOST" env-default:"localhost"`
	PostgresPort     int    `yaml:"postgresPort" json:"postgresPort" env:"CHAINGUARD_PG_PORT" env-default:"5432"`
	PostgresUser     string `yaml:"postgresUser" json:"postgresUser" env:"CHAINGUARD_PG_USER"`
	PostgresPassword string `yaml:"postgresPassword" json:"-" env:"CHAINGUARD_PG_PASSWORD"`
	PostgresDB       string `yaml:"postgresDb" json:"postgresDb" env:"CHAINGUARD_PG_DB" env-default:"chainguard"`
	PostgresSSLMode  string `yaml:"postgresSslMode" json:"postgresSslMode" env:"CHAINGUARD_PG_SSLMODE" env-default:"disable"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns" json:"maxOpenConns" env:"CHAINGUARD_DB_MAX_OPEN" env-default:"25"`
	MaxIdleConns    int           `yaml:"maxIdleConns" json:"maxIdleConns" env:"CHAINGUARD_DB_MAX_IDLE" env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" json:"connMaxLifetime" env:"CHAINGUARD_DB_CONN_LIFETIME" env-default:"5m"`
}
