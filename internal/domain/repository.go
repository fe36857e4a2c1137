// Package domain defines the core interfaces and types for perdiem.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Estimate methods require tenantID for strict multi-tenancy isolation.
// Policy documents are global: every tenant scores against the same table.
type Repository interface {
	// Estimate operations
	SaveEstimate(ctx context.Context, tenantID string, est *Estimate) error
	GetEstimate(ctx context.Context, tenantID string, estimateID string) (*Estimate, error)
	ListEstimates(ctx context.Context, tenantID string, limit int) ([]*Estimate, error)
	PurgeEstimates(ctx context.Context, before time.Time) (int64, error)

	// Policy document operations
	SavePolicy(ctx context.Context, doc *PolicyDocument) error
	GetPolicy(ctx context.Context, version string) (*PolicyDocument, error)
	ListPolicies(ctx context.Context) ([]*PolicyDocument, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlitepath"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgreshost"`
	PostgresPort     int    `mapstructure:"postgresport"`
	PostgresUser     string `mapstructure:"postgresuser"`
	PostgresPassword string `mapstructure:"postgrespassword"`
	PostgresDB       string `mapstructure:"postgresdb"`
	PostgresSSLMode  string `mapstructure:"postgressslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"maxopenconns"`
	MaxIdleConns    int           `mapstructure:"maxidleconns"`
	ConnMaxLifetime time.Duration `mapstructure:"connmaxlifetime"`
}
