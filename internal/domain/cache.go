package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetEstimate retrieves a memoized estimate.
	// Returns nil, nil on a miss.
	GetEstimate(ctx context.Context, tenantID string, key EstimateKey) (*Estimate, error)

	// SetEstimate memoizes an estimate.
	SetEstimate(ctx context.Context, tenantID string, key EstimateKey, est *Estimate, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EstimateKey identifies a scoring result. Scoring is deterministic for a
// fixed policy version and model set, so the key is the full input.
type EstimateKey struct {
	PolicyVersion    string
	ModelFingerprint string
	Trip             Trip
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int `mapstructure:"localmaxsize"`
	LocalTTL     int `mapstructure:"localttl"` // seconds

	// Redis settings (Pro tier)
	RedisAddr     string `mapstructure:"redisaddr"`
	RedisPassword string `mapstructure:"redispassword"`
	RedisDB       int    `mapstructure:"redisdb"`

	// Two-phase settings
	EnableTwoPhase bool `mapstructure:"enabletwophase"` // If true, check local first, then Redis
}
