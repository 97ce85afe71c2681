package domain

import (
	"context"
	"time"
)

// Cache namespaces.
const (
	CacheNamespaceFX         = "fx"
	CacheNamespaceAssessment = "assessment"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// Keys are scoped by namespace.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, namespace string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, namespace string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type" json:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"local_max_size" json:"localMaxSize"`
	LocalTTL     time.Duration `koanf:"local_ttl" json:"localTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redis_addr" json:"redisAddr"`
	RedisPassword string `koanf:"redis_password" json:"-"`
	RedisDB       int    `koanf:"redis_db" json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enable_two_phase" json:"enableTwoPhase"` // If true, check local first, then Redis

	// HistoryTTL bounds how long the latest assessment per customer is cached.
	HistoryTTL time.Duration `koanf:"history_ttl" json:"historyTtl"`
}
