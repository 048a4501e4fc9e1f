package domain

import (
	"context"
	"time"
)

// Cache holds hot lookups and the per-patient monthly visit counters.
// Community runs a local LRU; Pro runs Redis, optionally fronted by the
// LRU. Every key is tenant-scoped.
type Cache interface {
	// Get retrieves a value; a miss is nil, nil, not an error.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value with an expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, tenantID string, key string) error

	// IncrementCounter atomically increments a windowed counter and
	// returns the new value. Backs per-patient monthly visit ordinals.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// GetCounter reads a windowed counter without touching it.
	// ok is false when the counter is absent or its window has lapsed.
	GetCounter(ctx context.Context, tenantID string, key string) (value int64, ok bool, err error)

	// SetCounter seeds a windowed counter, e.g. from an authoritative
	// repository count, so later increments continue from it.
	SetCounter(ctx context.Context, tenantID string, key string, value int64, window time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache implementation.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
