package erpconnector

// Config holds the configuration for the ERP connector.
type Config struct {
	// Driver selects and configures the ERP driver backing all sessions.
	Driver DriverConfig `json:"driver" yaml:"driver"`
	// KeyStore configures where tenant API keys are persisted.
	KeyStore KeyStoreConfig `json:"key_store" yaml:"key_store"`
	// Sealer configures the host-local encryption of stored ERP credentials.
	Sealer SealerConfig `json:"sealer,omitempty" yaml:"sealer,omitempty"`
	// Cache configures the optional lookup cache for single-record reads.
	Cache CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`
	// RateLimit configures optional per-tenant request throttling.
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// CircuitBreaker guards ERP session establishment (optional).
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	// Pool configures the actor pool.
	Pool PoolConfig `json:"pool,omitempty" yaml:"pool,omitempty"`
	// Audit configures the optional persistent audit log.
	Audit AuditConfig `json:"audit,omitempty" yaml:"audit,omitempty"`
	// Server configures the admin HTTP server (cmd/erp-connector only).
	Server ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`
}

// DriverConfig names the ERP driver and its data source.
type DriverConfig struct {
	// Name is a registered driver name ("memory", "sqlite").
	Name string `json:"name" yaml:"name"`
	// DSN is the driver-specific data source (file path for sqlite).
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// StoreType selects a key store backend.
type StoreType string

// Supported key store backends.
const (
	StoreFile     StoreType = "file"
	StoreSQLite   StoreType = "sqlite"
	StorePostgres StoreType = "postgres"
)

// KeyStoreConfig configures API key persistence.
type KeyStoreConfig struct {
	Type StoreType `json:"type" yaml:"type"`
	// Path is the JSON document path for the file store.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// DSN is the database source for sqlite/postgres stores.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// SealerConfig configures ERP credential sealing.
type SealerConfig struct {
	// KeyPath is where the host-local sealing key lives. Empty uses the
	// default next to the key store.
	KeyPath string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
}

// CacheConfig configures the facade lookup cache.
type CacheConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	MaxEntries int    `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	TTL        string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// RateLimitConfig configures per-tenant throttling.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	Burst             int  `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// CircuitBreakerConfig configures the session-open circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold" yaml:"success_threshold"`
	Timeout          string `json:"timeout" yaml:"timeout"`
}

// PoolConfig configures the actor pool.
type PoolConfig struct {
	// IdleTTL, when set, evicts actors idle longer than this duration.
	IdleTTL string `json:"idle_ttl,omitempty" yaml:"idle_ttl,omitempty"`
}

// AuditConfig configures the persistent audit writer.
type AuditConfig struct {
	// Store is "sqlite" or "postgres"; empty disables persistence
	// (stdout audit lines are always emitted).
	Store string `json:"store,omitempty" yaml:"store,omitempty"`
	DSN   string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}
