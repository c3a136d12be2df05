package erpconnector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchema is the structural schema every config document must satisfy
// before field-level validation runs.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["driver", "key_store"],
  "properties": {
    "driver": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "dsn": {"type": "string"}
      }
    },
    "key_store": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["file", "sqlite", "postgres"]},
        "path": {"type": "string"},
        "dsn": {"type": "string"}
      }
    },
    "sealer": {
      "type": "object",
      "properties": {"key_path": {"type": "string"}}
    },
    "cache": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "max_entries": {"type": "integer", "minimum": 1},
        "ttl": {"type": "string"}
      }
    },
    "rate_limit": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "requests_per_minute": {"type": "integer", "minimum": 1},
        "burst": {"type": "integer", "minimum": 1}
      }
    },
    "circuit_breaker": {
      "type": "object",
      "required": ["failure_threshold", "success_threshold", "timeout"],
      "properties": {
        "failure_threshold": {"type": "integer", "minimum": 1},
        "success_threshold": {"type": "integer", "minimum": 1},
        "timeout": {"type": "string"}
      }
    },
    "pool": {
      "type": "object",
      "properties": {"idle_ttl": {"type": "string"}}
    },
    "audit": {
      "type": "object",
      "properties": {
        "store": {"enum": ["", "sqlite", "postgres"]},
        "dsn": {"type": "string"}
      }
    },
    "server": {
      "type": "object",
      "properties": {"addr": {"type": "string"}}
    }
  }
}`

// LoadConfig reads, schema-checks, and parses a config file from the given
// path. Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if err := validateSchema(doc); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
		var doc any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
		if err := validateSchema(doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// validateSchema checks a decoded config document against configSchema.
// YAML documents are round-tripped through JSON so the validator sees the
// value types it expects.
func validateSchema(doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalizing config document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("normalizing config document: %w", err)
	}

	schema, err := jsonschema.CompileString("config.schema.json", configSchema)
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config schema validation: %w", err)
	}
	return nil
}

// ValidateConfig validates a Config for correctness beyond what the schema
// expresses: duration syntax, cross-field requirements.
func ValidateConfig(cfg Config) error {
	if cfg.Driver.Name == "" {
		return fmt.Errorf("driver name is required")
	}

	switch cfg.KeyStore.Type {
	case StoreFile, StoreSQLite, StorePostgres:
	case "":
		return fmt.Errorf("key store type is required")
	default:
		return fmt.Errorf("unknown key store type: %q", cfg.KeyStore.Type)
	}
	if cfg.KeyStore.Type == StorePostgres && cfg.KeyStore.DSN == "" {
		return fmt.Errorf("postgres key store requires a dsn")
	}

	if cfg.Cache.Enabled && cfg.Cache.TTL != "" {
		if _, err := time.ParseDuration(cfg.Cache.TTL); err != nil {
			return fmt.Errorf("invalid cache ttl %q: %w", cfg.Cache.TTL, err)
		}
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit requires requests_per_minute > 0")
	}

	if cb := cfg.CircuitBreaker; cb != nil {
		if cb.FailureThreshold <= 0 || cb.SuccessThreshold <= 0 {
			return fmt.Errorf("circuit breaker thresholds must be positive")
		}
		if _, err := time.ParseDuration(cb.Timeout); err != nil {
			return fmt.Errorf("invalid circuit breaker timeout %q: %w", cb.Timeout, err)
		}
	}

	if cfg.Pool.IdleTTL != "" {
		if _, err := time.ParseDuration(cfg.Pool.IdleTTL); err != nil {
			return fmt.Errorf("invalid pool idle_ttl %q: %w", cfg.Pool.IdleTTL, err)
		}
	}

	switch cfg.Audit.Store {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown audit store: %q", cfg.Audit.Store)
	}
	if cfg.Audit.Store == "postgres" && cfg.Audit.DSN == "" {
		return fmt.Errorf("postgres audit store requires a dsn")
	}

	return nil
}
