package erpconnector

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/b2x-labs/erp-connector/driver"
	"github.com/b2x-labs/erp-connector/internal/apikeys"
	"github.com/b2x-labs/erp-connector/internal/auditlog"
)

// DefaultSealerKeyPath is where the credential sealing key is created
// when the config does not name one.
const DefaultSealerKeyPath = "config/credentials.key"

// Runtime bundles the components assembled from a Config: the ERP
// facade, the key manager, and the closers behind them.
type Runtime struct {
	Service *Service
	Keys    *apikeys.Manager

	closers []io.Closer
}

// FromConfig builds a ready-to-use Runtime from a validated Config.
func FromConfig(cfg Config) (*Runtime, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rt := &Runtime{}

	drv, err := buildDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	store, err := buildKeyStore(cfg.KeyStore)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	keyPath := cfg.Sealer.KeyPath
	if keyPath == "" {
		keyPath = DefaultSealerKeyPath
	}
	sealer, err := apikeys.NewSealer(keyPath)
	if err != nil {
		return nil, fmt.Errorf("initializing credential sealer: %w", err)
	}

	var mgrOpts []apikeys.ManagerOption
	switch cfg.Audit.Store {
	case "sqlite":
		w, err := auditlog.NewSQLiteWriter(cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
		rt.closers = append(rt.closers, w)
		mgrOpts = append(mgrOpts, apikeys.WithAuditWriter(w))
	case "postgres":
		w, err := auditlog.NewPostgresWriter(cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
		rt.closers = append(rt.closers, w)
		mgrOpts = append(mgrOpts, apikeys.WithAuditWriter(w))
	}
	rt.Keys = apikeys.NewManager(store, sealer, mgrOpts...)

	svcOpts, err := serviceOptions(cfg)
	if err != nil {
		return nil, err
	}
	rt.Service = NewService(drv, svcOpts...)
	return rt, nil
}

// Close shuts down the facade and releases every store the runtime
// opened. The context bounds how long in-flight ERP operations may run.
func (rt *Runtime) Close(ctx context.Context) error {
	var firstErr error
	if rt.Service != nil {
		firstErr = rt.Service.Shutdown(ctx)
	}
	for _, c := range rt.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// KeyManagerFromConfig builds only the key manager, for tooling that
// manages keys without opening ERP sessions. The returned closer
// releases the backing store.
func KeyManagerFromConfig(cfg Config) (*apikeys.Manager, func() error, error) {
	store, err := buildKeyStore(cfg.KeyStore)
	if err != nil {
		return nil, nil, err
	}
	closer := func() error {
		if c, ok := store.(io.Closer); ok {
			return c.Close()
		}
		return nil
	}

	keyPath := cfg.Sealer.KeyPath
	if keyPath == "" {
		keyPath = DefaultSealerKeyPath
	}
	sealer, err := apikeys.NewSealer(keyPath)
	if err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("initializing credential sealer: %w", err)
	}
	return apikeys.NewManager(store, sealer), closer, nil
}

func buildDriver(cfg DriverConfig) (driver.Driver, error) {
	return driver.Open(cfg.Name, cfg.DSN)
}

func buildKeyStore(cfg KeyStoreConfig) (apikeys.Store, error) {
	switch cfg.Type {
	case StoreFile:
		return apikeys.NewFileStore(cfg.Path), nil
	case StoreSQLite:
		return apikeys.NewSQLiteStore(cfg.DSN)
	case StorePostgres:
		return apikeys.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown key store type: %q", cfg.Type)
	}
}

func serviceOptions(cfg Config) ([]ServiceOption, error) {
	var opts []ServiceOption

	if cfg.Cache.Enabled {
		entries := cfg.Cache.MaxEntries
		if entries <= 0 {
			entries = 1000
		}
		ttl := time.Minute
		if cfg.Cache.TTL != "" {
			d, err := time.ParseDuration(cfg.Cache.TTL)
			if err != nil {
				return nil, fmt.Errorf("invalid cache ttl: %w", err)
			}
			ttl = d
		}
		opts = append(opts, WithLookupCache(entries, ttl))
	}

	if cfg.RateLimit.Enabled {
		opts = append(opts, WithRateLimit(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst))
	}

	if cb := cfg.CircuitBreaker; cb != nil {
		timeout, err := time.ParseDuration(cb.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid circuit breaker timeout: %w", err)
		}
		opts = append(opts, WithCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, timeout))
	}

	if cfg.Pool.IdleTTL != "" {
		ttl, err := time.ParseDuration(cfg.Pool.IdleTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid pool idle_ttl: %w", err)
		}
		opts = append(opts, WithIdleEviction(ttl))
	}

	return opts, nil
}
