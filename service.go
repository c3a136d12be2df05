// Package erpconnector exposes multi-tenant access to single-session ERP
// systems.
//
// The Service type is the main entry point: create one with NewService
// (or FromConfig), derive a Principal from a validated tenant API key,
// and call the query and order operations. Every operation for a
// (tenant, business unit) pair is funneled through one actor so the
// underlying non-thread-safe ERP session never sees concurrent calls.
//
// API keys, sealed ERP credentials, and service accounts live in
// internal/apikeys; drivers implementing the ERP protocol live in the
// driver package.
package erpconnector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/b2x-labs/erp-connector/driver"
	"github.com/b2x-labs/erp-connector/internal/actor"
	"github.com/b2x-labs/erp-connector/internal/cache"
	"github.com/b2x-labs/erp-connector/internal/circuitbreaker"
	"github.com/b2x-labs/erp-connector/internal/logging"
	"github.com/b2x-labs/erp-connector/internal/metrics"
	"github.com/b2x-labs/erp-connector/internal/ratelimit"
)

// ErrRateLimited is returned when a tenant exceeds its operation budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// EventHookFunc is called asynchronously after each completed or failed
// operation.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking service hooks.
const (
	SubjectOperationCompleted = "connector.operation.completed"
	SubjectOperationFailed    = "connector.operation.failed"
)

type breakerSettings struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration
}

// Service is the ERP facade. All operations resolve the caller's actor,
// submit a closure against the tenant's session, and translate results.
type Service struct {
	drv  driver.Driver
	pool *actor.Pool

	lookupCache cache.Cache
	limiter     *ratelimit.Store
	breaker     *breakerSettings

	// identities maps "tenant|bu" to the login most recently presented
	// for that pair. The pool factory reads it when creating an actor.
	identities sync.Map

	mu    sync.RWMutex
	hooks []EventHookFunc
}

// ServiceOption configures a Service.
type ServiceOption func(*Service, *poolSettings)

type poolSettings struct {
	idleTTL time.Duration
}

// WithLookupCache enables an LRU cache for single-record reads.
func WithLookupCache(maxEntries int, ttl time.Duration) ServiceOption {
	return func(s *Service, _ *poolSettings) {
		s.lookupCache = cache.NewMemory(maxEntries, ttl)
	}
}

// WithRateLimit throttles operations per tenant using a token bucket.
func WithRateLimit(requestsPerMinute, burst int) ServiceOption {
	return func(s *Service, _ *poolSettings) {
		s.limiter = ratelimit.NewStore(requestsPerMinute, burst)
	}
}

// WithCircuitBreaker guards ERP session establishment per actor.
func WithCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) ServiceOption {
	return func(s *Service, _ *poolSettings) {
		s.breaker = &breakerSettings{failureThreshold, successThreshold, timeout}
	}
}

// WithIdleEviction closes actors idle longer than ttl.
func WithIdleEviction(ttl time.Duration) ServiceOption {
	return func(_ *Service, ps *poolSettings) { ps.idleTTL = ttl }
}

// WithHook registers an EventHookFunc at construction time.
func WithHook(fn EventHookFunc) ServiceOption {
	return func(s *Service, _ *poolSettings) { s.hooks = append(s.hooks, fn) }
}

// NewService creates a Service on top of the given ERP driver.
func NewService(drv driver.Driver, opts ...ServiceOption) *Service {
	s := &Service{drv: drv}
	var ps poolSettings
	for _, opt := range opts {
		opt(s, &ps)
	}

	factory := func(tenant, businessUnit string) (*actor.Actor, error) {
		v, ok := s.identities.Load(tenant + "|" + businessUnit)
		if !ok {
			return nil, fmt.Errorf("no erp identity known for tenant %s unit %s", tenant, businessUnit)
		}
		cfg := actor.Config{
			Driver:       s.drv,
			Identity:     v.(driver.Identity),
			Tenant:       tenant,
			BusinessUnit: businessUnit,
		}
		if b := s.breaker; b != nil {
			cfg.Breaker = circuitbreaker.New(b.failureThreshold, b.successThreshold, b.timeout)
		}
		return actor.New(cfg), nil
	}

	var poolOpts []actor.PoolOption
	if ps.idleTTL > 0 {
		poolOpts = append(poolOpts, actor.WithIdleTTL(ps.idleTTL))
	}
	s.pool = actor.NewPool(factory, poolOpts...)
	return s
}

// AddHook registers an EventHookFunc that is called asynchronously on
// each completed or failed operation.
func (s *Service) AddHook(fn EventHookFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Driver returns the ERP driver backing this service.
func (s *Service) Driver() driver.Driver { return s.drv }

// Stats returns a snapshot of the live actors.
func (s *Service) Stats() []actor.ActorStat { return s.pool.Stats() }

// Shutdown closes all ERP sessions, waiting for in-flight operations up
// to ctx's deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.pool.Shutdown(ctx)
}

// actorFor records the principal's login for its pair and returns the
// pair's actor. Credentials for a pair are expected to be stable; the
// most recently presented login wins.
func (s *Service) actorFor(p Principal) (*actor.Actor, error) {
	s.identities.Store(p.TenantID+"|"+p.BusinessUnit, p.identity())
	return s.pool.Get(p.TenantID, p.BusinessUnit)
}

// run executes op on the principal's actor with rate limiting, metrics,
// logging, and hooks around it.
func run[T any](ctx context.Context, s *Service, p Principal, operation string, op func(ctx context.Context, conn driver.Conn) (T, error)) (T, error) {
	var zero T

	if s.limiter != nil && !s.limiter.Allow(p.TenantID) {
		metrics.RateLimitRejections.WithLabelValues(p.TenantID).Inc()
		metrics.OperationsTotal.WithLabelValues(operation, p.TenantID, "rejected").Inc()
		return zero, fmt.Errorf("tenant %s: %w", p.TenantID, ErrRateLimited)
	}

	start := time.Now()
	var out T
	var err error
	for attempt := 0; ; attempt++ {
		var a *actor.Actor
		a, err = s.actorFor(p)
		if err != nil {
			break
		}
		out, err = actor.Run(ctx, a, op)
		// Idle eviction may close an actor between the pool handing it
		// out and the operation acquiring it. The pool has already
		// dropped that actor, so one retry gets a fresh one.
		if errors.Is(err, actor.ErrClosed) && attempt == 0 {
			continue
		}
		break
	}
	s.finish(ctx, p, operation, start, err)
	if err != nil {
		return zero, err
	}
	return out, nil
}

func (s *Service) finish(ctx context.Context, p Principal, operation string, start time.Time, err error) {
	latency := time.Since(start)
	log := logging.FromContext(ctx)

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "cancelled"
		}
	}
	metrics.OperationsTotal.WithLabelValues(operation, p.TenantID, status).Inc()
	metrics.OperationDuration.WithLabelValues(operation, p.TenantID).Observe(latency.Seconds())

	if err != nil {
		log.Error("erp operation failed",
			"operation", operation,
			"tenant", p.TenantID,
			"business_unit", p.BusinessUnit,
			"latency_ms", latency.Milliseconds(),
			"error", err.Error(),
		)
		s.publishEvent(ctx, SubjectOperationFailed, map[string]interface{}{
			"trace_id":      logging.TraceIDFromContext(ctx),
			"operation":     operation,
			"tenant":        p.TenantID,
			"error":         err.Error(),
			"latency_ms":    latency.Milliseconds(),
			"timestamp":     time.Now(),
			"business_unit": p.BusinessUnit,
		})
		return
	}

	log.Info("erp operation completed",
		"operation", operation,
		"tenant", p.TenantID,
		"business_unit", p.BusinessUnit,
		"latency_ms", latency.Milliseconds(),
	)
	s.publishEvent(ctx, SubjectOperationCompleted, map[string]interface{}{
		"trace_id":      logging.TraceIDFromContext(ctx),
		"operation":     operation,
		"tenant":        p.TenantID,
		"latency_ms":    latency.Milliseconds(),
		"timestamp":     time.Now(),
		"business_unit": p.BusinessUnit,
	})
}

// publishEvent calls all registered hooks asynchronously.
func (s *Service) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	s.mu.RLock()
	hooks := make([]EventHookFunc, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.RUnlock()

	for _, h := range hooks {
		fn := h
		go fn(ctx, subject, data)
	}
}

// ---------------------------------------------------------- pagination ---

func pageBounds(req driver.QueryRequest) (int, *int, error) {
	skip := 0
	switch {
	case req.Cursor != "":
		offset, err := driver.DecodeCursor(req.Cursor)
		if err != nil {
			return 0, nil, err
		}
		skip = offset
	case req.Skip != nil && *req.Skip > 0:
		skip = *req.Skip
	}

	var take *int
	if req.Take != nil {
		if *req.Take < 0 {
			return 0, nil, fmt.Errorf("take must not be negative")
		}
		n := *req.Take
		take = &n
	}
	return skip, take, nil
}

func page[T any](items []T, total, skip int) *driver.CursorPageResponse[T] {
	resp := &driver.CursorPageResponse[T]{
		Items:      items,
		TotalCount: total,
	}
	next := skip + len(items)
	if next < total {
		resp.HasMore = true
		resp.NextCursor = driver.EncodeCursor(next)
	}
	return resp
}

// ------------------------------------------------------------ articles ---

// GetArticle fetches one article by ID.
func (s *Service) GetArticle(ctx context.Context, p Principal, articleID string) (*driver.Article, error) {
	cacheKey := "article|" + p.TenantID + "|" + p.BusinessUnit + "|" + articleID
	if s.lookupCache != nil {
		if v, ok := s.lookupCache.Get(cacheKey); ok {
			return v.(*driver.Article), nil
		}
	}

	out, err := run(ctx, s, p, "get_article", func(ctx context.Context, conn driver.Conn) (*driver.Article, error) {
		return conn.FindArticle(ctx, articleID)
	})
	if err != nil {
		return nil, err
	}
	if s.lookupCache != nil {
		s.lookupCache.Set(cacheKey, out)
	}
	return out, nil
}

// QueryArticles runs a filtered, sorted, cursor-paginated article query.
func (s *Service) QueryArticles(ctx context.Context, p Principal, req driver.QueryRequest) (*driver.CursorPageResponse[driver.Article], error) {
	skip, take, err := pageBounds(req)
	if err != nil {
		return nil, err
	}
	q := articleQueryFrom(ctx, req).WithBusinessUnit(p.BusinessUnit)

	return run(ctx, s, p, "query_articles", func(ctx context.Context, conn driver.Conn) (*driver.CursorPageResponse[driver.Article], error) {
		total, err := conn.CountArticles(ctx, q)
		if err != nil {
			return nil, err
		}
		q.Skip(skip)
		if take != nil {
			q.Take(*take)
		}
		items, err := conn.QueryArticles(ctx, q)
		if err != nil {
			return nil, err
		}
		return page(items, total, skip), nil
	})
}

// SyncArticles returns articles modified since the request's watermark,
// newest first, along with a fresh watermark for the next call. The new
// watermark is captured before the query runs so records modified while
// the query executes are not missed by the next sync.
func (s *Service) SyncArticles(ctx context.Context, p Principal, req driver.DeltaSyncRequest) (*driver.DeltaSyncResponse[driver.Article], error) {
	since, err := sinceTime(req)
	if err != nil {
		return nil, err
	}
	watermark := time.Now().UTC()

	q := driver.NewArticleQuery().OrderByModifiedDescending()
	if since != nil {
		q.ModifiedSince(*since)
	}
	if req.Category != "" {
		q.WithCategory(req.Category)
	}
	bu := req.BusinessUnit
	if bu == "" {
		bu = p.BusinessUnit
	}
	q.WithBusinessUnit(bu)

	items, err := run(ctx, s, p, "sync_articles", func(ctx context.Context, conn driver.Conn) ([]driver.Article, error) {
		return conn.QueryArticles(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	resp := &driver.DeltaSyncResponse[driver.Article]{
		Items:      items,
		TotalCount: len(items),
		Watermark:  driver.EncodeWatermark(watermark),
	}
	if len(items) > 0 {
		resp.LastModified = items[0].ModifiedAt
	}
	return resp, nil
}

// ----------------------------------------------------------- customers ---

// GetCustomer fetches one customer by number.
func (s *Service) GetCustomer(ctx context.Context, p Principal, customerNumber string) (*driver.Customer, error) {
	cacheKey := "customer|" + p.TenantID + "|" + p.BusinessUnit + "|" + customerNumber
	if s.lookupCache != nil {
		if v, ok := s.lookupCache.Get(cacheKey); ok {
			return v.(*driver.Customer), nil
		}
	}

	out, err := run(ctx, s, p, "get_customer", func(ctx context.Context, conn driver.Conn) (*driver.Customer, error) {
		return conn.FindCustomer(ctx, customerNumber)
	})
	if err != nil {
		return nil, err
	}
	if s.lookupCache != nil {
		s.lookupCache.Set(cacheKey, out)
	}
	return out, nil
}

// QueryCustomers runs a filtered, sorted, cursor-paginated customer query.
func (s *Service) QueryCustomers(ctx context.Context, p Principal, req driver.QueryRequest) (*driver.CursorPageResponse[driver.Customer], error) {
	skip, take, err := pageBounds(req)
	if err != nil {
		return nil, err
	}
	q := customerQueryFrom(ctx, req)

	return run(ctx, s, p, "query_customers", func(ctx context.Context, conn driver.Conn) (*driver.CursorPageResponse[driver.Customer], error) {
		total, err := conn.CountCustomers(ctx, q)
		if err != nil {
			return nil, err
		}
		q.Skip(skip)
		if take != nil {
			q.Take(*take)
		}
		items, err := conn.QueryCustomers(ctx, q)
		if err != nil {
			return nil, err
		}
		return page(items, total, skip), nil
	})
}

// SyncCustomers returns customers modified since the request's watermark,
// newest first, with a fresh watermark captured before the query ran.
func (s *Service) SyncCustomers(ctx context.Context, p Principal, req driver.DeltaSyncRequest) (*driver.DeltaSyncResponse[driver.Customer], error) {
	since, err := sinceTime(req)
	if err != nil {
		return nil, err
	}
	watermark := time.Now().UTC()

	q := driver.NewCustomerQuery().OrderByModifiedDescending()
	if since != nil {
		q.ModifiedSince(*since)
	}

	items, err := run(ctx, s, p, "sync_customers", func(ctx context.Context, conn driver.Conn) ([]driver.Customer, error) {
		return conn.QueryCustomers(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	resp := &driver.DeltaSyncResponse[driver.Customer]{
		Items:      items,
		TotalCount: len(items),
		Watermark:  driver.EncodeWatermark(watermark),
	}
	if len(items) > 0 {
		resp.LastModified = items[0].ModifiedAt
	}
	return resp, nil
}

// -------------------------------------------------------------- orders ---

// GetOrder fetches one order by number, including its lines.
func (s *Service) GetOrder(ctx context.Context, p Principal, orderNumber string) (*driver.Order, error) {
	return run(ctx, s, p, "get_order", func(ctx context.Context, conn driver.Conn) (*driver.Order, error) {
		return conn.FindOrder(ctx, orderNumber)
	})
}

// QueryOrders runs a filtered, sorted, cursor-paginated order query.
func (s *Service) QueryOrders(ctx context.Context, p Principal, req driver.QueryRequest) (*driver.CursorPageResponse[driver.Order], error) {
	skip, take, err := pageBounds(req)
	if err != nil {
		return nil, err
	}
	q := orderQueryFrom(ctx, req)

	return run(ctx, s, p, "query_orders", func(ctx context.Context, conn driver.Conn) (*driver.CursorPageResponse[driver.Order], error) {
		total, err := conn.CountOrders(ctx, q)
		if err != nil {
			return nil, err
		}
		q.Skip(skip)
		if take != nil {
			q.Take(*take)
		}
		items, err := conn.QueryOrders(ctx, q)
		if err != nil {
			return nil, err
		}
		return page(items, total, skip), nil
	})
}

// GetCustomerOrders returns a customer's most recent orders, newest
// first. limit <= 0 returns all.
func (s *Service) GetCustomerOrders(ctx context.Context, p Principal, customerNumber string, limit int) ([]driver.Order, error) {
	return run(ctx, s, p, "get_customer_orders", func(ctx context.Context, conn driver.Conn) ([]driver.Order, error) {
		return conn.CustomerOrders(ctx, customerNumber, limit)
	})
}

// CreateOrder creates a new sales order in the ERP.
func (s *Service) CreateOrder(ctx context.Context, p Principal, req driver.CreateOrderRequest) (*driver.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return run(ctx, s, p, "create_order", func(ctx context.Context, conn driver.Conn) (*driver.Order, error) {
		return conn.CreateOrder(ctx, req)
	})
}

// ------------------------------------------------------------ licenses ---

// LicenseEnabled reports whether an optional ERP feature module is
// licensed for this tenant's installation.
func (s *Service) LicenseEnabled(ctx context.Context, p Principal, feature string) (bool, error) {
	return run(ctx, s, p, "license_enabled", func(ctx context.Context, conn driver.Conn) (bool, error) {
		return conn.LicenseEnabled(ctx, feature)
	})
}

// sinceTime resolves the delta sync lower bound: an opaque watermark
// takes precedence over an explicit time.
func sinceTime(req driver.DeltaSyncRequest) (*time.Time, error) {
	if req.Watermark != "" {
		t, err := driver.DecodeWatermark(req.Watermark)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return req.Since, nil
}
