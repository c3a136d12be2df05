// Package actor serializes access to single-session ERP connections.
//
// The underlying ERP client library is not thread-safe: one open session
// must never execute two calls at once. An Actor owns at most one such
// session and runs submitted operations one at a time. Callers on other
// goroutines wait on the actor; no ordering among waiters is promised,
// only mutual exclusion. A caller whose context is cancelled while
// waiting gives up without disturbing the operation currently running.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/b2x-labs/erp-connector/driver"
	"github.com/b2x-labs/erp-connector/internal/circuitbreaker"
	"github.com/b2x-labs/erp-connector/internal/logging"
	"github.com/b2x-labs/erp-connector/internal/metrics"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("actor closed")

// Config describes one actor's session.
type Config struct {
	// Driver opens ERP sessions.
	Driver driver.Driver
	// Identity is the ERP login used for this actor's session.
	Identity driver.Identity
	// Tenant and BusinessUnit identify the actor for logs and metrics.
	Tenant       string
	BusinessUnit string
	// Breaker, when set, guards session establishment. A tripped breaker
	// rejects operations immediately instead of retrying a failing ERP.
	Breaker *circuitbreaker.Breaker
}

// Actor owns one ERP session and executes operations against it strictly
// one at a time.
type Actor struct {
	drv          driver.Driver
	identity     driver.Identity
	tenant       string
	businessUnit string
	breaker      *circuitbreaker.Breaker

	// sem is a one-slot semaphore. Holding the token grants exclusive
	// access to conn.
	sem  chan struct{}
	conn driver.Conn

	closed    atomic.Bool
	connected atomic.Bool
	lastUsed  atomic.Int64
}

// New creates an idle actor. No ERP session is opened until the first
// operation runs.
func New(cfg Config) *Actor {
	a := &Actor{
		drv:          cfg.Driver,
		identity:     cfg.Identity,
		tenant:       cfg.Tenant,
		businessUnit: cfg.BusinessUnit,
		breaker:      cfg.Breaker,
		sem:          make(chan struct{}, 1),
	}
	a.sem <- struct{}{}
	a.touch()
	return a
}

// Tenant returns the tenant this actor serves.
func (a *Actor) Tenant() string { return a.tenant }

// BusinessUnit returns the business unit this actor serves.
func (a *Actor) BusinessUnit() string { return a.businessUnit }

// Connected reports whether the actor currently holds an open session.
func (a *Actor) Connected() bool { return a.connected.Load() }

// IdleSince returns the time the actor last finished an operation.
func (a *Actor) IdleSince() time.Time {
	return time.Unix(0, a.lastUsed.Load())
}

func (a *Actor) touch() {
	a.lastUsed.Store(time.Now().UnixNano())
}

// Do runs op with exclusive access to the actor's ERP session, opening
// the session first if needed. Concurrent calls wait in no promised
// order; if ctx is cancelled or expires while waiting, Do returns the
// context error and op never runs. An operation already executing is
// not interrupted by its caller's cancellation beyond what the driver
// itself honors via ctx.
//
// Errors from op are returned unchanged. If the error indicates a lost
// connection the session is discarded and the next operation opens a
// fresh one.
func (a *Actor) Do(ctx context.Context, op func(ctx context.Context, conn driver.Conn) error) error {
	if a.closed.Load() {
		return ErrClosed
	}

	waitStart := time.Now()
	select {
	case <-a.sem:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.ActorWaitDuration.WithLabelValues(a.tenant).Observe(time.Since(waitStart).Seconds())

	defer func() {
		a.touch()
		a.sem <- struct{}{}
	}()

	if a.closed.Load() {
		return ErrClosed
	}

	conn, err := a.ensureConn(ctx)
	if err != nil {
		return err
	}

	err = op(ctx, conn)
	if err != nil && errors.Is(err, driver.ErrConnFailed) {
		logging.FromContext(ctx).Warn("erp session lost, discarding",
			"tenant", a.tenant, "business_unit", a.businessUnit, "error", err)
		metrics.ConnErrors.WithLabelValues(a.tenant, "conn_lost").Inc()
		a.dropConn()
	}
	return err
}

// ensureConn opens the session lazily. Must be called with the semaphore
// token held.
func (a *Actor) ensureConn(ctx context.Context) (driver.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}

	if a.breaker != nil && !a.breaker.Allow() {
		metrics.ConnErrors.WithLabelValues(a.tenant, "circuit_open").Inc()
		return nil, fmt.Errorf("tenant %s: %w", a.tenant, circuitbreaker.ErrOpen)
	}

	conn, err := a.drv.Open(a.identity)
	if a.breaker != nil {
		if err != nil {
			a.breaker.RecordFailure()
		} else {
			a.breaker.RecordSuccess()
		}
		metrics.CircuitBreakerState.WithLabelValues(a.tenant).Set(float64(a.breaker.State()))
	}
	if err != nil {
		metrics.ConnErrors.WithLabelValues(a.tenant, "open_failed").Inc()
		return nil, fmt.Errorf("opening erp session for tenant %s: %w", a.tenant, err)
	}

	logging.FromContext(ctx).Info("erp session opened",
		"tenant", a.tenant, "business_unit", a.businessUnit, "driver", a.drv.Name())
	a.conn = conn
	a.connected.Store(true)
	return conn, nil
}

// dropConn closes and forgets the session. Must be called with the
// semaphore token held.
func (a *Actor) dropConn() {
	if a.conn == nil {
		return
	}
	_ = a.conn.Close()
	a.conn = nil
	a.connected.Store(false)
}

// TryIdleClose closes the session and marks the actor closed if no
// operation is running or queued right now. It returns false when the
// actor is busy. Used by the pool's eviction sweep.
func (a *Actor) TryIdleClose() bool {
	select {
	case <-a.sem:
	default:
		return false
	}
	a.closed.Store(true)
	a.dropConn()
	a.sem <- struct{}{}
	return true
}

// Close waits for the running operation to finish, closes the session,
// and rejects all later operations. Queued callers race Close for the
// token; those that lose receive ErrClosed.
func (a *Actor) Close(ctx context.Context) error {
	a.closed.Store(true)
	select {
	case <-a.sem:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.dropConn()
	a.sem <- struct{}{}
	return nil
}

// Run submits op to the actor and returns its typed result. It is the
// generic companion to Do for operations that produce a value.
func Run[T any](ctx context.Context, a *Actor, op func(ctx context.Context, conn driver.Conn) (T, error)) (T, error) {
	var out T
	err := a.Do(ctx, func(ctx context.Context, conn driver.Conn) error {
		v, err := op(ctx, conn)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
