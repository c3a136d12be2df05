package actor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/b2x-labs/erp-connector/internal/metrics"
)

// DefaultBusinessUnit is substituted when a caller does not name a
// business unit. Tenants with a single mandator always land here.
const DefaultBusinessUnit = "default"

// Factory builds the actor for a (tenant, business unit) pair the first
// time it is needed.
type Factory func(tenant, businessUnit string) (*Actor, error)

// Pool lazily creates and caches one actor per (tenant, business unit).
// All lookups for the same pair return the same actor, so all traffic
// for one ERP session funnels through one queue.
type Pool struct {
	factory Factory
	idleTTL time.Duration

	mu     sync.Mutex
	actors map[string]*Actor

	stopOnce sync.Once
	stop     chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithIdleTTL enables background eviction of actors idle longer than ttl.
// Eviction never interrupts a running or queued operation; a busy actor
// is skipped and inspected again on the next sweep.
func WithIdleTTL(ttl time.Duration) PoolOption {
	return func(p *Pool) { p.idleTTL = ttl }
}

// NewPool creates a pool. Actors live until Shutdown unless WithIdleTTL
// is given.
func NewPool(factory Factory, opts ...PoolOption) *Pool {
	p := &Pool{
		factory: factory,
		actors:  make(map[string]*Actor),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.idleTTL > 0 {
		go p.evictLoop()
	}
	return p
}

func poolKey(tenant, businessUnit string) string {
	if businessUnit == "" {
		businessUnit = DefaultBusinessUnit
	}
	return tenant + "|" + businessUnit
}

// Get returns the actor for the pair, creating it on first use. An empty
// business unit maps to DefaultBusinessUnit.
func (p *Pool) Get(tenant, businessUnit string) (*Actor, error) {
	if businessUnit == "" {
		businessUnit = DefaultBusinessUnit
	}
	key := poolKey(tenant, businessUnit)

	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.actors[key]; ok && !a.closed.Load() {
		return a, nil
	}
	a, err := p.factory(tenant, businessUnit)
	if err != nil {
		return nil, err
	}
	p.actors[key] = a
	metrics.ActiveActors.Set(float64(len(p.actors)))
	return a, nil
}

// Len returns the number of live actors.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actors)
}

// ActorStat describes one pooled actor for diagnostics.
type ActorStat struct {
	Tenant       string    `json:"tenant"`
	BusinessUnit string    `json:"business_unit"`
	Connected    bool      `json:"connected"`
	IdleSince    time.Time `json:"idle_since"`
}

// Stats returns a snapshot of every live actor, sorted by key.
func (p *Pool) Stats() []ActorStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.actors))
	for key := range p.actors {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	stats := make([]ActorStat, 0, len(keys))
	for _, key := range keys {
		a := p.actors[key]
		stats = append(stats, ActorStat{
			Tenant:       a.Tenant(),
			BusinessUnit: a.BusinessUnit(),
			Connected:    a.Connected(),
			IdleSince:    a.IdleSince(),
		})
	}
	return stats
}

func (p *Pool) evictLoop() {
	interval := p.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.idleTTL)

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, a := range p.actors {
		if a.IdleSince().After(cutoff) {
			continue
		}
		if a.TryIdleClose() {
			delete(p.actors, key)
		}
	}
	metrics.ActiveActors.Set(float64(len(p.actors)))
}

// Shutdown closes every actor, waiting for in-flight operations up to
// ctx's deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	actors := make([]*Actor, 0, len(p.actors))
	for _, a := range p.actors {
		actors = append(actors, a)
	}
	p.actors = make(map[string]*Actor)
	p.mu.Unlock()

	var firstErr error
	for _, a := range actors {
		if err := a.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	metrics.ActiveActors.Set(0)
	return firstErr
}
