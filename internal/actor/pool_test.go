package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/b2x-labs/erp-connector/driver"
)

func memoryFactory(mem *driver.Memory) Factory {
	return func(tenant, businessUnit string) (*Actor, error) {
		return New(Config{
			Driver:       mem,
			Identity:     driver.Identity{Username: "svc", BusinessUnit: businessUnit},
			Tenant:       tenant,
			BusinessUnit: businessUnit,
		}), nil
	}
}

func TestPoolReturnsSameActorForSamePair(t *testing.T) {
	p := NewPool(memoryFactory(driver.NewMemory()))
	defer func() { _ = p.Shutdown(context.Background()) }()

	a1, err := p.Get("acme", "unit-a")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.Get("acme", "unit-a")
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Error("same pair returned distinct actors")
	}

	b, err := p.Get("acme", "unit-b")
	if err != nil {
		t.Fatal(err)
	}
	if b == a1 {
		t.Error("different business units share an actor")
	}
	other, err := p.Get("globex", "unit-a")
	if err != nil {
		t.Fatal(err)
	}
	if other == a1 {
		t.Error("different tenants share an actor")
	}
	if p.Len() != 3 {
		t.Errorf("pool has %d actors, want 3", p.Len())
	}
}

func TestPoolNormalizesEmptyBusinessUnit(t *testing.T) {
	p := NewPool(memoryFactory(driver.NewMemory()))
	defer func() { _ = p.Shutdown(context.Background()) }()

	a1, err := p.Get("acme", "")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.Get("acme", DefaultBusinessUnit)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Error("empty business unit should map to the default unit")
	}
	if a1.BusinessUnit() != DefaultBusinessUnit {
		t.Errorf("actor business unit = %q", a1.BusinessUnit())
	}
}

func TestPoolConcurrentGetCreatesOnce(t *testing.T) {
	var created atomic.Int64
	mem := driver.NewMemory()
	p := NewPool(func(tenant, businessUnit string) (*Actor, error) {
		created.Add(1)
		return memoryFactory(mem)(tenant, businessUnit)
	})
	defer func() { _ = p.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	actors := make([]*Actor, 32)
	for i := range actors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := p.Get("acme", "unit-a")
			if err != nil {
				t.Error(err)
				return
			}
			actors[i] = a
		}(i)
	}
	wg.Wait()

	if n := created.Load(); n != 1 {
		t.Fatalf("factory ran %d times, want 1", n)
	}
	for i, a := range actors {
		if a != actors[0] {
			t.Fatalf("goroutine %d got a different actor", i)
		}
	}
}

// Operations for distinct pairs must not queue behind each other.
func TestPoolDistinctPairsRunInParallel(t *testing.T) {
	mem := driver.NewMemory()
	p := NewPool(memoryFactory(mem))
	defer func() { _ = p.Shutdown(context.Background()) }()

	const pairs = 4
	barrier := make(chan struct{})
	arrived := make(chan struct{}, pairs)

	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		bu := string(rune('a' + i))
		a, err := p.Get("acme", bu)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Do(context.Background(), func(ctx context.Context, conn driver.Conn) error {
				arrived <- struct{}{}
				<-barrier
				return nil
			})
		}()
	}

	// All four operations must be inside their actors at the same time.
	timeout := time.After(2 * time.Second)
	for i := 0; i < pairs; i++ {
		select {
		case <-arrived:
		case <-timeout:
			t.Fatalf("only %d of %d pairs running concurrently", i, pairs)
		}
	}
	close(barrier)
	wg.Wait()
}

func TestPoolFactoryErrorIsNotCached(t *testing.T) {
	fail := true
	mem := driver.NewMemory()
	p := NewPool(func(tenant, businessUnit string) (*Actor, error) {
		if fail {
			return nil, errors.New("credentials unavailable")
		}
		return memoryFactory(mem)(tenant, businessUnit)
	})
	defer func() { _ = p.Shutdown(context.Background()) }()

	if _, err := p.Get("acme", ""); err == nil {
		t.Fatal("expected factory error")
	}
	if p.Len() != 0 {
		t.Fatal("failed creation left an actor in the pool")
	}

	fail = false
	if _, err := p.Get("acme", ""); err != nil {
		t.Fatalf("retry after factory recovery: %v", err)
	}
}

func TestPoolEvictsIdleActors(t *testing.T) {
	mem := driver.NewMemory()
	p := NewPool(memoryFactory(mem), WithIdleTTL(10*time.Millisecond))
	defer func() { _ = p.Shutdown(context.Background()) }()

	a, err := p.Get("acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Do(context.Background(), func(ctx context.Context, conn driver.Conn) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle actor was not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A later lookup gets a fresh actor.
	b, err := p.Get("acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if b == a {
		t.Error("evicted actor was handed out again")
	}
}

func TestPoolReplacesClosedActor(t *testing.T) {
	p := NewPool(memoryFactory(driver.NewMemory()))
	defer func() { _ = p.Shutdown(context.Background()) }()

	a, err := p.Get("acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A closed actor must never be handed out again, even if it is
	// still cached.
	b, err := p.Get("acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if b == a {
		t.Fatal("pool handed out a closed actor")
	}
	if err := b.Do(context.Background(), func(ctx context.Context, conn driver.Conn) error {
		return nil
	}); err != nil {
		t.Fatalf("replacement actor should be usable: %v", err)
	}
}

func TestPoolShutdownWaitsForInFlight(t *testing.T) {
	mem := driver.NewMemory()
	p := NewPool(memoryFactory(mem))

	a, err := p.Get("acme", "")
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		_ = a.Do(context.Background(), func(ctx context.Context, conn driver.Conn) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil
		})
		close(finished)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-finished:
	default:
		t.Error("shutdown returned while an operation was still running")
	}
}
