package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryImplementsCache(_ *testing.T) {
	var _ Cache = (*Memory)(nil)
}

func TestSetGetDelete(t *testing.T) {
	c := NewMemory(10, time.Minute)

	if _, ok := c.Get("article|acme|default|ART-001"); ok {
		t.Fatal("empty cache should miss")
	}

	c.Set("article|acme|default|ART-001", "widget")
	got, ok := c.Get("article|acme|default|ART-001")
	if !ok || got != "widget" {
		t.Fatalf("Get = %v, %v, want widget, true", got, ok)
	}

	c.Delete("article|acme|default|ART-001")
	if _, ok := c.Get("article|acme|default|ART-001"); ok {
		t.Fatal("deleted entry should miss")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestEntriesExpire(t *testing.T) {
	c := NewMemory(10, 10*time.Millisecond)
	c.Set("k", "v")

	time.Sleep(25 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemory(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should be present")
	}

	c.Set("c", 3)
	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should have survived, it was used more recently")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("c should be present")
	}
}

func TestSetRefreshesExistingEntry(t *testing.T) {
	c := NewMemory(10, time.Minute)
	c.Set("k", "old")
	c.Set("k", "new")

	got, ok := c.Get("k")
	if !ok || got != "new" {
		t.Fatalf("Get = %v, %v, want new, true", got, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1, Set must not duplicate", c.Len())
	}
}

func TestClear(t *testing.T) {
	c := NewMemory(10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()

	if c.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("cleared cache should miss")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	c := NewMemory(50, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("tenant-%d", n)
			for j := 0; j < 200; j++ {
				c.Set(key, j)
				c.Get(key)
				if j%50 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()
}
