package cache

import (
	"container/list"
	"sync"
	"time"
)

type item struct {
	key     string
	value   any
	expires time.Time
}

func (it *item) expired(now time.Time) bool {
	return now.After(it.expires)
}

// Memory is an in-process LRU cache with per-entry TTL. Expired entries
// are dropped lazily on Get; the LRU cap bounds memory either way.
type Memory struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	elements map[string]*list.Element
	order    *list.List // front = most recently used
}

// NewMemory creates a Memory holding at most capacity entries, each
// living for ttl after its last Set.
func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Memory{
		capacity: capacity,
		ttl:      ttl,
		elements: make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the value under key, or false when missing or expired.
func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.elements[key]
	if !ok {
		return nil, false
	}
	it := el.Value.(*item)
	if it.expired(time.Now()) {
		m.unlink(el)
		return nil, false
	}
	m.order.MoveToFront(el)
	return it.value, true
}

// Set stores value under key, refreshing the TTL and recency of an
// existing entry. The least recently used entry is dropped when full.
func (m *Memory) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.elements[key]; ok {
		it := el.Value.(*item)
		it.value = value
		it.expires = time.Now().Add(m.ttl)
		m.order.MoveToFront(el)
		return
	}

	if m.order.Len() >= m.capacity {
		if oldest := m.order.Back(); oldest != nil {
			m.unlink(oldest)
		}
	}
	el := m.order.PushFront(&item{key: key, value: value, expires: time.Now().Add(m.ttl)})
	m.elements[key] = el
}

// Delete removes the entry under key, if any.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.elements[key]; ok {
		m.unlink(el)
	}
}

// Len returns the number of stored entries, counting expired ones not
// yet dropped.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Clear drops every entry.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elements = make(map[string]*list.Element)
	m.order.Init()
}

// unlink removes el from both the list and the index. Callers hold m.mu.
func (m *Memory) unlink(el *list.Element) {
	m.order.Remove(el)
	delete(m.elements, el.Value.(*item).key)
}
