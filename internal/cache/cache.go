// Package cache provides the read-query cache used by the service
// facade. The default in-process implementation is Memory.
package cache

// Cache stores serialized query results keyed by tenant, operation, and
// request shape.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	Len() int
	Clear()
}
