// Package registry is a small keyed store for process-wide service handles,
// such as a producer created during startup and used by request handlers.
package registry

import (
	"sync"

	"github.com/gin-gonic/gin"
)

const ginKey = "warehouse.registry"

// Registry maps string keys to opaque values. The zero value is ready to use.
type Registry struct {
	mu     sync.RWMutex
	values map[string]any
}

// New returns an empty registry.
func New() *Registry { return &Registry{} }

// Set stores value under key, replacing any previous value.
func (r *Registry) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.values == nil {
		r.values = map[string]any{}
	}

	r.values[key] = value
}

// Get returns the value stored under key.
func (r *Registry) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.values[key]

	return v, ok
}

// Lookup returns the value under key if it is present and of type T.
func Lookup[T any](r *Registry, key string) (T, bool) {
	var zero T

	if r == nil {
		return zero, false
	}

	v, ok := r.Get(key)
	if !ok {
		return zero, false
	}

	t, ok := v.(T)

	return t, ok
}

// Middleware makes r available to handlers through FromContext.
func Middleware(r *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ginKey, r)
		c.Next()
	}
}

// FromContext returns the registry installed by Middleware.
func FromContext(c *gin.Context) (*Registry, bool) {
	v, ok := c.Get(ginKey)
	if !ok {
		return nil, false
	}

	r, ok := v.(*Registry)

	return r, ok
}
