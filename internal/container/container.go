// Package container implements the node's dependency container: a
// thread-safe, interface-keyed registry of shared capabilities (Memory,
// P2P, AgentPool, Scheduler, EmbeddingProvider, ConfigProvider), replacing
// any process-wide mutable singleton. Registration happens once at startup;
// resolution returns shared ownership. Tests substitute alternatives by
// registering mocks before wiring the rest of the runtime.
package container

import (
	"fmt"
	"sync"
)

// Key identifies a registered capability. Using a distinct string type
// (rather than a bare reflect.Type) lets tests register named fakes
// ("memory.alt") alongside the production registration.
type Key string

// Container is safe for concurrent Register/Resolve.
type Container struct {
	mu    sync.RWMutex
	items map[Key]any
}

func New() *Container {
	return &Container{items: make(map[Key]any)}
}

// Register stores value under key, replacing any previous registration.
func Register[T any](c *Container, key Key, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
}

// Resolve returns the value registered under key, type-asserted to T. ok is
// false if nothing is registered or the stored value is not a T.
func Resolve[T any](c *Container, key Key) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero T
	raw, found := c.items[key]
	if !found {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// MustResolve panics if key is not registered as a T; intended for use only
// during startup wiring, where a missing capability is a programming error.
func MustResolve[T any](c *Container, key Key) T {
	v, ok := Resolve[T](c, key)
	if !ok {
		panic(fmt.Sprintf("container: capability %q not registered", key))
	}
	return v
}

// Well-known capability keys.
const (
	KeyConfig           Key = "config"
	KeyStorage          Key = "storage"
	KeyMemory           Key = "memory"
	KeyP2P              Key = "p2p"
	KeyAgentPool        Key = "agentpool"
	KeyScheduler        Key = "scheduler"
	KeyEmbeddingProvider Key = "embedding_provider"
	KeyIdentity         Key = "identity"
)
