package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/markerq/internal/backoff"
)

// Broker backends shipped with markerq. Each registers itself from its
// package init, so importing the package is enough to make it available.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const (
	defaultRequeueScan = 200
	defaultMaxAttempts = 3
)

// Options is what every backend receives when it is opened.
type Options struct {
	// Raw holds backend-specific settings, decoded by the backend itself.
	Raw json.RawMessage

	Timezone *time.Location
	// Retry schedules redelivery of tasks whose lease expired.
	Retry backoff.Policy
	// RequeueScan bounds how many expired leases one claim repairs.
	RequeueScan int
	// MaxAttempts applies to tasks enqueued without their own limit.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Timezone == nil {
		o.Timezone = time.UTC
	}
	if o.RequeueScan <= 0 {
		o.RequeueScan = defaultRequeueScan
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Retry.Name == "" {
		o.Retry.Name = backoff.PolicyExpFullJitter
	}
	return o
}

// Factory opens a backend.
type Factory func(opts Options) (PluginPersistence, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available under name. It panics when name is
// taken or factory is nil, both of which are programming errors.
func Register(name string, factory Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	if factory == nil {
		panic("persistence: Register factory is nil for " + name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic("persistence: Register called twice for " + name)
	}
	factories[name] = factory
}

// Open builds the named backend with defaults filled in.
func Open(name string, opts Options) (PluginPersistence, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	mu.RLock()
	factory, ok := factories[key]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown broker %q (available: %s)", name, strings.Join(Backends(), ", "))
	}
	return factory(opts.withDefaults())
}

// Backends lists the registered backend names in order.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
