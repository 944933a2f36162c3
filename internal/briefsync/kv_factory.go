package briefsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type KVFactory func(dsn string) (KV, error)

var kvFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]KVFactory
}{factories: map[string]KVFactory{}}

// RegisterKVFactory lets a deployment plug in an extra backend scheme
// without touching the selection logic below.
func RegisterKVFactory(scheme string, factory KVFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	kvFactoryRegistry.mu.Lock()
	defer kvFactoryRegistry.mu.Unlock()
	kvFactoryRegistry.factories[scheme] = factory
}

func lookupKVFactory(scheme string) (KVFactory, bool) {
	kvFactoryRegistry.mu.RLock()
	defer kvFactoryRegistry.mu.RUnlock()
	factory, ok := kvFactoryRegistry.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// BuildKVFromDSN selects the store backend once at startup. An empty DSN is
// the degraded single-node mode: the process-wide in-memory store.
func BuildKVFromDSN(dsn string) (KV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ProcessMemoryKV("default"), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupKVFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		name := strings.TrimSpace(parsed.Host)
		return ProcessMemoryKV(name), nil
	case "postgres", "postgresql":
		return NewPostgresKV(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store backend scheme: %s", scheme)
	}
}
