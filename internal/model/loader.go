package model

import (
	"fmt"
	"sync"
)

// LoaderFunc materializes a model and its config from a model name.
type LoaderFunc func(name string) (*Model, *Config, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]LoaderFunc{}
)

// Register installs the loader for a model name. Later registrations win,
// which lets tests substitute fixtures.
func Register(name string, fn LoaderFunc) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[name] = fn
}

// Load resolves a model name through the registry.
func Load(name string) (*Model, *Config, error) {
	loadersMu.RLock()
	fn, ok := loaders[name]
	loadersMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("model: no loader registered for %q", name)
	}
	return fn(name)
}
