// Package adapters holds the adapter registry and the built-in publisher
// adapters. Adapters only translate publisher data into harvest.Result; they
// never persist, gate, or throttle.
package adapters

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

// Entry pairs a source configuration with the adapter that reads it.
type Entry struct {
	Source  harvest.SourceConfig
	Adapter harvest.Adapter
}

// Registry maps adapter keys to entries by exact match.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an adapter for src.Key. Keys are unique.
func (r *Registry) Register(src harvest.SourceConfig, adapter harvest.Adapter) error {
	key := strings.TrimSpace(src.Key)
	if key == "" {
		return fmt.Errorf("register adapter: empty key")
	}
	if adapter == nil {
		return fmt.Errorf("register adapter %s: nil adapter", key)
	}
	if src.BaseURL == "" {
		return fmt.Errorf("register adapter %s: base url required", key)
	}
	if src.Name == "" {
		src.Name = key
	}
	src.Key = key
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("register adapter %s: already registered", key)
	}
	r.entries[key] = Entry{Source: src, Adapter: adapter}
	return nil
}

// Lookup resolves key. Unknown keys return harvest.ErrUnknownAdapter.
func (r *Registry) Lookup(key string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return Entry{}, harvest.Wrap(harvest.ErrUnknownAdapter, "%q", key)
	}
	return entry, nil
}

// Keys returns the registered adapter keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sources returns every registered source configuration sorted by key.
func (r *Registry) Sources() []harvest.SourceConfig {
	keys := r.Keys()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]harvest.SourceConfig, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.entries[k].Source)
	}
	return out
}
