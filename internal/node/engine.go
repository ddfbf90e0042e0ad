package node

import (
	"sort"
	"sync"

	"github.com/devrev/ringkv/internal/store"
)

// Record is one key/value pair, also the unit of the transfer wire format
type Record struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Engine is the persistent key/value store of a node. Get and Delete return
// store.ErrNotFound for missing keys.
type Engine interface {
	Get(key string) (string, error)
	Has(key string) (bool, error)
	Put(key, value string) error
	Delete(key string) error
	// Select returns the records whose key matches, ordered by key
	Select(match func(key string) bool) ([]Record, error)
	// DeleteMatching drops every matching key and returns how many were removed
	DeleteMatching(match func(key string) bool) (int, error)
	Clear() error
	Close() error
}

// MemoryEngine keeps everything in a map
type MemoryEngine struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryEngine creates an empty engine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{data: make(map[string]string)}
}

func (e *MemoryEngine) Get(key string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (e *MemoryEngine) Has(key string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.data[key]
	return ok, nil
}

func (e *MemoryEngine) Put(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[key] = value
	return nil
}

func (e *MemoryEngine) Delete(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.data[key]; !ok {
		return store.ErrNotFound
	}
	delete(e.data, key)
	return nil
}

func (e *MemoryEngine) Select(match func(key string) bool) ([]Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Record
	for k, v := range e.data {
		if match(k) {
			out = append(out, Record{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (e *MemoryEngine) DeleteMatching(match func(key string) bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k := range e.data {
		if match(k) {
			delete(e.data, k)
			n++
		}
	}
	return n, nil
}

func (e *MemoryEngine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = make(map[string]string)
	return nil
}

func (e *MemoryEngine) Close() error { return nil }
