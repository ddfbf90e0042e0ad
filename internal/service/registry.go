package service

import (
	"sort"
	"sync"

	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

// Registry is the coordinator's table of fleet members. Nodes in status
// OFFLINE form the idle pool.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*model.StorageNode
	order []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*model.StorageNode)}
}

// Add registers a new pool member
func (r *Registry) Add(n ring.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[n.Name]; ok {
		return clustererrors.DuplicateNode(n.Name)
	}
	for _, name := range r.order {
		if existing := r.nodes[name]; existing.Host == n.Host && existing.Port == n.Port {
			return clustererrors.Collision(existing.Name, n.Name, n.HashHex())
		}
	}
	r.nodes[n.Name] = &model.StorageNode{Node: n, Status: model.NodeStatusOffline}
	r.order = append(r.order, n.Name)
	return nil
}

// Get returns a copy of the named record
func (r *Registry) Get(name string) (model.StorageNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[name]
	if !ok {
		return model.StorageNode{}, false
	}
	return *n, true
}

// SetStatus moves a node to status
func (r *Registry) SetStatus(name string, status model.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[name]
	if !ok {
		return clustererrors.NodeNotFound(name)
	}
	n.Status = status
	return nil
}

// SetCache records the cache settings a node was launched with
func (r *Registry) SetCache(name string, strategy model.CacheStrategy, size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[name]
	if !ok {
		return clustererrors.NodeNotFound(name)
	}
	n.CacheStrategy = strategy
	n.CacheSize = size
	return nil
}

// ByStatus returns copies of the nodes in status, in registration order
func (r *Registry) ByStatus(status model.NodeStatus) []model.StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.StorageNode
	for _, name := range r.order {
		if n := r.nodes[name]; n.Status == status {
			out = append(out, *n)
		}
	}
	return out
}

// All returns copies of every node, sorted by name
func (r *Registry) All() []model.StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.StorageNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Idle returns up to count pool members in registration order
func (r *Registry) Idle(count int) []model.StorageNode {
	idle := r.ByStatus(model.NodeStatusOffline)
	if len(idle) > count {
		idle = idle[:count]
	}
	return idle
}

// Counts returns the number of ACTIVE nodes and pool members
func (r *Registry) Counts() (active, pool int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.nodes {
		switch n.Status {
		case model.NodeStatusActive:
			active++
		case model.NodeStatusOffline:
			pool++
		}
	}
	return active, pool
}

// Identities converts records to ring identities
func Identities(nodes []model.StorageNode) []ring.Node {
	out := make([]ring.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Node
	}
	return out
}
