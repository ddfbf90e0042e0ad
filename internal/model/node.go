package model

import (
	"github.com/devrev/ringkv/internal/ring"
)

// NodeStatus represents the lifecycle state of a storage node as seen by the
// coordinator
type NodeStatus string

const (
	// NodeStatusOffline indicates an idle node sitting in the pool
	NodeStatusOffline NodeStatus = "OFFLINE"
	// NodeStatusInactive indicates a launched node that has not completed its handshake
	NodeStatusInactive NodeStatus = "INACTIVE"
	// NodeStatusStopped indicates a node that finished its handshake but serves no traffic
	NodeStatusStopped NodeStatus = "STOP"
	// NodeStatusActive indicates a node on the ring serving requests
	NodeStatusActive NodeStatus = "ACTIVE"
)

// CacheStrategy selects the eviction policy of a node's in-memory cache
type CacheStrategy string

const (
	CacheStrategyNone CacheStrategy = "None"
	CacheStrategyFIFO CacheStrategy = "FIFO"
	CacheStrategyLRU  CacheStrategy = "LRU"
	CacheStrategyLFU  CacheStrategy = "LFU"
)

// Valid reports whether s names a known strategy.
func (s CacheStrategy) Valid() bool {
	switch s {
	case CacheStrategyNone, CacheStrategyFIFO, CacheStrategyLRU, CacheStrategyLFU:
		return true
	}
	return false
}

// StorageNode is the coordinator's record of one fleet member
type StorageNode struct {
	ring.Node
	Status        NodeStatus    `json:"status"`
	CacheStrategy CacheStrategy `json:"cache_strategy,omitempty"`
	CacheSize     int           `json:"cache_size,omitempty"`
}

// NodeInfo is the externally visible view of a StorageNode
type NodeInfo struct {
	Name          string        `json:"name"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Hash          string        `json:"hash"`
	Status        NodeStatus    `json:"status"`
	CacheStrategy CacheStrategy `json:"cache_strategy,omitempty"`
	CacheSize     int           `json:"cache_size,omitempty"`
	HashRange     []string      `json:"hash_range,omitempty"`
}

// Info converts the record into its external view. rng is nil for nodes
// that are not on the ring.
func (n *StorageNode) Info(rng *ring.HashRange) NodeInfo {
	info := NodeInfo{
		Name:          n.Name,
		Host:          n.Host,
		Port:          n.Port,
		Hash:          n.HashHex(),
		Status:        n.Status,
		CacheStrategy: n.CacheStrategy,
		CacheSize:     n.CacheSize,
	}
	if rng != nil {
		b := rng.Bounds()
		info.HashRange = b[:]
	}
	return info
}

// RestoreEntry remembers the cache configuration of a node that was stopped
// or shut down so it can be brought back with the same settings
type RestoreEntry struct {
	Name          string        `json:"name"`
	CacheStrategy CacheStrategy `json:"cache_strategy"`
	CacheSize     int           `json:"cache_size"`
}
