package model

import (
	"encoding/json"
	"fmt"
)

// ProgressIdle is the transfer progress value of a node with no transfer in flight
const ProgressIdle = 100

// ServerMetadata is the per-node record stored at the node's coordination path.
// The coordinator writes the cache settings; the node owns the transfer fields.
type ServerMetadata struct {
	CacheStrategy    CacheStrategy `json:"cacheStrategy"`
	CacheSize        int           `json:"cacheSize"`
	ReceivePort      int           `json:"receivePort,omitempty"`
	TransferProgress int           `json:"transferProgress"`
}

// NewServerMetadata creates an idle metadata record
func NewServerMetadata(strategy CacheStrategy, size int) *ServerMetadata {
	return &ServerMetadata{
		CacheStrategy:    strategy,
		CacheSize:        size,
		TransferProgress: ProgressIdle,
	}
}

// IsIdle reports whether no transfer is in flight
func (m *ServerMetadata) IsIdle() bool {
	return m.TransferProgress == ProgressIdle
}

// Encode serializes the record
func (m *ServerMetadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeServerMetadata parses a metadata record
func DecodeServerMetadata(data []byte) (*ServerMetadata, error) {
	var m ServerMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode server metadata: %w", err)
	}
	return &m, nil
}
