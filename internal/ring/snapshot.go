package ring

import (
	"encoding/json"
	"fmt"
)

// MarshalSnapshot encodes the ring members, in hash order, as the JSON list
// published for nodes and clients.
func (r *HashRing) MarshalSnapshot() ([]byte, error) {
	nodes := r.Nodes()
	if nodes == nil {
		nodes = []Node{}
	}
	return json.Marshal(nodes)
}

// ParseSnapshot rebuilds a ring from a published member list. An empty
// payload yields an empty ring.
func ParseSnapshot(data []byte, replication int) (*HashRing, error) {
	if len(data) == 0 {
		return NewHashRing(replication), nil
	}
	var nodes []Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode ring snapshot: %w", err)
	}
	return NewHashRingFromNodes(nodes, replication)
}
