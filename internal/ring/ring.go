package ring

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	clustererrors "github.com/devrev/ringkv/internal/errors"
)

// DefaultReplicationFactor is the number of replicas kept besides the
// coordinator of a range.
const DefaultReplicationFactor = 2

// ErrEmptyRing is returned by lookups on a ring without members.
var ErrEmptyRing = errors.New("hash ring is empty")

// entry is one arena slot. pred is the arena index of the previous entry
// walking the ring backwards.
type entry struct {
	node Node
	hash *big.Int
	pred int
	live bool
}

// HashRing places nodes on a circle ordered by hash. Entries live in an arena
// and link to their predecessor by index; a sorted index over the live slots
// backs ordered iteration and export.
//
// A HashRing is not safe for concurrent mutation. Owners either serialize
// mutations or treat a ring as immutable once published.
type HashRing struct {
	entries     []entry
	free        []int
	sorted      []int
	root        int
	size        int
	replication int
}

// NewHashRing creates an empty ring keeping replication replicas per range.
func NewHashRing(replication int) *HashRing {
	if replication < 0 {
		replication = 0
	}
	return &HashRing{root: -1, replication: replication}
}

// NewHashRingFromNodes builds a ring containing nodes.
func NewHashRingFromNodes(nodes []Node, replication int) (*HashRing, error) {
	r := NewHashRing(replication)
	for _, n := range nodes {
		if err := r.AddNode(n); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Size returns the number of members.
func (r *HashRing) Size() int { return r.size }

// ReplicationFactor returns R.
func (r *HashRing) ReplicationFactor() int { return r.replication }

// Clone returns an independent copy of the ring.
func (r *HashRing) Clone() *HashRing {
	c := &HashRing{
		entries:     make([]entry, len(r.entries)),
		free:        append([]int(nil), r.free...),
		sorted:      append([]int(nil), r.sorted...),
		root:        r.root,
		size:        r.size,
		replication: r.replication,
	}
	copy(c.entries, r.entries)
	return c
}

// locate walks predecessor links from root until it finds the entry whose
// range contains h. The walk is bounded to 2*size hops.
func (r *HashRing) locate(h *big.Int) (int, error) {
	if r.size == 0 {
		return -1, ErrEmptyRing
	}
	cur := r.root
	for hops := 0; hops <= 2*r.size; hops++ {
		e := &r.entries[cur]
		if !e.live || e.pred < 0 || e.pred >= len(r.entries) || !r.entries[e.pred].live {
			return -1, clustererrors.StructuralRing(
				fmt.Sprintf("walk reached a free slot at %d", cur), r.String())
		}
		if r.size == 1 || r.rangeOf(cur).Contains(h) {
			return cur, nil
		}
		cur = e.pred
	}
	return -1, clustererrors.StructuralRing(
		fmt.Sprintf("lookup of %s did not converge within %d hops", h.Text(16), 2*r.size), r.String())
}

func (r *HashRing) rangeOf(idx int) HashRange {
	e := r.entries[idx]
	return HashRange{Lower: r.entries[e.pred].hash, Upper: e.hash}
}

func (r *HashRing) indexOf(n Node) (int, error) {
	h := n.Hash()
	idx, err := r.locate(h)
	if err != nil {
		return -1, err
	}
	if r.entries[idx].hash.Cmp(h) != 0 {
		return -1, clustererrors.NodeNotFound(n.Name)
	}
	return idx, nil
}

// AddNode inserts n. A node hashing onto an existing position is rejected
// with a collision error and leaves the ring unchanged.
func (r *HashRing) AddNode(n Node) error {
	h := n.Hash()
	if r.size == 0 {
		idx := r.alloc(n, h)
		r.entries[idx].pred = idx
		r.root = idx
		r.size = 1
		r.insertSorted(idx)
		return nil
	}

	loc, err := r.locate(h)
	if err != nil {
		return err
	}
	if existing := r.entries[loc]; existing.hash.Cmp(h) == 0 {
		return clustererrors.Collision(existing.node.Name, n.Name, h.Text(16))
	}

	idx := r.alloc(n, h)
	r.entries[idx].pred = r.entries[loc].pred
	r.entries[loc].pred = idx
	r.size++
	r.insertSorted(idx)
	return nil
}

// RemoveNode unlinks n. The successor must point back at n, otherwise the
// ring is reported as structurally corrupt.
func (r *HashRing) RemoveNode(n Node) error {
	return r.RemoveHash(n.Hash())
}

// RemoveHash unlinks the entry sitting exactly at h.
func (r *HashRing) RemoveHash(h *big.Int) error {
	idx, err := r.locate(h)
	if err != nil {
		return err
	}
	if r.entries[idx].hash.Cmp(h) != 0 {
		return clustererrors.NewClusterError(clustererrors.ErrCodeNodeNotFound,
			fmt.Sprintf("no node at %s", h.Text(16)), nil)
	}

	if r.size == 1 {
		r.release(idx)
		r.root = -1
		r.size = 0
		return nil
	}

	next, err := r.locate(successorHash(h))
	if err != nil {
		return err
	}
	if r.entries[next].pred != idx {
		return clustererrors.StructuralRing(
			fmt.Sprintf("successor %s of %s does not link back to it",
				r.entries[next].node.Name, r.entries[idx].node.Name), r.String())
	}

	r.entries[next].pred = r.entries[idx].pred
	if r.root == idx {
		r.root = next
	}
	r.release(idx)
	r.size--
	return nil
}

// RemoveAll empties the ring.
func (r *HashRing) RemoveAll() {
	r.entries = nil
	r.free = nil
	r.sorted = nil
	r.root = -1
	r.size = 0
}

// NodeByKey returns the node whose range contains hash.
func (r *HashRing) NodeByKey(hash *big.Int) (Node, error) {
	idx, err := r.locate(hash)
	if err != nil {
		return Node{}, err
	}
	return r.entries[idx].node, nil
}

// NodeForKey returns the coordinator of a client key.
func (r *HashRing) NodeForKey(key string) (Node, error) {
	return r.NodeByKey(KeyHash(key))
}

// NodeByName finds a member by name.
func (r *HashRing) NodeByName(name string) (Node, bool) {
	for _, idx := range r.sorted {
		if r.entries[idx].node.Name == name {
			return r.entries[idx].node, true
		}
	}
	return Node{}, false
}

// Contains reports whether n is a member.
func (r *HashRing) Contains(n Node) bool {
	_, err := r.indexOf(n)
	return err == nil
}

// NextNode returns the ring successor of the position h.
func (r *HashRing) NextNode(h *big.Int) (Node, error) {
	return r.NodeByKey(successorHash(h))
}

// PrevNode returns the predecessor of member n.
func (r *HashRing) PrevNode(n Node) (Node, error) {
	idx, err := r.indexOf(n)
	if err != nil {
		return Node{}, err
	}
	return r.entries[r.entries[idx].pred].node, nil
}

// ResponsibleRange returns the range n coordinates: (pred.hash, n.hash].
func (r *HashRing) ResponsibleRange(n Node) (HashRange, error) {
	idx, err := r.indexOf(n)
	if err != nil {
		return HashRange{}, err
	}
	return NewHashRange(r.entries[r.entries[idx].pred].hash, r.entries[idx].hash), nil
}

// ReplicationNodes returns the R distinct successors of n, fewer when the
// ring is too small.
func (r *HashRing) ReplicationNodes(n Node) ([]Node, error) {
	if _, err := r.indexOf(n); err != nil {
		return nil, err
	}
	replicas := make([]Node, 0, r.replication)
	h := n.Hash()
	for len(replicas) < r.replication {
		next, err := r.NextNode(h)
		if err != nil {
			return nil, err
		}
		if next.Name == n.Name {
			break
		}
		replicas = append(replicas, next)
		h = next.Hash()
	}
	return replicas, nil
}

// LastReplication returns the farthest replica of n, or false when n has none.
func (r *HashRing) LastReplication(n Node) (Node, bool, error) {
	replicas, err := r.ReplicationNodes(n)
	if err != nil {
		return Node{}, false, err
	}
	if len(replicas) == 0 {
		return Node{}, false, nil
	}
	return replicas[len(replicas)-1], true, nil
}

// ResponsibleNodes returns the nodes whose replication set contains n, i.e.
// up to R predecessors of n, nearest first.
func (r *HashRing) ResponsibleNodes(n Node) ([]Node, error) {
	idx, err := r.indexOf(n)
	if err != nil {
		return nil, err
	}
	providers := make([]Node, 0, r.replication)
	cur := r.entries[idx].pred
	for len(providers) < r.replication && cur != idx {
		providers = append(providers, r.entries[cur].node)
		cur = r.entries[cur].pred
	}
	return providers, nil
}

// StoredRange is everything n keeps: its own range plus the ranges it
// replicates for its predecessors. It is the full ring (n.hash, n.hash] when
// the ring has at most R+1 members.
func (r *HashRing) StoredRange(n Node) (HashRange, error) {
	idx, err := r.indexOf(n)
	if err != nil {
		return HashRange{}, err
	}
	h := r.entries[idx].hash
	if r.size <= r.replication+1 {
		return NewHashRange(h, h), nil
	}
	cur := r.entries[idx].pred
	for i := 0; i < r.replication; i++ {
		cur = r.entries[cur].pred
	}
	return NewHashRange(r.entries[cur].hash, h), nil
}

// Nodes returns the members ordered by hash.
func (r *HashRing) Nodes() []Node {
	nodes := make([]Node, 0, len(r.sorted))
	for _, idx := range r.sorted {
		nodes = append(nodes, r.entries[idx].node)
	}
	return nodes
}

// Validate checks that following predecessor links size times from root
// returns to root and agrees with hash order.
func (r *HashRing) Validate() error {
	if r.size == 0 {
		return nil
	}
	if len(r.sorted) != r.size {
		return clustererrors.StructuralRing(
			fmt.Sprintf("index holds %d entries, size is %d", len(r.sorted), r.size), r.String())
	}
	for i, idx := range r.sorted {
		want := r.sorted[(i-1+len(r.sorted))%len(r.sorted)]
		if r.entries[idx].pred != want {
			return clustererrors.StructuralRing(
				fmt.Sprintf("%s links to the wrong predecessor", r.entries[idx].node.Name), r.String())
		}
	}
	cur := r.root
	for i := 0; i < r.size; i++ {
		cur = r.entries[cur].pred
	}
	if cur != r.root {
		return clustererrors.StructuralRing("predecessor chain does not close", r.String())
	}
	return nil
}

func (r *HashRing) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HashRing{size=%d, replication=%d", r.size, r.replication)
	for _, idx := range r.sorted {
		e := r.entries[idx]
		predName := "?"
		if e.pred >= 0 && e.pred < len(r.entries) && r.entries[e.pred].live {
			predName = r.entries[e.pred].node.Name
		}
		fmt.Fprintf(&b, ", %s[%s]<-%s", e.node.Name, e.hash.Text(16), predName)
	}
	b.WriteString("}")
	return b.String()
}

func (r *HashRing) alloc(n Node, h *big.Int) int {
	e := entry{node: n, hash: h, pred: -1, live: true}
	if len(r.free) > 0 {
		idx := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		r.entries[idx] = e
		return idx
	}
	r.entries = append(r.entries, e)
	return len(r.entries) - 1
}

func (r *HashRing) release(idx int) {
	r.entries[idx] = entry{pred: -1}
	r.free = append(r.free, idx)
	for i, s := range r.sorted {
		if s == idx {
			r.sorted = append(r.sorted[:i], r.sorted[i+1:]...)
			break
		}
	}
}

func (r *HashRing) insertSorted(idx int) {
	h := r.entries[idx].hash
	pos := sort.Search(len(r.sorted), func(i int) bool {
		return r.entries[r.sorted[i]].hash.Cmp(h) >= 0
	})
	r.sorted = append(r.sorted, 0)
	copy(r.sorted[pos+1:], r.sorted[pos:])
	r.sorted[pos] = idx
}
