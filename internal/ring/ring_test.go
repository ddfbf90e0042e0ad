package ring

import (
	"fmt"
	"math/big"
	"testing"

	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodes(n int) []Node {
	nodes := make([]Node, n)
	for i := 0; i < n; i++ {
		nodes[i] = Node{Name: fmt.Sprintf("server%d", i), Host: "127.0.0.1", Port: 50000 + i}
	}
	return nodes
}

func buildRing(t *testing.T, n int) *HashRing {
	t.Helper()
	r, err := NewHashRingFromNodes(testNodes(n), DefaultReplicationFactor)
	require.NoError(t, err)
	require.NoError(t, r.Validate())
	return r
}

func sampleKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	return keys
}

func TestHashRing_Empty(t *testing.T) {
	r := NewHashRing(DefaultReplicationFactor)

	_, err := r.NodeForKey("anything")
	assert.ErrorIs(t, err, ErrEmptyRing)
	assert.Equal(t, 0, r.Size())
	assert.Empty(t, r.Nodes())
	assert.NoError(t, r.Validate())
}

func TestHashRing_SingleNodeOwnsEverything(t *testing.T) {
	r := buildRing(t, 1)
	only := r.Nodes()[0]

	for _, key := range sampleKeys(50) {
		n, err := r.NodeForKey(key)
		require.NoError(t, err)
		assert.Equal(t, only, n)
	}

	rangeOf, err := r.ResponsibleRange(only)
	require.NoError(t, err)
	assert.True(t, rangeOf.IsFull())
}

func TestHashRing_Coverage(t *testing.T) {
	for _, size := range []int{1, 2, 3, 5, 8} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			r := buildRing(t, size)
			nodes := r.Nodes()

			ranges := make([]HashRange, len(nodes))
			for i, n := range nodes {
				var err error
				ranges[i], err = r.ResponsibleRange(n)
				require.NoError(t, err)
			}

			probes := []*big.Int{big.NewInt(0)}
			for _, n := range nodes {
				probes = append(probes, n.Hash(), successorHash(n.Hash()))
			}
			for _, key := range sampleKeys(200) {
				probes = append(probes, KeyHash(key))
			}

			for _, p := range probes {
				owners := 0
				var owner Node
				for i, rg := range ranges {
					if rg.Contains(p) {
						owners++
						owner = nodes[i]
					}
				}
				require.Equal(t, 1, owners, "position %s", p.Text(16))

				got, err := r.NodeByKey(p)
				require.NoError(t, err)
				assert.Equal(t, owner, got)
			}
		})
	}
}

func TestHashRing_LookupIsDeterministic(t *testing.T) {
	r := buildRing(t, 6)
	for _, key := range sampleKeys(100) {
		first, err := r.NodeForKey(key)
		require.NoError(t, err)
		second, err := r.NodeForKey(key)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestHashRing_AddRemoveInverse(t *testing.T) {
	extra := Node{Name: "extra", Host: "10.0.0.9", Port: 6000}

	for _, size := range []int{0, 1, 2, 4, 7} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			r, err := NewHashRingFromNodes(testNodes(size), DefaultReplicationFactor)
			require.NoError(t, err)

			before := r.Nodes()
			beforeRanges := map[string]HashRange{}
			for _, n := range before {
				beforeRanges[n.Name], err = r.ResponsibleRange(n)
				require.NoError(t, err)
			}

			require.NoError(t, r.AddNode(extra))
			require.Equal(t, size+1, r.Size())
			require.NoError(t, r.Validate())

			require.NoError(t, r.RemoveNode(extra))
			require.NoError(t, r.Validate())

			assert.Equal(t, before, r.Nodes())
			for _, n := range r.Nodes() {
				got, err := r.ResponsibleRange(n)
				require.NoError(t, err)
				assert.True(t, beforeRanges[n.Name].Equal(got), "range of %s changed", n.Name)
			}
		})
	}
}

func TestHashRing_CollisionRejected(t *testing.T) {
	r := buildRing(t, 3)
	before := r.Nodes()

	twin := Node{Name: "twin", Host: before[1].Host, Port: before[1].Port}
	err := r.AddNode(twin)

	require.Error(t, err)
	assert.Equal(t, clustererrors.ErrCodeCollision, clustererrors.GetCode(err))
	assert.Equal(t, before, r.Nodes())
	assert.NoError(t, r.Validate())
}

func TestHashRing_RemoveUnknownNode(t *testing.T) {
	r := buildRing(t, 3)

	err := r.RemoveNode(Node{Name: "ghost", Host: "10.1.1.1", Port: 1})
	require.Error(t, err)
	assert.Equal(t, clustererrors.ErrCodeNodeNotFound, clustererrors.GetCode(err))
	assert.Equal(t, 3, r.Size())
}

func TestHashRing_RemoveLastNodeEmptiesRing(t *testing.T) {
	r := buildRing(t, 1)
	require.NoError(t, r.RemoveNode(r.Nodes()[0]))

	assert.Equal(t, 0, r.Size())
	_, err := r.NodeForKey("k")
	assert.ErrorIs(t, err, ErrEmptyRing)
}

func TestHashRing_RemoveRootReassignsRoot(t *testing.T) {
	nodes := testNodes(4)
	r, err := NewHashRingFromNodes(nodes, DefaultReplicationFactor)
	require.NoError(t, err)

	// the first node added is the root
	require.NoError(t, r.RemoveNode(nodes[0]))
	require.NoError(t, r.Validate())
	assert.Equal(t, 3, r.Size())

	for _, key := range sampleKeys(50) {
		n, err := r.NodeForKey(key)
		require.NoError(t, err)
		assert.NotEqual(t, nodes[0].Name, n.Name)
	}
}

func TestHashRing_ReplicationNodes(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 6} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			r := buildRing(t, size)
			want := DefaultReplicationFactor
			if size-1 < want {
				want = size - 1
			}

			for _, n := range r.Nodes() {
				replicas, err := r.ReplicationNodes(n)
				require.NoError(t, err)
				require.Len(t, replicas, want)

				seen := map[string]bool{}
				h := n.Hash()
				for _, rep := range replicas {
					assert.NotEqual(t, n.Name, rep.Name)
					assert.False(t, seen[rep.Name], "duplicate replica %s", rep.Name)
					seen[rep.Name] = true

					next, err := r.NextNode(h)
					require.NoError(t, err)
					assert.Equal(t, next, rep, "replicas walk forward one successor at a time")
					h = rep.Hash()
				}
			}
		})
	}
}

func TestHashRing_ResponsibleNodesMirrorReplication(t *testing.T) {
	r := buildRing(t, 6)

	for _, n := range r.Nodes() {
		providers, err := r.ResponsibleNodes(n)
		require.NoError(t, err)
		require.Len(t, providers, DefaultReplicationFactor)

		for _, p := range providers {
			replicas, err := r.ReplicationNodes(p)
			require.NoError(t, err)
			assert.Contains(t, replicas, n)
		}
	}
}

func TestHashRing_StoredRange(t *testing.T) {
	small := buildRing(t, DefaultReplicationFactor+1)
	for _, n := range small.Nodes() {
		stored, err := small.StoredRange(n)
		require.NoError(t, err)
		assert.True(t, stored.IsFull())
	}

	r := buildRing(t, 6)
	for _, n := range r.Nodes() {
		stored, err := r.StoredRange(n)
		require.NoError(t, err)

		own, err := r.ResponsibleRange(n)
		require.NoError(t, err)
		assert.True(t, stored.Contains(own.Upper))

		providers, err := r.ResponsibleNodes(n)
		require.NoError(t, err)
		for _, p := range providers {
			pr, err := r.ResponsibleRange(p)
			require.NoError(t, err)
			assert.True(t, stored.Contains(pr.Upper), "%s should hold the range of %s", n.Name, p.Name)
		}

		// the node right after n replicates nothing of n's successor range
		next, err := r.NextNode(n.Hash())
		require.NoError(t, err)
		assert.False(t, stored.Contains(next.Hash()))
	}
}

func TestHashRing_StructuralCorruptionOnLookup(t *testing.T) {
	r := buildRing(t, 4)
	victim := r.Nodes()[2]
	require.NoError(t, r.RemoveNode(victim))

	// point the root at the freed slot
	freed := r.free[len(r.free)-1]
	r.entries[r.root].pred = freed

	_, err := r.NodeForKey("any-key")
	require.Error(t, err)
	assert.Equal(t, clustererrors.ErrCodeStructuralRing, clustererrors.GetCode(err))
}

func TestHashRing_StructuralCorruptionOnRemove(t *testing.T) {
	probe := buildRing(t, 3)
	sorted := probe.Nodes()

	// make the middle node the root so the walk finds it first
	r, err := NewHashRingFromNodes([]Node{sorted[1], sorted[0], sorted[2]}, DefaultReplicationFactor)
	require.NoError(t, err)
	require.NoError(t, r.Validate())

	// the last node skips the middle one
	r.entries[r.sorted[2]].pred = r.sorted[0]

	err = r.RemoveNode(sorted[1])
	require.Error(t, err)
	assert.Equal(t, clustererrors.ErrCodeStructuralRing, clustererrors.GetCode(err))
	assert.Error(t, r.Validate())
}

func TestHashRing_Clone(t *testing.T) {
	r := buildRing(t, 4)
	c := r.Clone()

	require.NoError(t, c.AddNode(Node{Name: "late", Host: "10.0.0.1", Port: 9}))
	assert.Equal(t, 4, r.Size())
	assert.Equal(t, 5, c.Size())
	assert.NoError(t, r.Validate())
	assert.NoError(t, c.Validate())
}

func TestHashRing_Snapshot(t *testing.T) {
	r := buildRing(t, 5)

	data, err := r.MarshalSnapshot()
	require.NoError(t, err)

	parsed, err := ParseSnapshot(data, DefaultReplicationFactor)
	require.NoError(t, err)
	assert.Equal(t, r.Nodes(), parsed.Nodes())

	empty, err := NewHashRing(DefaultReplicationFactor).MarshalSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))

	parsed, err = ParseSnapshot(nil, DefaultReplicationFactor)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Size())

	_, err = ParseSnapshot([]byte("{"), DefaultReplicationFactor)
	assert.Error(t, err)
}
