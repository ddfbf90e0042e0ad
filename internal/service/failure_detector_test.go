package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
)

type failureRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *failureRecorder) handle(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *failureRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestFailureDetector_ReportsVanishedMarker(t *testing.T) {
	store := coordination.NewMemoryStore()
	coord := store.Session()
	defer coord.Close()

	node := startFakeNode(t, store, "server1", nil)
	rec := &failureRecorder{}
	d := NewFailureDetector(coord, nil, zap.NewNop())
	d.SetHandler(rec.handle)
	defer d.Stop()

	d.Watch("server1")
	d.Watch("server1")
	assert.True(t, d.Watched("server1"))

	node.crash()

	assert.Eventually(t, func() bool {
		return len(rec.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"server1"}, rec.seen())
	assert.False(t, d.Watched("server1"))
}

func TestFailureDetector_UnwatchSuppressesReport(t *testing.T) {
	store := coordination.NewMemoryStore()
	coord := store.Session()
	defer coord.Close()

	node := startFakeNode(t, store, "server1", nil)
	rec := &failureRecorder{}
	d := NewFailureDetector(coord, nil, zap.NewNop())
	d.SetHandler(rec.handle)

	d.Watch("server1")
	d.Unwatch("server1")
	node.crash()
	d.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.seen())
}

func TestFailureDetector_WaitsForMarkerCreation(t *testing.T) {
	store := coordination.NewMemoryStore()
	coord := store.Session()
	defer coord.Close()

	rec := &failureRecorder{}
	d := NewFailureDetector(coord, nil, zap.NewNop())
	d.SetHandler(rec.handle)
	defer d.Stop()

	d.Watch("server1")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.seen())

	node := startFakeNode(t, store, "server1", nil)
	time.Sleep(20 * time.Millisecond)
	node.crash()

	assert.Eventually(t, func() bool {
		return len(rec.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// crashOnRearm drops the node's marker just before the detector re-arms its
// watch, the window between a watch firing and the next ExistsW
type crashOnRearm struct {
	coordination.Service
	node *fakeNode

	mu    sync.Mutex
	calls int
}

func (c *crashOnRearm) ExistsW(ctx context.Context, p string) (bool, <-chan coordination.Event, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n == 2 {
		c.node.crash()
	}
	return c.Service.ExistsW(ctx, p)
}

func TestFailureDetector_CrashRightAfterWatch(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := coordination.NewMemoryStore()
		coord := store.Session()

		node := startFakeNode(t, store, "server1", nil)
		rec := &failureRecorder{}
		d := NewFailureDetector(coord, nil, zap.NewNop())
		d.SetHandler(rec.handle)

		d.Watch("server1")
		node.crash()

		assert.Eventually(t, func() bool {
			return len(rec.seen()) == 1
		}, 2*time.Second, 5*time.Millisecond, "iteration %d", i)
		d.Stop()
		_ = coord.Close()
	}
}

func TestFailureDetector_MarkerGoneOnRearm(t *testing.T) {
	store := coordination.NewMemoryStore()
	coord := store.Session()
	defer coord.Close()

	node := startFakeNode(t, store, "server1", nil)
	wrapped := &crashOnRearm{Service: coord, node: node}
	rec := &failureRecorder{}
	d := NewFailureDetector(wrapped, nil, zap.NewNop())
	d.SetHandler(rec.handle)
	defer d.Stop()

	d.Watch("server1")
	// a data change fires the watch without deleting the marker
	_, err := coord.Set(context.Background(), coordination.ActivePath("server1"), []byte("x"), coordination.AnyVersion)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(rec.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, d.Watched("server1"))
}
