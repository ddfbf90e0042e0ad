package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveRelayed(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed without an event")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event relayed")
		return Event{}
	}
}

func TestRelay(t *testing.T) {
	t.Run("forwards the zk event", func(t *testing.T) {
		in := make(chan zk.Event, 1)
		out := relay(context.Background(), in)
		in <- zk.Event{Type: zk.EventNodeDeleted, Path: "/active/server1"}

		ev := receiveRelayed(t, out)
		assert.Equal(t, EventDeleted, ev.Type)
		assert.Equal(t, "/active/server1", ev.Path)
		_, open := <-out
		assert.False(t, open)
	})

	t.Run("closed watch", func(t *testing.T) {
		in := make(chan zk.Event)
		close(in)
		ev := receiveRelayed(t, relay(context.Background(), in))
		assert.Equal(t, EventNotWatching, ev.Type)
		assert.ErrorIs(t, ev.Err, ErrClosed)
	})

	t.Run("stops with the caller context", func(t *testing.T) {
		in := make(chan zk.Event, 1)
		ctx, cancel := context.WithCancel(context.Background())
		out := relay(ctx, in)
		cancel()

		ev := receiveRelayed(t, out)
		assert.Equal(t, EventNotWatching, ev.Type)
		assert.ErrorIs(t, ev.Err, context.Canceled)

		// the late zk event lands in its buffer and nobody blocks on it
		in <- zk.Event{Type: zk.EventNodeDataChanged}
	})
}

func TestMapError(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{zk.ErrNoNode, ErrNoNode},
		{zk.ErrNodeExists, ErrNodeExists},
		{zk.ErrBadVersion, ErrBadVersion},
		{zk.ErrNotEmpty, ErrNotEmpty},
		{zk.ErrSessionExpired, ErrClosed},
	}
	for _, tt := range tests {
		t.Run(tt.in.Error(), func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.in), tt.want)
		})
	}
	assert.NoError(t, mapError(nil))
}

func TestMapEventType(t *testing.T) {
	assert.Equal(t, EventCreated, mapEventType(zk.EventNodeCreated))
	assert.Equal(t, EventChildrenChanged, mapEventType(zk.EventNodeChildrenChanged))
	assert.Equal(t, EventNotWatching, mapEventType(zk.EventSession))
}
