package service

import (
	"context"
	"fmt"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

// fakeNode plays the admin side of a storage node against the in-memory
// coordination service
type fakeNode struct {
	t       *testing.T
	name    string
	session *coordination.MemorySession
	handler func(msg *model.AdminMessage) error
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	received []*model.AdminMessage
}

func testIdentity(i int) ring.Node {
	return ring.Node{Name: fmt.Sprintf("server%d", i), Host: "127.0.0.1", Port: 50000 + i}
}

func ensureServerEntry(t *testing.T, s coordination.Service, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, coordination.EnsurePath(ctx, s, coordination.ServerPath(name)))
	existing, _, err := s.Get(ctx, coordination.ServerPath(name))
	require.NoError(t, err)
	if len(existing) > 0 {
		return
	}
	data, err := model.NewServerMetadata(model.CacheStrategyNone, 0).Encode()
	require.NoError(t, err)
	require.NoError(t, coordination.Upsert(ctx, s, coordination.ServerPath(name), data))
}

// startFakeNode processes the inbox of name until stopped. A nil handler
// acknowledges everything.
func startFakeNode(t *testing.T, store *coordination.MemoryStore, name string, handler func(*model.AdminMessage) error) *fakeNode {
	t.Helper()
	session := store.Session()
	ensureServerEntry(t, session, name)
	require.NoError(t, coordination.EnsurePath(context.Background(), session, coordination.ActiveRoot))
	require.NoError(t, session.Create(context.Background(), coordination.ActivePath(name), nil, coordination.Ephemeral))

	ctx, cancel := context.WithCancel(context.Background())
	n := &fakeNode{
		t:       t,
		name:    name,
		session: session,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go n.loop(ctx)
	t.Cleanup(n.stop)
	return n
}

func (n *fakeNode) loop(ctx context.Context) {
	defer close(n.done)
	inbox := coordination.ServerPath(n.name)
	handled := make(map[string]bool)
	for {
		children, watch, err := n.session.ChildrenW(ctx, inbox)
		if err != nil {
			return
		}
		for _, c := range children {
			if handled[c] {
				continue
			}
			handled[c] = true
			p := path.Join(inbox, c)
			data, _, err := n.session.Get(ctx, p)
			if err != nil {
				continue
			}
			msg, err := model.DecodeAdminMessage(data)
			if err != nil {
				continue
			}
			n.mu.Lock()
			n.received = append(n.received, msg)
			n.mu.Unlock()

			var herr error
			if n.handler != nil {
				herr = n.handler(msg)
			}
			if herr != nil {
				_, _ = n.session.Set(ctx, p, []byte(herr.Error()), coordination.AnyVersion)
				continue
			}
			_ = n.session.Delete(ctx, p, coordination.AnyVersion)
		}
		select {
		case <-watch:
		case <-ctx.Done():
			return
		}
	}
}

// crash ends the session, dropping the liveness marker
func (n *fakeNode) crash() {
	n.stop()
}

func (n *fakeNode) stop() {
	n.cancel()
	_ = n.session.Close()
	<-n.done
}

func (n *fakeNode) operations() []model.OperationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	ops := make([]model.OperationType, len(n.received))
	for i, m := range n.received {
		ops[i] = m.OperationType
	}
	return ops
}

func (n *fakeNode) messages(op model.OperationType) []*model.AdminMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*model.AdminMessage
	for _, m := range n.received {
		if m.OperationType == op {
			out = append(out, m)
		}
	}
	return out
}

func setProgress(t *testing.T, s coordination.Service, name string, progress int) {
	t.Helper()
	ctx := context.Background()
	data, _, err := s.Get(ctx, coordination.ServerPath(name))
	require.NoError(t, err)
	meta, err := model.DecodeServerMetadata(data)
	require.NoError(t, err)
	meta.TransferProgress = progress
	encoded, err := meta.Encode()
	require.NoError(t, err)
	_, err = s.Set(ctx, coordination.ServerPath(name), encoded, coordination.AnyVersion)
	require.NoError(t, err)
}

// MockLauncher is a mock implementation of Launcher
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context, node model.StorageNode) error {
	args := m.Called(ctx, node)
	return args.Error(0)
}

func newTestMulticaster(s coordination.Service, timeout time.Duration) *Multicaster {
	return NewMulticaster(s, timeout, nil, zap.NewNop())
}
