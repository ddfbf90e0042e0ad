package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

const waitFor = 2 * time.Second

type serverFixture struct {
	t       *testing.T
	session coordination.Service
	server  *Server
	seq     uint64
}

func newServerFixture(t *testing.T, store *coordination.MemoryStore, name string, port int, meta *model.ServerMetadata) *serverFixture {
	t.Helper()
	ctx := context.Background()
	session := store.Session()
	t.Cleanup(func() { _ = session.Close() })

	data, err := meta.Encode()
	require.NoError(t, err)
	require.NoError(t, coordination.EnsurePath(ctx, session, coordination.ServerPath(name)))
	require.NoError(t, coordination.Upsert(ctx, session, coordination.ServerPath(name), data))

	self := ring.Node{Name: name, Host: "127.0.0.1", Port: port}
	forwarder, _ := newTestForwarder(t, self, &MockExecutor{})
	cfg := Config{
		Name:              name,
		Host:              "127.0.0.1",
		Port:              port,
		ReplicationFactor: 1,
		Transfer:          TransferConfig{AcceptTimeout: 5 * time.Second},
	}
	s := NewServer(cfg, session, NewMemoryEngine(), forwarder, nil, zap.NewNop())
	return &serverFixture{t: t, session: session, server: s}
}

func (f *serverFixture) start() {
	f.t.Helper()
	require.NoError(f.t, f.server.Start(context.Background()))
	f.t.Cleanup(f.server.Close)
}

// post writes msg into the node's inbox and returns its path
func (f *serverFixture) post(msg *model.AdminMessage) string {
	f.t.Helper()
	data, err := msg.Encode()
	require.NoError(f.t, err)
	p := coordination.InboxPath(f.server.cfg.Name, f.seq)
	f.seq++
	require.NoError(f.t, f.session.Create(context.Background(), p, data, coordination.Persistent))
	return p
}

// send posts msg and waits for the node to acknowledge it
func (f *serverFixture) send(msg *model.AdminMessage) {
	f.t.Helper()
	p := f.post(msg)
	assert.Eventually(f.t, func() bool {
		ok, err := f.session.Exists(context.Background(), p)
		return err == nil && !ok
	}, waitFor, 5*time.Millisecond, "%s was not acknowledged", msg)
}

// sendFailing posts msg and returns the error text the node writes back
func (f *serverFixture) sendFailing(msg *model.AdminMessage) string {
	f.t.Helper()
	p := f.post(msg)
	var reply string
	assert.Eventually(f.t, func() bool {
		data, _, err := f.session.Get(context.Background(), p)
		if err != nil {
			return false
		}
		if _, derr := model.DecodeAdminMessage(data); derr == nil {
			return false
		}
		reply = string(data)
		return true
	}, waitFor, 5*time.Millisecond)
	return reply
}

func (f *serverFixture) metadata() *model.ServerMetadata {
	f.t.Helper()
	data, _, err := f.session.Get(context.Background(), coordination.ServerPath(f.server.cfg.Name))
	require.NoError(f.t, err)
	meta, err := model.DecodeServerMetadata(data)
	require.NoError(f.t, err)
	return meta
}

func fullRange(n ring.Node) *ring.HashRange {
	rng := ring.NewHashRange(n.Hash(), n.Hash())
	return &rng
}

func TestServer_StartAcknowledgesInit(t *testing.T) {
	store := coordination.NewMemoryStore()
	f := newServerFixture(t, store, "server1", 50001, model.NewServerMetadata(model.CacheStrategyLRU, 10))
	initPath := f.post(model.NewAdminMessage(model.OpInit))

	f.start()

	ctx := context.Background()
	exists, err := f.session.Exists(ctx, initPath)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = f.session.Exists(ctx, coordination.ActivePath("server1"))
	require.NoError(t, err)
	assert.True(t, exists)

	assert.IsType(t, &lruCache{}, f.server.Router().currentCache())
	assert.False(t, f.server.Router().Serving())
}

func TestServer_StartWithoutMetadataFails(t *testing.T) {
	store := coordination.NewMemoryStore()
	session := store.Session()
	defer session.Close()

	self := ring.Node{Name: "ghost", Host: "127.0.0.1", Port: 50009}
	forwarder, _ := newTestForwarder(t, self, &MockExecutor{})
	s := NewServer(Config{Name: "ghost", Host: "127.0.0.1", Port: 50009, ReplicationFactor: 1},
		session, NewMemoryEngine(), forwarder, nil, zap.NewNop())

	assert.Error(t, s.Start(context.Background()))
}

func TestServer_AdminLifecycle(t *testing.T) {
	store := coordination.NewMemoryStore()
	f := newServerFixture(t, store, "server1", 50001, model.NewServerMetadata(model.CacheStrategyNone, 0))
	f.start()
	router := f.server.Router()

	f.send(model.NewAdminMessage(model.OpStart))
	assert.True(t, router.Serving())

	f.send(model.NewAdminMessage(model.OpLockWrite))
	assert.True(t, router.WriteLocked())
	f.send(model.NewAdminMessage(model.OpUnlockWrite))
	assert.False(t, router.WriteLocked())

	f.send(model.NewAdminMessage(model.OpStop))
	assert.False(t, router.Serving())

	reply := f.sendFailing(model.NewAdminMessage("BOGUS"))
	assert.Contains(t, reply, "unknown operation")

	reply = f.sendFailing(model.NewAdminMessage(model.OpDelete))
	assert.Contains(t, reply, "hash range")

	// the inbox keeps working after failures
	f.send(model.NewAdminMessage(model.OpStart))
	assert.True(t, router.Serving())
}

func TestServer_FollowsRing(t *testing.T) {
	store := coordination.NewMemoryStore()
	f := newServerFixture(t, store, "server1", 50001, model.NewServerMetadata(model.CacheStrategyNone, 0))
	f.start()
	assert.Zero(t, f.server.Router().Ring().Size())

	publish := func(nodes []ring.Node) {
		r, err := ring.NewHashRingFromNodes(nodes, 1)
		require.NoError(t, err)
		data, err := r.MarshalSnapshot()
		require.NoError(t, err)
		require.NoError(t, coordination.Upsert(context.Background(), f.session, coordination.MetadataPath, data))
	}

	nodes := []ring.Node{f.server.Self()}
	for i := 2; i <= 3; i++ {
		nodes = append(nodes, ring.Node{Name: fmt.Sprintf("server%d", i), Host: "127.0.0.1", Port: 50000 + i})
	}
	publish(nodes)

	assert.Eventually(t, func() bool {
		return f.server.Router().Ring().Size() == 3
	}, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(f.server.forwarder.Targets()) == 1
	}, waitFor, 5*time.Millisecond)

	publish(nodes[1:])
	assert.Eventually(t, func() bool {
		return f.server.Router().Ring().Size() == 2 && len(f.server.forwarder.Targets()) == 0
	}, waitFor, 5*time.Millisecond)

	// UPDATE re-reads the snapshot on demand
	f.send(model.NewAdminMessage(model.OpUpdate))
	assert.Equal(t, 2, f.server.Router().Ring().Size())
}

func TestServer_TransferRange(t *testing.T) {
	store := coordination.NewMemoryStore()
	sender := newServerFixture(t, store, "server1", 50001, model.NewServerMetadata(model.CacheStrategyNone, 0))
	receiver := newServerFixture(t, store, "server2", 50002, model.NewServerMetadata(model.CacheStrategyFIFO, 4))
	sender.start()
	receiver.start()

	var records []Record
	for i := 0; i < 1200; i++ {
		records = append(records, Record{Key: fmt.Sprintf("key%d", i), Value: fmt.Sprintf("value%d", i)})
	}
	require.NoError(t, sender.server.Router().importRecords(records))

	receiver.send(model.NewAdminMessage(model.OpReceive))
	meta := receiver.metadata()
	assert.NotZero(t, meta.ReceivePort)
	assert.Equal(t, 0, meta.TransferProgress)
	assert.True(t, receiver.server.Router().WriteLocked())
	assert.Equal(t, model.CacheStrategyFIFO, meta.CacheStrategy)

	send := model.NewAdminMessage(model.OpSend)
	send.ReceiverName = "server2"
	send.ReceiverHost = "127.0.0.1"
	send.HashRange = fullRange(sender.server.Self())
	sender.send(send)

	assert.Eventually(t, func() bool {
		return receiver.metadata().IsIdle() && sender.metadata().IsIdle()
	}, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return !receiver.server.Router().WriteLocked() && !sender.server.Router().WriteLocked()
	}, waitFor, 5*time.Millisecond)

	got, err := receiver.server.Router().exportRange(*fullRange(receiver.server.Self()))
	require.NoError(t, err)
	assert.Len(t, got, len(records))
}

func TestServer_SendWithoutReceiverFails(t *testing.T) {
	store := coordination.NewMemoryStore()
	sender := newServerFixture(t, store, "server1", 50001, model.NewServerMetadata(model.CacheStrategyNone, 0))
	newServerFixture(t, store, "server2", 50002, model.NewServerMetadata(model.CacheStrategyNone, 0))
	sender.start()

	send := model.NewAdminMessage(model.OpSend)
	send.ReceiverName = "server2"
	send.ReceiverHost = "127.0.0.1"
	send.HashRange = fullRange(sender.server.Self())

	reply := sender.sendFailing(send)
	assert.Contains(t, reply, "no open transfer port")
	assert.True(t, sender.metadata().IsIdle())
}

func TestServer_DeleteAndClear(t *testing.T) {
	store := coordination.NewMemoryStore()
	f := newServerFixture(t, store, "server1", 50001, model.NewServerMetadata(model.CacheStrategyNone, 0))
	f.start()
	router := f.server.Router()
	all := *fullRange(f.server.Self())

	require.NoError(t, router.importRecords([]Record{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}))
	del := model.NewAdminMessage(model.OpDelete)
	del.HashRange = fullRange(f.server.Self())
	f.send(del)
	left, err := router.exportRange(all)
	require.NoError(t, err)
	assert.Empty(t, left)

	require.NoError(t, router.importRecords([]Record{{Key: "c", Value: "3"}}))
	f.send(model.NewAdminMessage(model.OpClear))
	left, err = router.exportRange(all)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestServer_ShutDown(t *testing.T) {
	store := coordination.NewMemoryStore()
	f := newServerFixture(t, store, "server1", 50001, model.NewServerMetadata(model.CacheStrategyNone, 0))
	f.start()

	f.send(model.NewAdminMessage(model.OpStart))
	f.send(model.NewAdminMessage(model.OpShutDown))

	select {
	case <-f.server.Done():
	case <-time.After(waitFor):
		t.Fatal("shutdown was not signalled")
	}
	assert.False(t, f.server.Router().Serving())
}
