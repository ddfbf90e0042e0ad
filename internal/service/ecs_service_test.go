package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/store"
)

type ecsFixture struct {
	t        *testing.T
	mem      *coordination.MemoryStore
	coord    *coordination.MemorySession
	ecs      *ECSService
	launcher *MockLauncher
	restore  *store.FileRestoreStore

	mu     sync.Mutex
	fakes  map[string]*fakeNode
	failOn map[string]model.OperationType
}

func newECSFixture(t *testing.T, fleet int) *ecsFixture {
	t.Helper()
	logger := zap.NewNop()
	mem := coordination.NewMemoryStore()
	coord := mem.Session()

	restore, err := store.NewFileRestoreStore(filepath.Join(t.TempDir(), "ecs.restore"), logger)
	require.NoError(t, err)

	f := &ecsFixture{
		t:        t,
		mem:      mem,
		coord:    coord,
		launcher: &MockLauncher{},
		restore:  restore,
		fakes:    make(map[string]*fakeNode),
		failOn:   make(map[string]model.OperationType),
	}
	f.launcher.On("Launch", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		f.launch(args.Get(1).(model.StorageNode).Name)
	})

	mc := NewMulticaster(coord, time.Second, nil, logger)
	issuer := NewTransferIssuer(coord, mc, time.Second, time.Minute, nil, logger)
	detector := NewFailureDetector(coord, nil, logger)
	f.ecs = NewECSService(
		ECSConfig{ReplicationFactor: testReplication, AwaitTimeout: time.Second},
		coord, mc, issuer, detector, f.launcher, restore, nil, logger,
	)
	require.NoError(t, f.ecs.Initialize(context.Background()))

	nodes := make([]ring.Node, fleet)
	for i := range nodes {
		nodes[i] = testIdentity(i + 1)
	}
	require.True(t, f.ecs.LoadFleet(nodes).Success)

	t.Cleanup(func() {
		f.ecs.Close()
		coord.Close()
	})
	return f
}

// launch replaces any previous process of name with a fresh fake node
func (f *ecsFixture) launch(name string) {
	f.mu.Lock()
	old := f.fakes[name]
	f.mu.Unlock()
	if old != nil {
		old.stop()
	}

	n := startFakeNode(f.t, f.mem, name, func(msg *model.AdminMessage) error {
		f.mu.Lock()
		op, ok := f.failOn[name]
		f.mu.Unlock()
		if ok && op == msg.OperationType {
			return fmt.Errorf("%s refused", op)
		}
		return nil
	})
	f.mu.Lock()
	f.fakes[name] = n
	f.mu.Unlock()
}

func (f *ecsFixture) fake(name string) *fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fakes[name]
}

func (f *ecsFixture) status(name string) model.NodeStatus {
	info, err := f.ecs.Node(name)
	require.NoError(f.t, err)
	return info.Status
}

func (f *ecsFixture) publishedRing() []ring.Node {
	data, _, err := f.coord.Get(context.Background(), coordination.MetadataPath)
	require.NoError(f.t, err)
	r, err := ring.ParseSnapshot(data, testReplication)
	require.NoError(f.t, err)
	return r.Nodes()
}

func (f *ecsFixture) startCluster(count int) {
	f.t.Helper()
	res, infos := f.ecs.AddNodes(context.Background(), count, model.CacheStrategyLRU, 10)
	require.True(f.t, res.Success, "%v", res.Errors)
	require.Len(f.t, infos, count)
	res = f.ecs.Start(context.Background())
	require.True(f.t, res.Success, "%v", res.Errors)
}

func countOps(ops []model.OperationType, op model.OperationType) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}

func TestECS_AddNodesAndStart(t *testing.T) {
	f := newECSFixture(t, 5)
	ctx := context.Background()

	res, infos := f.ecs.AddNodes(ctx, 3, model.CacheStrategyLRU, 10)
	require.True(t, res.Success, "%v", res.Errors)
	require.Len(t, infos, 3)
	for _, info := range infos {
		assert.Equal(t, model.NodeStatusStopped, info.Status)
		assert.Equal(t, model.CacheStrategyLRU, info.CacheStrategy)
		assert.Empty(t, info.HashRange)
	}
	f.launcher.AssertNumberOfCalls(t, "Launch", 3)

	data, _, err := f.coord.Get(ctx, coordination.ServerPath("server1"))
	require.NoError(t, err)
	meta, err := model.DecodeServerMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, model.CacheStrategyLRU, meta.CacheStrategy)
	assert.Equal(t, 10, meta.CacheSize)

	res = f.ecs.Start(ctx)
	require.True(t, res.Success, "%v", res.Errors)

	assert.Len(t, f.ecs.RingSnapshot(), 3)
	assert.Len(t, f.publishedRing(), 3)
	receives := 0
	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("server%d", i)
		assert.Equal(t, model.NodeStatusActive, f.status(name))
		ops := f.fake(name).operations()
		assert.Equal(t, model.OpInit, ops[0])
		assert.Equal(t, 1, countOps(ops, model.OpClear))
		assert.Equal(t, model.OpStart, ops[len(ops)-1])
		receives += countOps(ops, model.OpReceive)
	}
	// the first node joins an empty ring, the other two receive a copy
	assert.Equal(t, 2, receives)

	owner, err := f.ecs.GetNodeByKey("some-key")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusActive, owner.Status)
	assert.Len(t, owner.HashRange, 2)

	for _, name := range []string{"server4", "server5"} {
		assert.Equal(t, model.NodeStatusOffline, f.status(name))
	}
}

func TestECS_AddNodesBeyondPool(t *testing.T) {
	f := newECSFixture(t, 2)

	res, infos := f.ecs.AddNodes(context.Background(), 3, model.CacheStrategyFIFO, 5)
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors, "setup")
	assert.Empty(t, infos)
	f.launcher.AssertNotCalled(t, "Launch", mock.Anything, mock.Anything)
}

func TestECS_AddNodesRejectsUnknownStrategy(t *testing.T) {
	f := newECSFixture(t, 2)

	res, _ := f.ecs.AddNodes(context.Background(), 1, model.CacheStrategy("MRU"), 5)
	assert.False(t, res.Success)
	assert.Equal(t, model.NodeStatusOffline, f.status("server1"))
}

func TestECS_StartFailureTakesNodeOffRing(t *testing.T) {
	f := newECSFixture(t, 3)
	f.failOn["server2"] = model.OpStart

	res, _ := f.ecs.AddNodes(context.Background(), 3, model.CacheStrategyLRU, 10)
	require.True(t, res.Success)

	res = f.ecs.Start(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors, "server2")
	assert.Equal(t, model.NodeStatusStopped, f.status("server2"))
	assert.Len(t, f.ecs.RingSnapshot(), 2)
	assert.Len(t, f.publishedRing(), 2)
}

func TestECS_RemoveNodes(t *testing.T) {
	f := newECSFixture(t, 5)
	f.startCluster(4)

	res := f.ecs.RemoveNodes(context.Background(), []string{"server2", "missing"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors, "missing")
	assert.NotContains(t, res.Errors, "server2")

	assert.Equal(t, model.NodeStatusOffline, f.status("server2"))
	assert.Len(t, f.ecs.RingSnapshot(), 3)
	assert.Len(t, f.publishedRing(), 3)
	assert.Contains(t, f.fake("server2").operations(), model.OpShutDown)

	sends := 0
	for _, name := range []string{"server1", "server3", "server4"} {
		sends += countOps(f.fake(name).operations(), model.OpSend)
	}
	assert.Positive(t, sends)
}

func TestECS_FailureDetection(t *testing.T) {
	f := newECSFixture(t, 4)
	f.startCluster(4)

	f.fake("server3").crash()

	assert.Eventually(t, func() bool {
		info, err := f.ecs.Node("server3")
		return err == nil && info.Status == model.NodeStatusOffline && len(f.ecs.RingSnapshot()) == 3
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, f.publishedRing(), 3)
}

func TestECS_StopAndRestart(t *testing.T) {
	f := newECSFixture(t, 3)
	ctx := context.Background()
	f.startCluster(3)

	res := f.ecs.Stop(ctx)
	require.True(t, res.Success, "%v", res.Errors)
	assert.Empty(t, f.ecs.RingSnapshot())
	assert.Empty(t, f.publishedRing())

	entries, err := f.restore.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	res = f.ecs.Start(ctx)
	require.True(t, res.Success, "%v", res.Errors)
	assert.Len(t, f.ecs.RingSnapshot(), 3)
	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("server%d", i)
		assert.Equal(t, model.NodeStatusActive, f.status(name))
		ops := f.fake(name).operations()
		assert.Equal(t, 1, countOps(ops, model.OpClear), name)
		assert.Equal(t, 2, countOps(ops, model.OpStart), name)
	}

	entries, err = f.restore.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestECS_ShutdownAndRestore(t *testing.T) {
	f := newECSFixture(t, 3)
	ctx := context.Background()
	f.startCluster(3)
	before := f.fake("server1")

	res := f.ecs.Shutdown(ctx)
	require.True(t, res.Success, "%v", res.Errors)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, model.NodeStatusOffline, f.status(fmt.Sprintf("server%d", i)))
	}
	assert.Contains(t, before.operations(), model.OpShutDown)
	assert.Empty(t, f.publishedRing())

	res = f.ecs.Start(ctx)
	require.True(t, res.Success, "%v", res.Errors)
	f.launcher.AssertNumberOfCalls(t, "Launch", 6)
	assert.Len(t, f.ecs.RingSnapshot(), 3)

	after := f.fake("server1")
	assert.NotSame(t, before, after)
	assert.Equal(t, []model.OperationType{model.OpInit, model.OpStart}, after.operations())

	info, err := f.ecs.Node("server1")
	require.NoError(t, err)
	assert.Equal(t, model.CacheStrategyLRU, info.CacheStrategy)
}

func TestECS_GetNodeByKeyOnEmptyRing(t *testing.T) {
	f := newECSFixture(t, 1)
	_, err := f.ecs.GetNodeByKey("k")
	assert.True(t, clustererrors.HasCode(err, clustererrors.ErrCodeUnavailable))

	_, err = f.ecs.Node("nope")
	assert.True(t, clustererrors.HasCode(err, clustererrors.ErrCodeNodeNotFound))
}

func TestECS_CreateNodeValidation(t *testing.T) {
	f := newECSFixture(t, 1)
	assert.Error(t, f.ecs.CreateNode("", "h", 1))
	assert.Error(t, f.ecs.CreateNode("x", "h", 0))
	assert.True(t, clustererrors.HasCode(f.ecs.CreateNode("server1", "h", 1), clustererrors.ErrCodeDuplicateNode))
	assert.True(t, clustererrors.HasCode(f.ecs.CreateNode("other", "127.0.0.1", 50001), clustererrors.ErrCodeCollision))
	require.NoError(t, f.ecs.CreateNode("server9", "10.0.0.9", 5000))
	assert.Len(t, f.ecs.Nodes(), 2)
}

func TestNewECSService_ReplicationFloor(t *testing.T) {
	mem := coordination.NewMemoryStore()
	coord := mem.Session()
	defer coord.Close()
	logger := zap.NewNop()

	mc := NewMulticaster(coord, time.Second, nil, logger)
	issuer := NewTransferIssuer(coord, mc, time.Second, time.Minute, nil, logger)
	detector := NewFailureDetector(coord, nil, logger)
	for _, r := range []int{0, -1} {
		ecs := NewECSService(ECSConfig{ReplicationFactor: r}, coord, mc, issuer, detector, &MockLauncher{}, nil, nil, logger)
		assert.Equal(t, DefaultReplicationFactor, ecs.ring.ReplicationFactor())
		assert.Equal(t, DefaultAwaitTimeout, ecs.cfg.AwaitTimeout)
	}
}
