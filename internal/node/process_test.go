package node

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/rpc"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func processConfig(name string, port int) ProcessConfig {
	return ProcessConfig{
		Server: Config{
			Name:              name,
			Host:              "127.0.0.1",
			Port:              port,
			ReplicationFactor: 1,
		},
		ForwardWorkers:  1,
		ForwardQueue:    8,
		ForwardTimeout:  time.Second,
		ShutdownTimeout: time.Second,
	}
}

func TestProcess_ServesRPC(t *testing.T) {
	ctx := context.Background()
	store := coordination.NewMemoryStore()
	session := store.Session()
	t.Cleanup(func() { _ = session.Close() })

	data, err := model.NewServerMetadata(model.CacheStrategyFIFO, 4).Encode()
	require.NoError(t, err)
	require.NoError(t, coordination.EnsurePath(ctx, session, coordination.ServerPath("server1")))
	require.NoError(t, coordination.Upsert(ctx, session, coordination.ServerPath("server1"), data))

	port := freePort(t)
	p, err := StartProcess(ctx, processConfig("server1", port), session, nil, zap.NewNop())
	require.NoError(t, err)

	client := rpc.NewClient(time.Second, zap.NewNop())
	t.Cleanup(func() { _ = client.Close() })
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	// not started by the coordinator yet
	resp, err := client.Execute(ctx, addr, &model.KVMessage{Status: model.StatusGet, Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusServerStopped, resp.Status)

	ok, err := session.Exists(ctx, coordination.ActivePath("server1"))
	require.NoError(t, err)
	assert.True(t, ok)

	p.Close()
	select {
	case err := <-p.Errors():
		t.Fatalf("rpc endpoint failed: %v", err)
	default:
	}
}

func TestProcess_StartFailures(t *testing.T) {
	ctx := context.Background()
	store := coordination.NewMemoryStore()
	session := store.Session()
	t.Cleanup(func() { _ = session.Close() })

	cfg := processConfig("server9", freePort(t))
	cfg.Engine = "rocksdb"
	_, err := StartProcess(ctx, cfg, session, nil, zap.NewNop())
	assert.ErrorContains(t, err, "unknown storage engine")

	// no metadata written for server9
	_, err = StartProcess(ctx, processConfig("server9", freePort(t)), session, nil, zap.NewNop())
	assert.Error(t, err)
}
