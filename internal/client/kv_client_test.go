package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

// MockExecutor is a mock implementation of Executor
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, addr string, req *model.KVMessage) (*model.KVMessage, error) {
	args := m.Called(ctx, addr, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.KVMessage), args.Error(1)
}

func testNodes() []ring.Node {
	nodes := make([]ring.Node, 3)
	for i := range nodes {
		nodes[i] = ring.Node{Name: fmt.Sprintf("server%d", i+1), Host: "127.0.0.1", Port: 50001 + i}
	}
	return nodes
}

func ownerOf(t *testing.T, nodes []ring.Node, key string) ring.Node {
	t.Helper()
	r, err := ring.NewHashRingFromNodes(nodes, 1)
	require.NoError(t, err)
	owner, err := r.NodeForKey(key)
	require.NoError(t, err)
	return owner
}

func snapshot(t *testing.T, nodes []ring.Node) string {
	t.Helper()
	r, err := ring.NewHashRingFromNodes(nodes, 1)
	require.NoError(t, err)
	data, err := r.MarshalSnapshot()
	require.NoError(t, err)
	return string(data)
}

func TestKVClient_RoutesToOwner(t *testing.T) {
	exec := &MockExecutor{}
	c := NewKVClient(exec, "", 1, zap.NewNop())
	nodes := testNodes()
	require.NoError(t, c.SetNodes(nodes))

	owner := ownerOf(t, nodes, "alpha")
	exec.On("Execute", mock.Anything, owner.Address(), mock.MatchedBy(func(req *model.KVMessage) bool {
		return req.Status == model.StatusPut && req.Value == "1"
	})).Return(&model.KVMessage{Status: model.StatusPutSuccess, Key: "alpha", Value: "1"}, nil).Once()
	exec.On("Execute", mock.Anything, owner.Address(), mock.MatchedBy(func(req *model.KVMessage) bool {
		return req.Status == model.StatusGet
	})).Return(&model.KVMessage{Status: model.StatusGetSuccess, Key: "alpha", Value: "1"}, nil).Once()
	exec.On("Execute", mock.Anything, owner.Address(), mock.MatchedBy(func(req *model.KVMessage) bool {
		return req.Status == model.StatusPut && req.Value == model.DeleteValue
	})).Return(&model.KVMessage{Status: model.StatusDeleteSuccess, Key: "alpha"}, nil).Once()

	ctx := context.Background()
	resp, err := c.Put(ctx, "alpha", "1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPutSuccess, resp.Status)

	resp, err = c.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Value)

	resp, err = c.Delete(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleteSuccess, resp.Status)

	exec.AssertExpectations(t)
}

func TestKVClient_FollowsRedirectOnce(t *testing.T) {
	exec := &MockExecutor{}
	seed := "127.0.0.1:50001"
	c := NewKVClient(exec, seed, 1, zap.NewNop())
	nodes := testNodes()
	owner := ownerOf(t, nodes, "beta")

	redirect := &model.KVMessage{Status: model.StatusServerNotResponsible, Key: "beta", Value: snapshot(t, nodes)}
	if owner.Address() == seed {
		// the seed owns the key, nothing to redirect
		exec.On("Execute", mock.Anything, seed, mock.Anything).
			Return(&model.KVMessage{Status: model.StatusGetSuccess, Key: "beta", Value: "v"}, nil)
	} else {
		exec.On("Execute", mock.Anything, seed, mock.Anything).Return(redirect, nil).Once()
		exec.On("Execute", mock.Anything, owner.Address(), mock.Anything).
			Return(&model.KVMessage{Status: model.StatusGetSuccess, Key: "beta", Value: "v"}, nil).Once()
	}

	resp, err := c.Get(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, model.StatusGetSuccess, resp.Status)
	assert.Equal(t, "v", resp.Value)
	if owner.Address() != seed {
		assert.Len(t, c.Nodes(), 3)
	}
	exec.AssertExpectations(t)
}

func TestKVClient_SecondRedirectIsReturned(t *testing.T) {
	exec := &MockExecutor{}
	c := NewKVClient(exec, "", 1, zap.NewNop())
	nodes := testNodes()
	require.NoError(t, c.SetNodes(nodes))

	exec.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return(&model.KVMessage{Status: model.StatusServerNotResponsible, Key: "gamma", Value: snapshot(t, nodes)}, nil)

	resp, err := c.Get(context.Background(), "gamma")
	require.NoError(t, err)
	assert.Equal(t, model.StatusServerNotResponsible, resp.Status)
	exec.AssertNumberOfCalls(t, "Execute", 2)
}

func TestKVClient_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no node known", func(t *testing.T) {
		c := NewKVClient(&MockExecutor{}, "", 1, zap.NewNop())
		_, err := c.Get(ctx, "k")
		assert.True(t, clustererrors.HasCode(err, clustererrors.ErrCodeUnavailable))
	})

	t.Run("empty cluster redirect", func(t *testing.T) {
		exec := &MockExecutor{}
		exec.On("Execute", mock.Anything, "seed:1", mock.Anything).
			Return(&model.KVMessage{Status: model.StatusServerNotResponsible, Value: "[]"}, nil)
		c := NewKVClient(exec, "seed:1", 1, zap.NewNop())
		_, err := c.Get(ctx, "k")
		assert.True(t, clustererrors.HasCode(err, clustererrors.ErrCodeUnavailable))
	})

	t.Run("transport failure", func(t *testing.T) {
		exec := &MockExecutor{}
		exec.On("Execute", mock.Anything, "seed:1", mock.Anything).Return(nil, errors.New("connection refused"))
		c := NewKVClient(exec, "seed:1", 1, zap.NewNop())
		_, err := c.Get(ctx, "k")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("reserved value", func(t *testing.T) {
		c := NewKVClient(&MockExecutor{}, "seed:1", 1, zap.NewNop())
		_, err := c.Put(ctx, "k", model.DeleteValue)
		assert.True(t, clustererrors.HasCode(err, clustererrors.ErrCodeInvalidArgument))
	})
}
