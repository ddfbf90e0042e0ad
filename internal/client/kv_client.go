package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

// Executor sends one request to a node
type Executor interface {
	Execute(ctx context.Context, addr string, req *model.KVMessage) (*model.KVMessage, error)
}

// KVClient routes requests to the node responsible for each key using a
// cached copy of the ring
type KVClient struct {
	exec        Executor
	seed        string
	replication int
	logger      *zap.Logger

	mu   sync.RWMutex
	ring *ring.HashRing
}

// NewKVClient creates a client. Until a ring is known every request goes to
// seed, whose redirect carries the first snapshot.
func NewKVClient(exec Executor, seed string, replication int, logger *zap.Logger) *KVClient {
	return &KVClient{
		exec:        exec,
		seed:        seed,
		replication: replication,
		logger:      logger,
		ring:        ring.NewHashRing(replication),
	}
}

// SetNodes replaces the cached ring with the given members
func (c *KVClient) SetNodes(nodes []ring.Node) error {
	r, err := ring.NewHashRingFromNodes(nodes, c.replication)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ring = r
	c.mu.Unlock()
	return nil
}

// Nodes returns the cached ring members
func (c *KVClient) Nodes() []ring.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ring.Nodes()
}

// Get reads key
func (c *KVClient) Get(ctx context.Context, key string) (*model.KVMessage, error) {
	return c.do(ctx, &model.KVMessage{Status: model.StatusGet, Key: key})
}

// Put writes key. Use Delete to remove a key.
func (c *KVClient) Put(ctx context.Context, key, value string) (*model.KVMessage, error) {
	if value == model.DeleteValue {
		return nil, clustererrors.InvalidArgument(fmt.Sprintf("value %q is reserved for deletes", value), nil)
	}
	return c.do(ctx, &model.KVMessage{Status: model.StatusPut, Key: key, Value: value})
}

// Delete removes key
func (c *KVClient) Delete(ctx context.Context, key string) (*model.KVMessage, error) {
	return c.do(ctx, &model.KVMessage{Status: model.StatusPut, Key: key, Value: model.DeleteValue})
}

// do sends req to the key's owner. A redirect replaces the cached ring and
// the request is retried once against the new owner.
func (c *KVClient) do(ctx context.Context, req *model.KVMessage) (*model.KVMessage, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != model.StatusServerNotResponsible {
		return resp, nil
	}

	if err := c.adopt(resp.Value); err != nil {
		return nil, err
	}
	c.logger.Debug("Retrying after redirect", zap.String("key", req.Key), zap.Int("ring_size", len(c.Nodes())))
	return c.send(ctx, req)
}

func (c *KVClient) send(ctx context.Context, req *model.KVMessage) (*model.KVMessage, error) {
	addr, err := c.route(req.Key)
	if err != nil {
		return nil, err
	}
	resp, err := c.exec.Execute(ctx, addr, req)
	if err != nil {
		return nil, clustererrors.Unavailable(fmt.Sprintf("request to %s failed", addr), err)
	}
	return resp, nil
}

func (c *KVClient) route(key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ring.Size() == 0 {
		if c.seed == "" {
			return "", clustererrors.Unavailable("no storage node known", nil)
		}
		return c.seed, nil
	}
	owner, err := c.ring.NodeForKey(key)
	if err != nil {
		return "", err
	}
	return owner.Address(), nil
}

// adopt installs the snapshot carried by a redirect
func (c *KVClient) adopt(snapshot string) error {
	r, err := ring.ParseSnapshot([]byte(snapshot), c.replication)
	if err != nil {
		return fmt.Errorf("malformed ring in redirect: %w", err)
	}
	if r.Size() == 0 {
		return clustererrors.Unavailable("cluster has no active storage node", nil)
	}
	c.mu.Lock()
	c.ring = r
	c.mu.Unlock()
	return nil
}
