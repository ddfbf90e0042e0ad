package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/util/workerpool"
)

// Executor sends one request to a node
type Executor interface {
	Execute(ctx context.Context, addr string, req *model.KVMessage) (*model.KVMessage, error)
}

// Forwarder replicates coordinator writes to the node's replication set in
// the background
type Forwarder struct {
	self    ring.Node
	client  Executor
	pool    *workerpool.WorkerPool
	timeout time.Duration
	metrics *metrics.NodeMetrics
	logger  *zap.Logger

	mu      sync.RWMutex
	targets []ring.Node
}

// NewForwarder creates a forwarder with no targets
func NewForwarder(self ring.Node, client Executor, pool *workerpool.WorkerPool, timeout time.Duration, m *metrics.NodeMetrics, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		self:    self,
		client:  client,
		pool:    pool,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Update recomputes the replication set from r. A node that is not on the
// ring forwards nowhere.
func (f *Forwarder) Update(r *ring.HashRing) {
	var targets []ring.Node
	if r.Contains(f.self) {
		replicas, err := r.ReplicationNodes(f.self)
		if err != nil {
			f.logger.Error("Failed to compute replication set", zap.Error(err))
		}
		targets = replicas
	}

	f.mu.Lock()
	changed := !sameNodes(f.targets, targets)
	f.targets = targets
	f.mu.Unlock()

	if changed {
		names := make([]string, len(targets))
		for i, n := range targets {
			names[i] = n.Name
		}
		f.logger.Info("Replication targets updated", zap.Strings("targets", names))
	}
}

// Targets returns the current replication set
func (f *Forwarder) Targets() []ring.Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]ring.Node(nil), f.targets...)
}

// Forward queues msg for replication to every target. Writes to one key are
// delivered in the order they were forwarded.
func (f *Forwarder) Forward(msg model.KVMessage) error {
	targets := f.Targets()
	if len(targets) == 0 {
		return nil
	}
	msg.Status = model.StatusPutReplicate
	return f.pool.TrySubmit(workerpool.Task{
		ID:  "replicate:" + msg.Key,
		Key: msg.Key,
		Fn: func(ctx context.Context) error {
			return f.replicate(ctx, targets, msg)
		},
	})
}

// replicate sends msg to every target concurrently
func (f *Forwarder) replicate(ctx context.Context, targets []ring.Node, msg model.KVMessage) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			req := msg
			resp, err := f.client.Execute(ctx, target.Address(), &req)
			if err == nil && !resp.Status.ForwardSucceeded() {
				err = fmt.Errorf("replica %s answered %s", target.Name, resp.Status)
			}
			f.metrics.RecordForward(target.Name, err == nil)
			if err != nil {
				return fmt.Errorf("forward to %s: %w", target.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func sameNodes(a, b []ring.Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
