package node

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/store"
)

// Replicator propagates writes accepted as coordinator to the replicas
type Replicator interface {
	Forward(msg model.KVMessage) error
}

// Router answers client and replica requests against the node's cached ring
type Router struct {
	self       ring.Node
	engine     Engine
	replicator Replicator
	metrics    *metrics.NodeMetrics
	logger     *zap.Logger

	serving   atomic.Bool
	adminLock atomic.Bool
	transfers atomic.Int32

	// writeMu orders writes against range exports and deletes
	writeMu sync.RWMutex
	// keyMu keeps the local apply and the replication hand-off of one key
	// in the same order
	keyMu [64]sync.Mutex

	mu       sync.RWMutex
	ring     *ring.HashRing
	snapshot string
	cache    Cache
}

// NewRouter creates a stopped router with an empty ring and no cache
func NewRouter(self ring.Node, engine Engine, replicator Replicator, m *metrics.NodeMetrics, logger *zap.Logger) *Router {
	return &Router{
		self:       self,
		engine:     engine,
		replicator: replicator,
		metrics:    m,
		logger:     logger,
		ring:       ring.NewHashRing(0),
		snapshot:   "[]",
		cache:      noCache{},
	}
}

// SetRing replaces the cached ring and the snapshot returned with redirects
func (r *Router) SetRing(hr *ring.HashRing, snapshot []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = hr
	r.snapshot = string(snapshot)
}

// Ring returns the cached ring
func (r *Router) Ring() *ring.HashRing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ring
}

// SetCache replaces the cache
func (r *Router) SetCache(c Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = c
}

func (r *Router) currentCache() Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache
}

// SetServing starts or stops serving client requests
func (r *Router) SetServing(on bool) { r.serving.Store(on) }

// Serving reports whether client requests are served
func (r *Router) Serving() bool { return r.serving.Load() }

// SetWriteLock toggles the administrative write lock
func (r *Router) SetWriteLock(on bool) { r.adminLock.Store(on) }

// WriteLocked reports whether writes are currently rejected
func (r *Router) WriteLocked() bool {
	return r.adminLock.Load() || r.transfers.Load() > 0
}

// beginTransfer rejects writes until the returned func is called
func (r *Router) beginTransfer() func() {
	r.transfers.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { r.transfers.Add(-1) })
	}
}

// Handle serves one request
func (r *Router) Handle(ctx context.Context, req *model.KVMessage) *model.KVMessage {
	start := time.Now()
	resp := r.handle(ctx, req)
	r.metrics.RecordRequest(string(req.Status), string(resp.Status), time.Since(start).Seconds())
	return resp
}

func (r *Router) handle(_ context.Context, req *model.KVMessage) *model.KVMessage {
	if !r.serving.Load() {
		return &model.KVMessage{Status: model.StatusServerStopped, Key: req.Key}
	}
	if ok, snapshot := r.responsible(req); !ok {
		return &model.KVMessage{Status: model.StatusServerNotResponsible, Key: req.Key, Value: snapshot}
	}

	switch req.Status {
	case model.StatusGet:
		return r.get(req.Key)
	case model.StatusPut, model.StatusPutReplicate:
		return r.put(req)
	default:
		return &model.KVMessage{Status: model.StatusBadStatusError, Key: req.Key,
			Value: fmt.Sprintf("unsupported request %s", req.Status)}
	}
}

// responsible reports whether this node may serve req: the coordinator
// always may, its replicas only for reads and replicated writes
func (r *Router) responsible(req *model.KVMessage) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, err := r.ring.NodeForKey(req.Key)
	if err != nil {
		return false, r.snapshot
	}
	if owner.Name == r.self.Name {
		return true, ""
	}
	if req.Status.ReplicaReadable() {
		replicas, err := r.ring.ReplicationNodes(owner)
		if err == nil {
			for _, n := range replicas {
				if n.Name == r.self.Name {
					return true, ""
				}
			}
		}
	}
	return false, r.snapshot
}

func (r *Router) get(key string) *model.KVMessage {
	if key == "" || len(key) > model.MaxKeyLength {
		return &model.KVMessage{Status: model.StatusGetError, Key: key, Value: "invalid key"}
	}
	cache := r.currentCache()
	if v, ok := cache.Get(key); ok {
		r.metrics.RecordCacheLookup(true)
		return &model.KVMessage{Status: model.StatusGetSuccess, Key: key, Value: v}
	}
	r.metrics.RecordCacheLookup(false)

	v, err := r.engine.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return &model.KVMessage{Status: model.StatusGetError, Key: key,
			Value: fmt.Sprintf("key %q not found on %s", key, r.self.Name)}
	}
	if err != nil {
		r.logger.Error("Failed to read key", zap.String("key", key), zap.Error(err))
		return &model.KVMessage{Status: model.StatusGetError, Key: key, Value: err.Error()}
	}
	cache.Put(key, v)
	return &model.KVMessage{Status: model.StatusGetSuccess, Key: key, Value: v}
}

func (r *Router) put(req *model.KVMessage) *model.KVMessage {
	if r.WriteLocked() {
		return &model.KVMessage{Status: model.StatusServerWriteLock, Key: req.Key}
	}
	if req.Key == "" || req.Value == "" ||
		len(req.Key) > model.MaxKeyLength || len(req.Value) > model.MaxValueLength {
		r.logger.Debug("Rejected malformed write",
			zap.Int("key_length", len(req.Key)),
			zap.Int("value_length", len(req.Value)))
		return &model.KVMessage{Status: model.StatusPutError, Key: req.Key, Value: req.Value}
	}

	km := r.keyLock(req.Key)
	km.Lock()
	defer km.Unlock()

	r.writeMu.RLock()
	status, err := r.apply(req)
	r.writeMu.RUnlock()
	if err != nil {
		r.logger.Warn("Write failed", zap.String("key", req.Key), zap.Error(err))
		return &model.KVMessage{Status: status, Key: req.Key, Value: req.Value}
	}

	// only the coordinator forwards; replicas never start another chain
	if req.Status == model.StatusPut {
		if err := r.replicator.Forward(*req); err != nil {
			r.logger.Warn("Failed to schedule replication", zap.String("key", req.Key), zap.Error(err))
		}
	}
	return &model.KVMessage{Status: status, Key: req.Key, Value: req.Value}
}

func (r *Router) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.keyMu[h.Sum32()%uint32(len(r.keyMu))]
}

// apply writes req locally and returns the response status
func (r *Router) apply(req *model.KVMessage) (model.StatusType, error) {
	cache := r.currentCache()
	if req.IsDelete() {
		cache.Remove(req.Key)
		if err := r.engine.Delete(req.Key); err != nil {
			return model.StatusDeleteError, err
		}
		return model.StatusDeleteSuccess, nil
	}

	exists := cache.Contains(req.Key)
	if !exists {
		var err error
		if exists, err = r.engine.Has(req.Key); err != nil {
			return model.StatusPutError, err
		}
	}
	if err := r.engine.Put(req.Key, req.Value); err != nil {
		cache.Remove(req.Key)
		return model.StatusPutError, err
	}
	cache.Put(req.Key, req.Value)
	if exists {
		return model.StatusPutUpdate, nil
	}
	return model.StatusPutSuccess, nil
}

// exportRange returns every stored record whose key hash lies in rng
func (r *Router) exportRange(rng ring.HashRange) ([]Record, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.engine.Select(rng.ContainsKey)
}

// dropRange deletes every stored record whose key hash lies in rng
func (r *Router) dropRange(rng ring.HashRange) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	n, err := r.engine.DeleteMatching(rng.ContainsKey)
	r.currentCache().Clear()
	return n, err
}

// importRecords stores records received from another node
func (r *Router) importRecords(records []Record) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	cache := r.currentCache()
	for _, rec := range records {
		if err := r.engine.Put(rec.Key, rec.Value); err != nil {
			return err
		}
		cache.Remove(rec.Key)
	}
	return nil
}

// clear wipes storage and cache
func (r *Router) clear() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.currentCache().Clear()
	return r.engine.Clear()
}
