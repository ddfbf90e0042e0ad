package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/store"
)

// DefaultAwaitTimeout bounds the INIT handshake of freshly launched nodes
const DefaultAwaitTimeout = 30 * time.Second

// DefaultReplicationFactor is used when ECSConfig leaves it unset
const DefaultReplicationFactor = 2

// ECSConfig holds the orchestration settings. Removal plans source ranges
// from replicas, so ReplicationFactor is at least 1.
type ECSConfig struct {
	ReplicationFactor int
	AwaitTimeout      time.Duration
}

// ECSService is the external configuration service: it owns the fleet
// table and the canonical ring, and drives every topology change.
//
// Administrative operations are serialized by opMu. The ring has its own
// lock so that read-only queries are served while a long transfer runs.
type ECSService struct {
	cfg         ECSConfig
	coord       coordination.Service
	registry    *Registry
	planner     *Planner
	multicaster *Multicaster
	issuer      *TransferIssuer
	detector    *FailureDetector
	launcher    Launcher
	restore     store.RestoreStore
	metrics     *metrics.CoordinatorMetrics
	logger      *zap.Logger

	opMu   sync.Mutex
	ringMu sync.RWMutex
	ring   *ring.HashRing
}

// NewECSService creates a new ECS service and registers itself as the
// failure detector's handler
func NewECSService(
	cfg ECSConfig,
	coord coordination.Service,
	multicaster *Multicaster,
	issuer *TransferIssuer,
	detector *FailureDetector,
	launcher Launcher,
	restore store.RestoreStore,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *ECSService {
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultAwaitTimeout
	}
	if cfg.ReplicationFactor < 1 {
		logger.Warn("Replication factor below 1, using default",
			zap.Int("configured", cfg.ReplicationFactor),
			zap.Int("replication_factor", DefaultReplicationFactor))
		cfg.ReplicationFactor = DefaultReplicationFactor
	}
	s := &ECSService{
		cfg:         cfg,
		coord:       coord,
		registry:    NewRegistry(),
		planner:     NewPlanner(logger),
		multicaster: multicaster,
		issuer:      issuer,
		detector:    detector,
		launcher:    launcher,
		restore:     restore,
		metrics:     m,
		logger:      logger,
		ring:        ring.NewHashRing(cfg.ReplicationFactor),
	}
	detector.SetHandler(func(name string) {
		s.HandleNodeFailure(context.Background(), name)
	})
	return s
}

// Initialize creates the coordination roots and publishes the empty ring
func (s *ECSService) Initialize(ctx context.Context) error {
	for _, p := range []string{coordination.ServerRoot, coordination.ActiveRoot} {
		if err := coordination.EnsurePath(ctx, s.coord, p); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return s.publish(ctx)
}

// Close stops failure detection
func (s *ECSService) Close() {
	s.detector.Stop()
}

// LoadFleet registers pool members, skipping names already known
func (s *ECSService) LoadFleet(nodes []ring.Node) *model.OperationResult {
	result := model.NewOperationResult()
	for _, n := range nodes {
		if err := s.CreateNode(n.Name, n.Host, n.Port); err != nil {
			s.logger.Warn("Skipping fleet entry", zap.String("node", n.Name), zap.Error(err))
			result.Fail(n.Name, err)
		}
	}
	s.logger.Info("Fleet loaded", zap.Int("nodes", len(nodes)))
	s.updateFleetMetrics()
	return result
}

// CreateNode adds an idle node to the pool
func (s *ECSService) CreateNode(name, host string, port int) error {
	if name == "" || host == "" {
		return clustererrors.InvalidArgument("node name and host are required", nil)
	}
	if port <= 0 || port > 65535 {
		return clustererrors.InvalidArgument(fmt.Sprintf("invalid port %d", port), nil)
	}
	if err := s.registry.Add(ring.Node{Name: name, Host: host, Port: port}); err != nil {
		return err
	}
	s.logger.Info("Node added to pool",
		zap.String("node", name),
		zap.String("host", host),
		zap.Int("port", port))
	return nil
}

// Nodes returns every fleet member
func (s *ECSService) Nodes() []model.NodeInfo {
	all := s.registry.All()
	out := make([]model.NodeInfo, len(all))
	for i := range all {
		out[i] = s.info(&all[i])
	}
	return out
}

// Node returns one fleet member
func (s *ECSService) Node(name string) (model.NodeInfo, error) {
	n, ok := s.registry.Get(name)
	if !ok {
		return model.NodeInfo{}, clustererrors.NodeNotFound(name)
	}
	return s.info(&n), nil
}

// GetNodeByKey returns the coordinator of key on the current ring
func (s *ECSService) GetNodeByKey(key string) (model.NodeInfo, error) {
	s.ringMu.RLock()
	owner, err := s.ring.NodeForKey(key)
	s.ringMu.RUnlock()
	if err != nil {
		if errors.Is(err, ring.ErrEmptyRing) {
			return model.NodeInfo{}, clustererrors.Unavailable("no active nodes", err)
		}
		return model.NodeInfo{}, err
	}
	return s.Node(owner.Name)
}

// RingSnapshot returns the ring members in hash order
func (s *ECSService) RingSnapshot() []ring.Node {
	s.ringMu.RLock()
	defer s.ringMu.RUnlock()
	return s.ring.Nodes()
}

func (s *ECSService) info(n *model.StorageNode) model.NodeInfo {
	s.ringMu.RLock()
	defer s.ringMu.RUnlock()
	if s.ring.Contains(n.Node) {
		if rng, err := s.ring.ResponsibleRange(n.Node); err == nil {
			return n.Info(&rng)
		}
	}
	return n.Info(nil)
}

// SetupNodes reserves count idle nodes, writes their metadata and purges
// stale inbox entries. The nodes become INACTIVE.
func (s *ECSService) SetupNodes(ctx context.Context, count int, strategy model.CacheStrategy, size int) ([]model.StorageNode, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.setupNodes(ctx, count, strategy, size)
}

func (s *ECSService) setupNodes(ctx context.Context, count int, strategy model.CacheStrategy, size int) ([]model.StorageNode, error) {
	if count <= 0 {
		return nil, clustererrors.InvalidArgument("count must be positive", nil)
	}
	idle := s.registry.Idle(count)
	if len(idle) < count {
		return nil, clustererrors.InvalidArgument(
			fmt.Sprintf("requested %d nodes, only %d idle", count, len(idle)), nil)
	}
	return s.prepare(ctx, idle, strategy, size)
}

func (s *ECSService) prepare(ctx context.Context, nodes []model.StorageNode, strategy model.CacheStrategy, size int) ([]model.StorageNode, error) {
	if !strategy.Valid() {
		return nil, clustererrors.InvalidArgument(fmt.Sprintf("unknown cache strategy %q", strategy), nil)
	}
	if size < 0 {
		return nil, clustererrors.InvalidArgument("cache size must not be negative", nil)
	}
	data, err := model.NewServerMetadata(strategy, size).Encode()
	if err != nil {
		return nil, err
	}
	for _, p := range []string{coordination.ServerRoot, coordination.ActiveRoot} {
		if err := coordination.EnsurePath(ctx, s.coord, p); err != nil {
			return nil, clustererrors.Unavailable("coordination service unavailable", err)
		}
	}

	prepared := make([]model.StorageNode, 0, len(nodes))
	for _, n := range nodes {
		p := coordination.ServerPath(n.Name)
		if err := coordination.Upsert(ctx, s.coord, p, data); err != nil {
			return nil, clustererrors.Unavailable(fmt.Sprintf("failed to write metadata of %s", n.Name), err)
		}
		if err := coordination.DeleteChildren(ctx, s.coord, p); err != nil {
			return nil, clustererrors.Unavailable(fmt.Sprintf("failed to purge inbox of %s", n.Name), err)
		}
		_ = s.registry.SetCache(n.Name, strategy, size)
		_ = s.registry.SetStatus(n.Name, model.NodeStatusInactive)
		n.CacheStrategy = strategy
		n.CacheSize = size
		n.Status = model.NodeStatusInactive
		prepared = append(prepared, n)
	}
	return prepared, nil
}

// AddNodes sets up count idle nodes, launches them and waits for their
// handshake. The nodes join the ring on the next Start.
func (s *ECSService) AddNodes(ctx context.Context, count int, strategy model.CacheStrategy, size int) (*model.OperationResult, []model.NodeInfo) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	result := model.NewOperationResult()
	defer s.finish("add_nodes", start, result)

	nodes, err := s.setupNodes(ctx, count, strategy, size)
	if err != nil {
		result.Fail("setup", err)
		return result, nil
	}
	ready := s.launchAndAwait(ctx, nodes, result)

	infos := make([]model.NodeInfo, 0, len(ready))
	for _, n := range ready {
		if rec, ok := s.registry.Get(n.Name); ok {
			infos = append(infos, s.info(&rec))
		}
	}
	return result, infos
}

// AddNode adds a single node
func (s *ECSService) AddNode(ctx context.Context, strategy model.CacheStrategy, size int) (*model.OperationResult, *model.NodeInfo) {
	result, infos := s.AddNodes(ctx, 1, strategy, size)
	if len(infos) == 0 {
		return result, nil
	}
	return result, &infos[0]
}

func (s *ECSService) launchAndAwait(ctx context.Context, nodes []model.StorageNode, result *model.OperationResult) []ring.Node {
	launched := make([]ring.Node, 0, len(nodes))
	for _, n := range nodes {
		if err := s.launcher.Launch(ctx, n); err != nil {
			s.logger.Error("Failed to launch node", zap.String("node", n.Name), zap.Error(err))
			result.Fail(n.Name, err)
			_ = s.registry.SetStatus(n.Name, model.NodeStatusOffline)
			continue
		}
		launched = append(launched, n.Node)
	}
	return s.awaitNodes(ctx, launched, s.cfg.AwaitTimeout, result)
}

// AwaitNodes completes the handshake of every INACTIVE node. The result is
// unsuccessful when fewer than count nodes came up.
func (s *ECSService) AwaitNodes(ctx context.Context, count int, timeout time.Duration) *model.OperationResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	result := model.NewOperationResult()
	defer s.finish("await_nodes", start, result)

	if timeout <= 0 {
		timeout = s.cfg.AwaitTimeout
	}
	waiting := Identities(s.registry.ByStatus(model.NodeStatusInactive))
	ready := s.awaitNodes(ctx, waiting, timeout, result)
	if len(ready) < count {
		result.Fail("await", fmt.Errorf("%d of %d nodes completed the handshake", len(ready), count))
	}
	return result
}

// awaitNodes multicasts INIT; acknowledged nodes become STOP and are watched
// by the failure detector, the rest return to the pool
func (s *ECSService) awaitNodes(ctx context.Context, nodes []ring.Node, timeout time.Duration, result *model.OperationResult) []ring.Node {
	if len(nodes) == 0 {
		return nil
	}
	_, failures := s.multicaster.SendTimeout(ctx, nodes, model.NewAdminMessage(model.OpInit), timeout)

	ready := make([]ring.Node, 0, len(nodes))
	for _, n := range nodes {
		if err, failed := failures.Errors[n.Name]; failed {
			result.Fail(n.Name, err)
			_ = s.registry.SetStatus(n.Name, model.NodeStatusOffline)
			continue
		}
		_ = s.registry.SetStatus(n.Name, model.NodeStatusStopped)
		s.detector.Watch(n.Name)
		ready = append(ready, n)
	}
	return ready
}

// Start brings every STOP node onto the ring and starts serving. Nodes on
// the restore list rejoin without transfers; the others are cleared and
// populated through transfer plans.
func (s *ECSService) Start(ctx context.Context) *model.OperationResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	result := model.NewOperationResult()
	defer s.finish("start", start, result)

	entries, err := s.restore.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load restore list", zap.Error(err))
		result.Fail("restore", err)
	}
	restoring := make(map[string]bool, len(entries))
	for _, e := range entries {
		restoring[e.Name] = true
	}
	s.relaunchRestored(ctx, entries, result)

	var restored, fresh []ring.Node
	for _, n := range s.registry.ByStatus(model.NodeStatusStopped) {
		if restoring[n.Name] {
			restored = append(restored, n.Node)
		} else {
			fresh = append(fresh, n.Node)
		}
	}

	var joined []ring.Node
	for _, n := range restored {
		if err := s.mutateRing(func(r *ring.HashRing) error { return r.AddNode(n) }); err != nil {
			result.Fail(n.Name, err)
			continue
		}
		s.logger.Info("Restored node onto the ring", zap.String("node", n.Name))
		joined = append(joined, n)
	}

	if len(fresh) > 0 {
		_, failures := s.multicaster.Send(ctx, fresh, model.NewAdminMessage(model.OpClear))
		for _, n := range fresh {
			if err, failed := failures.Errors[n.Name]; failed {
				result.Fail(n.Name, err)
				continue
			}
			if err := s.joinRing(ctx, n, result); err != nil {
				result.Fail(n.Name, err)
				continue
			}
			joined = append(joined, n)
		}
	}

	if len(joined) > 0 {
		_, failures := s.multicaster.Send(ctx, joined, model.NewAdminMessage(model.OpStart))
		for _, n := range joined {
			if err, failed := failures.Errors[n.Name]; failed {
				result.Fail(n.Name, err)
				if err := s.mutateRing(func(r *ring.HashRing) error { return r.RemoveNode(n) }); err != nil {
					s.logger.Error("Failed to take unstarted node off the ring",
						zap.String("node", n.Name), zap.Error(err))
				}
				continue
			}
			_ = s.registry.SetStatus(n.Name, model.NodeStatusActive)
		}
	}

	if err := s.restore.Clear(ctx); err != nil {
		result.Fail("restore", err)
	}
	if err := s.publish(ctx); err != nil {
		result.Fail("metadata", err)
	}
	return result
}

// relaunchRestored brings restore-list members that are back in the pool up
// to STOP with the cache settings they had
func (s *ECSService) relaunchRestored(ctx context.Context, entries []model.RestoreEntry, result *model.OperationResult) {
	for _, e := range entries {
		n, ok := s.registry.Get(e.Name)
		if !ok {
			s.logger.Warn("Restore entry for unknown node", zap.String("node", e.Name))
			continue
		}
		if n.Status != model.NodeStatusOffline {
			continue
		}
		s.logger.Info("Relaunching restored node", zap.String("node", e.Name))
		prepared, err := s.prepare(ctx, []model.StorageNode{n}, e.CacheStrategy, e.CacheSize)
		if err != nil {
			result.Fail(e.Name, err)
			continue
		}
		s.launchAndAwait(ctx, prepared, result)
	}
}

// Stop stops every ACTIVE node; acknowledged nodes leave the ring without
// transfers and are remembered for the next Start
func (s *ECSService) Stop(ctx context.Context) *model.OperationResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	result := model.NewOperationResult()
	defer s.finish("stop", start, result)

	active := s.registry.ByStatus(model.NodeStatusActive)
	if len(active) == 0 {
		return result
	}
	_, failures := s.multicaster.Send(ctx, Identities(active), model.NewAdminMessage(model.OpStop))

	var saved []model.RestoreEntry
	for _, n := range active {
		if err, failed := failures.Errors[n.Name]; failed {
			result.Fail(n.Name, err)
			continue
		}
		node := n.Node
		if err := s.mutateRing(func(r *ring.HashRing) error { return r.RemoveNode(node) }); err != nil {
			result.Fail(n.Name, err)
		}
		_ = s.registry.SetStatus(n.Name, model.NodeStatusStopped)
		saved = append(saved, restoreEntry(n))
	}

	if err := s.restore.Append(ctx, saved...); err != nil {
		result.Fail("restore", err)
	}
	if err := s.publish(ctx); err != nil {
		result.Fail("metadata", err)
	}
	return result
}

// Shutdown terminates every launched node and returns it to the pool. ACTIVE
// nodes are remembered for the next Start.
func (s *ECSService) Shutdown(ctx context.Context) *model.OperationResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	result := model.NewOperationResult()
	defer s.finish("shutdown", start, result)

	var saved []model.RestoreEntry
	for _, n := range s.registry.ByStatus(model.NodeStatusActive) {
		saved = append(saved, restoreEntry(n))
	}
	if err := s.restore.Append(ctx, saved...); err != nil {
		result.Fail("restore", err)
	}

	s.ringMu.Lock()
	s.ring.RemoveAll()
	s.ringMu.Unlock()

	var launched []ring.Node
	for _, n := range s.registry.All() {
		if n.Status == model.NodeStatusOffline {
			continue
		}
		s.detector.Unwatch(n.Name)
		_ = s.registry.SetStatus(n.Name, model.NodeStatusOffline)
		launched = append(launched, n.Node)
	}

	if err := s.publish(ctx); err != nil {
		result.Fail("metadata", err)
	}
	_, failures := s.multicaster.Send(ctx, launched, model.NewAdminMessage(model.OpShutDown))
	for name, err := range failures.Errors {
		result.Fail(name, err)
	}
	return result
}

// RemoveNodes takes the named nodes out of service. ACTIVE nodes leave the
// ring through removal transfers first.
func (s *ECSService) RemoveNodes(ctx context.Context, names []string) *model.OperationResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	result := model.NewOperationResult()
	defer s.finish("remove_nodes", start, result)

	var targets []model.StorageNode
	for _, name := range names {
		n, ok := s.registry.Get(name)
		if !ok {
			result.Fail(name, clustererrors.NodeNotFound(name))
			continue
		}
		if n.Status == model.NodeStatusOffline {
			result.Fail(name, clustererrors.InvalidArgument(fmt.Sprintf("node %s is not launched", name), nil))
			continue
		}
		targets = append(targets, n)
	}

	for _, n := range targets {
		if n.Status == model.NodeStatusActive {
			if err := s.leaveRing(ctx, n.Node, result); err != nil {
				result.Fail(n.Name, err)
			}
		}
	}

	for _, n := range targets {
		s.detector.Unwatch(n.Name)
		_ = s.registry.SetStatus(n.Name, model.NodeStatusOffline)
	}
	_, failures := s.multicaster.Send(ctx, Identities(targets), model.NewAdminMessage(model.OpShutDown))
	for name, err := range failures.Errors {
		result.Fail(name, err)
	}

	if err := s.publish(ctx); err != nil {
		result.Fail("metadata", err)
	}
	return result
}

// HandleNodeFailure reacts to a vanished liveness marker. An ACTIVE node is
// removed through the same transfers as RemoveNodes; any other launched node
// simply returns to the pool.
func (s *ECSService) HandleNodeFailure(ctx context.Context, name string) *model.OperationResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	result := model.NewOperationResult()
	defer s.finish("handle_failure", start, result)

	n, ok := s.registry.Get(name)
	if !ok {
		result.Fail(name, clustererrors.NodeNotFound(name))
		return result
	}

	switch n.Status {
	case model.NodeStatusOffline:
		// planned shutdown raced with the detector
		return result
	case model.NodeStatusActive:
		s.logger.Warn("Unplanned failure of active node, rebalancing", zap.String("node", name))
		if err := s.leaveRing(ctx, n.Node, result); err != nil {
			result.Fail(name, err)
		}
	default:
		s.logger.Warn("Node disappeared before serving traffic",
			zap.String("node", name),
			zap.String("status", string(n.Status)))
	}

	_ = s.registry.SetStatus(name, model.NodeStatusOffline)
	if err := coordination.DeleteChildren(ctx, s.coord, coordination.ServerPath(name)); err != nil {
		s.logger.Warn("Failed to purge inbox of failed node", zap.String("node", name), zap.Error(err))
	}
	if err := s.publish(ctx); err != nil {
		result.Fail("metadata", err)
	}
	return result
}

// joinRing inserts n, publishes the new ring, then runs the plans
func (s *ECSService) joinRing(ctx context.Context, n ring.Node, result *model.OperationResult) error {
	var plans []model.TransferPlan
	err := s.mutateRing(func(r *ring.HashRing) error {
		var err error
		plans, err = s.planner.PlanAdd(r, n)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.publish(ctx); err != nil {
		return err
	}
	s.executePlans(ctx, plans, result)
	return nil
}

// leaveRing removes n, publishes the new ring, then runs the plans
func (s *ECSService) leaveRing(ctx context.Context, n ring.Node, result *model.OperationResult) error {
	var plans []model.TransferPlan
	err := s.mutateRing(func(r *ring.HashRing) error {
		var err error
		plans, err = s.planner.PlanRemove(r, n)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.publish(ctx); err != nil {
		return err
	}
	s.executePlans(ctx, plans, result)
	return nil
}

// executePlans runs plans in order. A failed plan is reported and the
// remaining plans still run; nothing is rolled back.
func (s *ECSService) executePlans(ctx context.Context, plans []model.TransferPlan, result *model.OperationResult) {
	for _, plan := range plans {
		res := s.issuer.Execute(ctx, plan)
		if !res.Succeeded() {
			result.Fail("transfer "+plan.String(), res.Err)
		}
	}
}

func (s *ECSService) mutateRing(fn func(r *ring.HashRing) error) error {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	return fn(s.ring)
}

// publish writes the ring snapshot nodes and clients route by
func (s *ECSService) publish(ctx context.Context) error {
	s.ringMu.RLock()
	data, err := s.ring.MarshalSnapshot()
	size := s.ring.Size()
	s.ringMu.RUnlock()
	if err != nil {
		return err
	}
	if err := coordination.Upsert(ctx, s.coord, coordination.MetadataPath, data); err != nil {
		return clustererrors.Unavailable("failed to publish ring", err)
	}
	s.logger.Debug("Published ring", zap.Int("size", size))
	return nil
}

func (s *ECSService) finish(op string, start time.Time, result *model.OperationResult) {
	duration := time.Since(start)
	s.metrics.RecordOperation(op, result.Success, duration.Seconds())
	s.updateFleetMetrics()
	if result.Success {
		s.logger.Info("Operation completed",
			zap.String("operation", op),
			zap.Duration("duration", duration))
		return
	}
	s.logger.Warn("Operation completed with failures",
		zap.String("operation", op),
		zap.Duration("duration", duration),
		zap.Any("errors", result.Errors))
}

func (s *ECSService) updateFleetMetrics() {
	active, pool := s.registry.Counts()
	s.metrics.UpdateFleet(active, pool)
}

func restoreEntry(n model.StorageNode) model.RestoreEntry {
	return model.RestoreEntry{
		Name:          n.Name,
		CacheStrategy: n.CacheStrategy,
		CacheSize:     n.CacheSize,
	}
}
