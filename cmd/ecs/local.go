package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/config"
	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/node"
)

// localNodes runs storage nodes inside the coordinator process. Each node
// gets its own coordination session so its liveness marker dies with it.
type localNodes struct {
	cfg         *config.Config
	nodeDefault *config.NodeConfig
	logger      *zap.Logger

	mu      sync.Mutex
	running map[string]*localNode
	metrics map[string]*metrics.NodeMetrics
	wg      sync.WaitGroup
}

type localNode struct {
	proc *node.Process
	zk   *coordination.ZooKeeper
	quit chan struct{}
}

func newLocalNodes(cfg *config.Config, logger *zap.Logger) (*localNodes, error) {
	defaults, err := config.LoadNodeConfig("")
	if err != nil {
		return nil, err
	}
	return &localNodes{
		cfg:         cfg,
		nodeDefault: defaults,
		logger:      logger,
		running:     make(map[string]*localNode),
		metrics:     make(map[string]*metrics.NodeMetrics),
	}, nil
}

// start is the service.StartFunc of the local launcher
func (l *localNodes) start(ctx context.Context, n model.StorageNode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.running[n.Name]; ok {
		return fmt.Errorf("%s is already running", n.Name)
	}

	zk, err := coordination.NewZooKeeper(coordination.ZooKeeperConfig{
		Servers:        l.cfg.ZooKeeper.Servers,
		SessionTimeout: l.cfg.ZooKeeper.SessionTimeout,
		ConnectTimeout: l.cfg.ZooKeeper.ConnectTimeout,
	}, l.logger)
	if err != nil {
		return err
	}

	engine := node.EngineMemory
	if l.cfg.Cluster.DataDir != "" {
		engine = node.EngineBadger
	}
	d := l.nodeDefault
	proc, err := node.StartProcess(ctx, node.ProcessConfig{
		Server: node.Config{
			Name:              n.Name,
			Host:              n.Host,
			Port:              n.Port,
			ReplicationFactor: l.cfg.Cluster.ReplicationFactor,
			Transfer: node.TransferConfig{
				ProgressInterval: d.Transfer.ProgressInterval,
				AcceptTimeout:    d.Transfer.AcceptTimeout,
				DialTimeout:      d.Transfer.DialTimeout,
			},
		},
		Engine:          engine,
		DataDir:         l.cfg.Cluster.DataDir,
		ForwardWorkers:  d.Forwarding.Workers,
		ForwardQueue:    d.Forwarding.QueueSize,
		ForwardTimeout:  d.Forwarding.Timeout,
		ShutdownTimeout: d.Server.ShutdownTimeout,
	}, zk, l.nodeMetrics(n.Name), l.logger)
	if err != nil {
		_ = zk.Close()
		return err
	}

	ln := &localNode{proc: proc, zk: zk, quit: make(chan struct{})}
	l.running[n.Name] = ln
	l.wg.Add(1)
	go l.reap(n.Name, ln)
	return nil
}

// reap releases a node once the coordinator shut it down
func (l *localNodes) reap(name string, ln *localNode) {
	defer l.wg.Done()
	select {
	case <-ln.proc.Done():
	case <-ln.quit:
		return
	case err := <-ln.proc.Errors():
		l.logger.Error("In-process node failed", zap.String("node", name), zap.Error(err))
	}
	l.stop(name, ln)
}

func (l *localNodes) stop(name string, ln *localNode) {
	l.mu.Lock()
	if l.running[name] != ln {
		l.mu.Unlock()
		return
	}
	delete(l.running, name)
	close(ln.quit)
	l.mu.Unlock()

	ln.proc.Close()
	if err := ln.zk.Close(); err != nil {
		l.logger.Warn("Failed to close node session", zap.String("node", name), zap.Error(err))
	}
}

// nodeMetrics returns the node's metrics, labelled by node name. A node
// relaunched after returning to the pool reuses its collectors.
func (l *localNodes) nodeMetrics(name string) *metrics.NodeMetrics {
	if m, ok := l.metrics[name]; ok {
		return m
	}
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"node": name}, prometheus.DefaultRegisterer)
	m := metrics.NewNodeMetrics(reg)
	l.metrics[name] = m
	return m
}

// closeAll stops every node still running
func (l *localNodes) closeAll() {
	l.mu.Lock()
	nodes := make(map[string]*localNode, len(l.running))
	for name, ln := range l.running {
		nodes[name] = ln
	}
	l.mu.Unlock()

	for name, ln := range nodes {
		l.stop(name, ln)
	}
	l.wg.Wait()
}
