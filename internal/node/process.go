package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/rpc"
	"github.com/devrev/ringkv/internal/util/workerpool"
)

// Engine kinds accepted by ProcessConfig
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
)

// ProcessConfig assembles a complete storage node
type ProcessConfig struct {
	Server Config
	// Engine is EngineMemory or EngineBadger; badger data lives in DataDir/<name>
	Engine          string
	DataDir         string
	ForwardWorkers  int
	ForwardQueue    int
	ForwardTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Process is a running storage node: the admin server following the
// coordinator plus the RPC endpoint serving clients and peers
type Process struct {
	cfg    ProcessConfig
	server *Server
	rpc    *rpc.Server
	client *rpc.Client
	pool   *workerpool.WorkerPool
	engine Engine
	errs   chan error
	logger *zap.Logger
}

// StartProcess opens the engine, binds the KV port and starts the node
func StartProcess(ctx context.Context, cfg ProcessConfig, coord coordination.Service, m *metrics.NodeMetrics, logger *zap.Logger) (*Process, error) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	name := cfg.Server.Name

	var engine Engine
	switch cfg.Engine {
	case "", EngineMemory:
		engine = NewMemoryEngine()
	case EngineBadger:
		e, err := NewBadgerEngine(filepath.Join(cfg.DataDir, name), logger)
		if err != nil {
			return nil, err
		}
		engine = e
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}

	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)))
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	client := rpc.NewClient(cfg.ForwardTimeout, logger)
	pool := workerpool.NewWorkerPool(workerpool.Config{
		Name:       "forward-" + name,
		MaxWorkers: cfg.ForwardWorkers,
		QueueSize:  cfg.ForwardQueue,
		Logger:     logger,
	})
	forwarder := NewForwarder(cfg.Server.Self(), client, pool, cfg.ForwardTimeout, m, logger)
	server := NewServer(cfg.Server, coord, engine, forwarder, m, logger)

	p := &Process{
		cfg:    cfg,
		server: server,
		rpc:    rpc.NewServer(server.Router(), logger),
		client: client,
		pool:   pool,
		engine: engine,
		errs:   make(chan error, 1),
		logger: logger.With(zap.String("node", name)),
	}
	go func() {
		if err := p.rpc.Serve(lis); err != nil {
			p.errs <- err
		}
	}()

	if err := server.Start(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Server returns the admin side of the node
func (p *Process) Server() *Server { return p.server }

// Done is closed once the coordinator shut the node down
func (p *Process) Done() <-chan struct{} { return p.server.Done() }

// Errors reports a failure of the RPC endpoint
func (p *Process) Errors() <-chan error { return p.errs }

// Close stops serving, drains pending replica forwards and closes the engine
func (p *Process) Close() {
	p.server.Close()
	p.rpc.Stop(p.cfg.ShutdownTimeout)
	if err := p.pool.Stop(p.cfg.ShutdownTimeout); err != nil {
		p.logger.Warn("Forward queue not drained", zap.Error(err))
	}
	if err := p.client.Close(); err != nil {
		p.logger.Warn("Failed to close peer connections", zap.Error(err))
	}
	if err := p.engine.Close(); err != nil {
		p.logger.Error("Failed to close storage engine", zap.Error(err))
	}
	p.logger.Info("Storage node process stopped")
}
