package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

const (
	retryInterval   = time.Second
	metadataRetries = 5
)

// Config identifies the node and tunes its behaviour
type Config struct {
	Name              string
	Host              string
	Port              int
	ReplicationFactor int
	Transfer          TransferConfig
}

// Self is the ring identity of the node
func (c Config) Self() ring.Node {
	return ring.Node{Name: c.Name, Host: c.Host, Port: c.Port}
}

// Server is the admin side of a storage node: it follows the coordinator's
// inbox and ring snapshot and drives the router accordingly
type Server struct {
	cfg       Config
	self      ring.Node
	coord     coordination.Service
	router    *Router
	forwarder *Forwarder
	transfers *transferAgent
	metrics   *metrics.NodeMetrics
	logger    *zap.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer wires a node around engine. Replication goes through forwarder.
func NewServer(cfg Config, coord coordination.Service, engine Engine, forwarder *Forwarder, m *metrics.NodeMetrics, logger *zap.Logger) *Server {
	self := cfg.Self()
	logger = logger.With(zap.String("node", cfg.Name))
	s := &Server{
		cfg:       cfg,
		self:      self,
		coord:     coord,
		forwarder: forwarder,
		metrics:   m,
		logger:    logger,
		done:      make(chan struct{}),
	}
	s.router = NewRouter(self, engine, forwarder, m, logger)
	s.transfers = newTransferAgent(cfg.Transfer, cfg.Host, s.router, s.setProgress, m, logger)
	return s
}

// Router serves client requests
func (s *Server) Router() *Router { return s.router }

// Self is the node's identity
func (s *Server) Self() ring.Node { return s.self }

// Done is closed once the coordinator asks the node to shut down
func (s *Server) Done() <-chan struct{} { return s.done }

// Start loads the node's metadata, acknowledges a pending INIT, announces
// liveness and begins following the ring and the inbox
func (s *Server) Start(ctx context.Context) error {
	meta, err := s.readMetadata(ctx, s.cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to read metadata of %s: %w", s.cfg.Name, err)
	}
	cache, err := NewCache(meta.CacheStrategy, meta.CacheSize)
	if err != nil {
		return err
	}
	s.router.SetCache(cache)
	s.logger.Info("Cache configured",
		zap.String("strategy", string(meta.CacheStrategy)),
		zap.Int("size", meta.CacheSize))

	if err := s.ackInit(ctx); err != nil {
		return err
	}
	if err := s.announce(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.followRing(runCtx)
	go s.followInbox(runCtx)

	s.logger.Info("Storage node started", zap.String("address", s.self.Address()))
	return nil
}

// Close stops following the coordinator. The liveness marker goes away with
// the coordination session.
func (s *Server) Close() {
	s.router.SetServing(false)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// ackInit deletes INIT messages posted before the node came up
func (s *Server) ackInit(ctx context.Context) error {
	inbox := coordination.ServerPath(s.cfg.Name)
	children, err := s.coord.Children(ctx, inbox)
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	for _, c := range coordination.SortInbox(children) {
		p := path.Join(inbox, c)
		data, _, err := s.coord.Get(ctx, p)
		if err != nil {
			continue
		}
		msg, err := model.DecodeAdminMessage(data)
		if err != nil || msg.OperationType != model.OpInit {
			continue
		}
		if err := s.coord.Delete(ctx, p, coordination.AnyVersion); err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return fmt.Errorf("failed to acknowledge INIT: %w", err)
		}
		s.logger.Info("Initialized at startup")
	}
	return nil
}

func (s *Server) announce(ctx context.Context) error {
	if err := coordination.EnsurePath(ctx, s.coord, coordination.ActiveRoot); err != nil {
		return fmt.Errorf("failed to create %s: %w", coordination.ActiveRoot, err)
	}
	marker := coordination.ActivePath(s.cfg.Name)
	err := s.coord.Create(ctx, marker, nil, coordination.Ephemeral)
	if errors.Is(err, coordination.ErrNodeExists) {
		// left over from a previous session that has not expired yet
		s.logger.Warn("Replacing stale liveness marker")
		if err := s.coord.Delete(ctx, marker, coordination.AnyVersion); err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return err
		}
		err = s.coord.Create(ctx, marker, nil, coordination.Ephemeral)
	}
	if err != nil {
		return fmt.Errorf("failed to create liveness marker: %w", err)
	}
	return nil
}

// followRing keeps the router's ring in sync with the published snapshot
func (s *Server) followRing(ctx context.Context) {
	defer s.wg.Done()
	for {
		data, _, watch, err := s.coord.GetW(ctx, coordination.MetadataPath)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, coordination.ErrClosed) {
				return
			}
			if errors.Is(err, coordination.ErrNoNode) {
				_, watch, err = s.coord.ExistsW(ctx, coordination.MetadataPath)
			}
			if err != nil {
				s.logger.Warn("Failed to watch ring snapshot", zap.Error(err))
				if !sleepCtx(ctx, retryInterval) {
					return
				}
				continue
			}
		} else {
			s.applyRing(data)
		}

		select {
		case <-watch:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) applyRing(data []byte) {
	r, err := ring.ParseSnapshot(data, s.cfg.ReplicationFactor)
	if err != nil {
		s.logger.Error("Ignoring malformed ring snapshot", zap.Error(err))
		return
	}
	if len(data) == 0 {
		data = []byte("[]")
	}
	s.router.SetRing(r, data)
	s.forwarder.Update(r)
	s.metrics.RecordRingUpdate(r.Size())
	s.logger.Info("Ring updated", zap.Int("size", r.Size()))
}

func (s *Server) refreshRing(ctx context.Context) error {
	data, _, err := s.coord.Get(ctx, coordination.MetadataPath)
	if err != nil {
		return err
	}
	s.applyRing(data)
	return nil
}

// followInbox processes admin messages oldest first. A successful message is
// deleted; a failed one gets the error text written into it.
func (s *Server) followInbox(ctx context.Context) {
	defer s.wg.Done()
	inbox := coordination.ServerPath(s.cfg.Name)
	seen := make(map[string]bool)
	for {
		children, watch, err := s.coord.ChildrenW(ctx, inbox)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, coordination.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to watch inbox", zap.Error(err))
			if !sleepCtx(ctx, retryInterval) {
				return
			}
			continue
		}

		present := make(map[string]bool, len(children))
		for _, c := range coordination.SortInbox(children) {
			present[c] = true
			if seen[c] {
				continue
			}
			seen[c] = true
			s.process(ctx, path.Join(inbox, c))
			if s.shuttingDown() {
				return
			}
		}
		for c := range seen {
			if !present[c] {
				delete(seen, c)
			}
		}

		select {
		case <-watch:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) process(ctx context.Context, p string) {
	data, _, err := s.coord.Get(ctx, p)
	if err != nil {
		// withdrawn by the coordinator
		return
	}
	msg, err := model.DecodeAdminMessage(data)
	if err != nil {
		s.logger.Warn("Discarding malformed admin message", zap.String("path", p), zap.Error(err))
		_, _ = s.coord.Set(ctx, p, []byte(err.Error()), coordination.AnyVersion)
		return
	}

	then, err := s.handleAdmin(ctx, msg)
	s.metrics.RecordAdminMessage(string(msg.OperationType), err == nil)
	if err != nil {
		s.logger.Error("Admin message failed",
			zap.String("operation", string(msg.OperationType)),
			zap.Error(err))
		if _, serr := s.coord.Set(ctx, p, []byte(err.Error()), coordination.AnyVersion); serr != nil {
			s.logger.Warn("Failed to report admin failure", zap.Error(serr))
		}
		return
	}
	if err := s.coord.Delete(ctx, p, coordination.AnyVersion); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		s.logger.Warn("Failed to acknowledge admin message", zap.Error(err))
	}
	s.logger.Debug("Admin message handled", zap.String("operation", msg.String()))
	if then != nil {
		then()
	}
}

// handleAdmin applies msg. The returned func runs after the message has been
// acknowledged.
func (s *Server) handleAdmin(ctx context.Context, msg *model.AdminMessage) (func(), error) {
	switch msg.OperationType {
	case model.OpInit:
		s.logger.Info("Initialized")
	case model.OpStart:
		s.router.SetServing(true)
		s.logger.Info("Serving requests")
	case model.OpStop:
		s.router.SetServing(false)
		s.logger.Info("Stopped serving requests")
	case model.OpShutDown:
		return s.signalShutdown, nil
	case model.OpLockWrite:
		s.router.SetWriteLock(true)
	case model.OpUnlockWrite:
		s.router.SetWriteLock(false)
	case model.OpUpdate:
		return nil, s.refreshRing(ctx)
	case model.OpClear:
		if err := s.router.clear(); err != nil {
			return nil, fmt.Errorf("failed to clear storage: %w", err)
		}
		s.logger.Info("Storage cleared")
	case model.OpReceive:
		return nil, s.prepareReceive(ctx)
	case model.OpSend:
		return s.prepareSend(ctx, msg)
	case model.OpDelete:
		if msg.HashRange == nil {
			return nil, errors.New("DELETE without hash range")
		}
		n, err := s.router.dropRange(*msg.HashRange)
		if err != nil {
			return nil, fmt.Errorf("failed to delete %s: %w", msg.HashRange, err)
		}
		s.logger.Info("Deleted range", zap.String("range", msg.HashRange.String()), zap.Int("records", n))
	default:
		return nil, fmt.Errorf("unknown operation %q", msg.OperationType)
	}
	return nil, nil
}

func (s *Server) prepareReceive(ctx context.Context) error {
	port, err := s.transfers.listen(ctx)
	if err != nil {
		return err
	}
	if err := s.updateMetadata(ctx, func(m *model.ServerMetadata) {
		m.ReceivePort = port
		m.TransferProgress = 0
	}); err != nil {
		return fmt.Errorf("failed to publish receive port: %w", err)
	}
	s.logger.Info("Waiting for transfer", zap.Int("port", port))
	return nil
}

// prepareSend resolves the receiver and marks the transfer as started; the
// stream itself runs once SEND is acknowledged
func (s *Server) prepareSend(ctx context.Context, msg *model.AdminMessage) (func(), error) {
	if msg.HashRange == nil || msg.ReceiverName == "" || msg.ReceiverHost == "" {
		return nil, errors.New("SEND requires receiver and hash range")
	}
	port := msg.ReceiverPort
	if port == 0 {
		meta, err := s.readMetadata(ctx, msg.ReceiverName)
		if err != nil {
			return nil, fmt.Errorf("failed to read receiver metadata: %w", err)
		}
		port = meta.ReceivePort
	}
	if port == 0 {
		return nil, fmt.Errorf("receiver %s has no open transfer port", msg.ReceiverName)
	}
	if err := s.setProgress(ctx, 0); err != nil {
		return nil, err
	}

	rng := *msg.HashRange
	addr := net.JoinHostPort(msg.ReceiverHost, strconv.Itoa(port))
	return func() {
		if err := s.transfers.send(ctx, rng, addr); err != nil {
			s.logger.Error("Transfer failed", zap.String("receiver", msg.ReceiverName), zap.Error(err))
		}
	}, nil
}

func (s *Server) signalShutdown() {
	s.router.SetServing(false)
	s.doneOnce.Do(func() { close(s.done) })
	s.logger.Info("Shutdown requested")
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) readMetadata(ctx context.Context, name string) (*model.ServerMetadata, error) {
	data, _, err := s.coord.Get(ctx, coordination.ServerPath(name))
	if err != nil {
		return nil, err
	}
	return model.DecodeServerMetadata(data)
}

func (s *Server) setProgress(ctx context.Context, progress int) error {
	return s.updateMetadata(ctx, func(m *model.ServerMetadata) {
		m.TransferProgress = progress
	})
}

// updateMetadata applies fn to the node's metadata with a conditional write,
// retrying when the coordinator raced it
func (s *Server) updateMetadata(ctx context.Context, fn func(*model.ServerMetadata)) error {
	p := coordination.ServerPath(s.cfg.Name)
	for i := 0; i < metadataRetries; i++ {
		data, version, err := s.coord.Get(ctx, p)
		if err != nil {
			return err
		}
		meta, err := model.DecodeServerMetadata(data)
		if err != nil {
			return err
		}
		fn(meta)
		encoded, err := meta.Encode()
		if err != nil {
			return err
		}
		_, err = s.coord.Set(ctx, p, encoded, version)
		if errors.Is(err, coordination.ErrBadVersion) {
			continue
		}
		return err
	}
	return fmt.Errorf("metadata of %s kept changing: %w", s.cfg.Name, coordination.ErrBadVersion)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
