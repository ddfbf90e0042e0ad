package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

// DefaultMulticastTimeout bounds how long Send waits for acknowledgments
const DefaultMulticastTimeout = 2 * time.Second

const maxInboxAttempts = 5

// Multicaster delivers one admin command to a set of nodes through their
// inboxes and waits until every node acknowledged or the timeout elapsed.
// A node acknowledges by deleting the entry and reports failure by writing
// the error text into it.
type Multicaster struct {
	coord   coordination.Service
	timeout time.Duration
	seq     atomic.Uint64
	metrics *metrics.CoordinatorMetrics
	logger  *zap.Logger
}

// NewMulticaster creates a new multicaster
func NewMulticaster(
	coord coordination.Service,
	timeout time.Duration,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *Multicaster {
	if timeout <= 0 {
		timeout = DefaultMulticastTimeout
	}
	mc := &Multicaster{
		coord:   coord,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
	mc.seq.Store(uint64(time.Now().UnixNano()))
	return mc
}

type ack struct {
	node string
	path string
	ev   coordination.Event
}

// Send multicasts msg with the default timeout
func (m *Multicaster) Send(ctx context.Context, nodes []ring.Node, msg *model.AdminMessage) (bool, *clustererrors.PartialFailure) {
	return m.SendTimeout(ctx, nodes, msg, m.timeout)
}

// SendTimeout multicasts msg and blocks until every target acknowledged,
// reported an error, or timeout elapsed. The result is true only if all
// targets acknowledged; failures are returned per node.
func (m *Multicaster) SendTimeout(
	ctx context.Context,
	nodes []ring.Node,
	msg *model.AdminMessage,
	timeout time.Duration,
) (bool, *clustererrors.PartialFailure) {
	failures := clustererrors.NewPartialFailure()
	if len(nodes) == 0 {
		return true, failures
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acks := make(chan ack, len(nodes))
	pending := make(map[string]string, len(nodes))

	for _, n := range nodes {
		p, watch, err := m.post(ctx, n.Name, msg)
		if err != nil {
			failures.Add(n.Name, err)
			continue
		}
		if watch == nil {
			// already consumed before the watch was armed
			continue
		}
		pending[n.Name] = p
		go forward(ctx, n.Name, p, watch, acks)
	}

	for len(pending) > 0 {
		select {
		case a := <-acks:
			if _, ok := pending[a.node]; !ok {
				continue
			}
			switch a.ev.Type {
			case coordination.EventDeleted:
				delete(pending, a.node)
			case coordination.EventDataChanged:
				failures.Add(a.node, m.readFailure(ctx, a.node, a.path, msg.OperationType))
				delete(pending, a.node)
			default:
				failures.Add(a.node, fmt.Errorf("watch on %s ended: %s", a.path, a.ev.Type))
				delete(pending, a.node)
			}
		case <-ctx.Done():
			for name, p := range pending {
				failures.Add(name, clustererrors.CoordinationTimeout(
					fmt.Sprintf("%s on %s", msg.OperationType, name), timeout))
				m.withdraw(p)
			}
			pending = nil
		}
	}

	ok := failures.Empty()
	m.metrics.RecordMulticast(string(msg.OperationType), ok, failures.Nodes())
	if !ok {
		m.logger.Warn("Multicast not acknowledged by every node",
			zap.String("operation", string(msg.OperationType)),
			zap.Int("targets", len(nodes)),
			zap.Strings("failed", failures.Nodes()))
	} else {
		m.logger.Debug("Multicast acknowledged",
			zap.String("operation", string(msg.OperationType)),
			zap.Int("targets", len(nodes)))
	}
	return ok, failures
}

// post writes msg into the inbox of name and arms a watch on the entry. A
// nil watch means the entry was already gone when the watch was armed.
func (m *Multicaster) post(ctx context.Context, name string, msg *model.AdminMessage) (string, <-chan coordination.Event, error) {
	envelope := *msg
	envelope.MessageID = uuid.New().String()
	data, err := envelope.Encode()
	if err != nil {
		return "", nil, err
	}

	var p string
	for attempt := 0; ; attempt++ {
		p = coordination.InboxPath(name, m.seq.Add(1))
		err = m.coord.Create(ctx, p, data, coordination.Persistent)
		if err == nil {
			break
		}
		if !errors.Is(err, coordination.ErrNodeExists) || attempt+1 >= maxInboxAttempts {
			return "", nil, fmt.Errorf("failed to write %s to inbox of %s: %w", msg.OperationType, name, err)
		}
	}

	exists, watch, err := m.coord.ExistsW(ctx, p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to watch inbox entry %s: %w", p, err)
	}
	if !exists {
		return p, nil, nil
	}
	return p, watch, nil
}

// forward hands one watch event to the collecting loop
func forward(ctx context.Context, node, p string, watch <-chan coordination.Event, out chan<- ack) {
	select {
	case ev, ok := <-watch:
		if !ok {
			ev = coordination.Event{Type: coordination.EventNotWatching, Path: p}
		}
		out <- ack{node: node, path: p, ev: ev}
	case <-ctx.Done():
	}
}

func (m *Multicaster) readFailure(ctx context.Context, node, p string, op model.OperationType) error {
	data, _, err := m.coord.Get(ctx, p)
	if err != nil {
		return fmt.Errorf("%s failed on %s", op, node)
	}
	m.withdraw(p)
	reason := strings.TrimSpace(string(data))
	return fmt.Errorf("%s failed on %s: %s", op, node, reason)
}

// withdraw removes an entry that will not be acknowledged
func (m *Multicaster) withdraw(p string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.coord.Delete(ctx, p, coordination.AnyVersion); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		m.logger.Debug("Failed to withdraw inbox entry", zap.String("path", p), zap.Error(err))
	}
}
