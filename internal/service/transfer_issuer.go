package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

const (
	// DefaultTransferIdleTimeout fails a transfer whose progress stops moving
	DefaultTransferIdleTimeout = 5 * time.Second
	// DefaultTransferMaxTimeout is the hard ceiling for one transfer
	DefaultTransferMaxTimeout = 2 * time.Hour
)

// TransferIssuer executes one transfer plan end to end: it arms the
// receiver, tells the sender to push, then follows the progress both sides
// publish in their metadata until both are idle again.
type TransferIssuer struct {
	coord       coordination.Service
	multicaster *Multicaster
	idleTimeout time.Duration
	maxTimeout  time.Duration
	metrics     *metrics.CoordinatorMetrics
	logger      *zap.Logger
}

// NewTransferIssuer creates a new transfer issuer
func NewTransferIssuer(
	coord coordination.Service,
	multicaster *Multicaster,
	idleTimeout time.Duration,
	maxTimeout time.Duration,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *TransferIssuer {
	if idleTimeout <= 0 {
		idleTimeout = DefaultTransferIdleTimeout
	}
	if maxTimeout <= 0 {
		maxTimeout = DefaultTransferMaxTimeout
	}
	return &TransferIssuer{
		coord:       coord,
		multicaster: multicaster,
		idleTimeout: idleTimeout,
		maxTimeout:  maxTimeout,
		metrics:     m,
		logger:      logger,
	}
}

// Execute runs plan to completion. It never retries; a failed result carries
// the state the transfer was in and the cause.
func (t *TransferIssuer) Execute(ctx context.Context, plan model.TransferPlan) model.TransferResult {
	start := time.Now()
	res := &model.TransferResult{Plan: plan}
	enter(res, model.TransferStateInit)

	ctx, cancel := context.WithTimeout(ctx, t.maxTimeout)
	defer cancel()

	err := t.execute(ctx, plan, res)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		t.logger.Error("Transfer failed",
			zap.String("plan", plan.String()),
			zap.String("state", string(res.State)),
			zap.Duration("duration", res.Duration),
			zap.Error(err))
		enter(res, model.TransferStateFailed)
	} else {
		enter(res, model.TransferStateDone)
		t.logger.Info("Transfer completed",
			zap.String("plan", plan.String()),
			zap.Duration("duration", res.Duration))
	}

	t.metrics.RecordTransfer(string(plan.Mode), err == nil, res.Duration.Seconds())
	return *res
}

func enter(res *model.TransferResult, state model.TransferState) {
	res.State = state
	res.States = append(res.States, state)
}

func (t *TransferIssuer) execute(ctx context.Context, plan model.TransferPlan, res *model.TransferResult) error {
	switch plan.Mode {
	case model.TransferModeDelete:
		return t.deleteRange(ctx, plan.Sender, plan.Range)
	case model.TransferModeCopy, model.TransferModeMove:
	default:
		return clustererrors.InvalidArgument(fmt.Sprintf("unknown transfer mode %q", plan.Mode), nil)
	}
	if plan.Receiver == nil {
		return clustererrors.InvalidArgument("transfer plan without receiver", nil)
	}
	receiver := *plan.Receiver
	rng := plan.Range

	enter(res, model.TransferStateAwaitReceiverArmed)
	prepare := model.NewAdminMessage(model.OpReceive)
	prepare.HashRange = &rng
	if ok, failures := t.multicaster.Send(ctx, []ring.Node{receiver}, prepare); !ok {
		return clustererrors.TransferFailed(
			fmt.Sprintf("receiver %s did not open a listener", receiver.Name), failures)
	}

	enter(res, model.TransferStateAwaitSenderPush)
	push := model.NewAdminMessage(model.OpSend)
	push.ReceiverName = receiver.Name
	push.ReceiverHost = receiver.Host
	push.HashRange = &rng
	if ok, failures := t.multicaster.Send(ctx, []ring.Node{plan.Sender}, push); !ok {
		return clustererrors.TransferFailed(
			fmt.Sprintf("sender %s did not start pushing", plan.Sender.Name), failures)
	}

	enter(res, model.TransferStateMonitorSender)
	if err := t.awaitIdle(ctx, plan.Sender); err != nil {
		return err
	}

	enter(res, model.TransferStateMonitorReceiver)
	if err := t.awaitIdle(ctx, receiver); err != nil {
		return err
	}

	if plan.Mode == model.TransferModeMove && plan.Trim != nil {
		return t.deleteRange(ctx, plan.Sender, *plan.Trim)
	}
	return nil
}

func (t *TransferIssuer) deleteRange(ctx context.Context, target ring.Node, rng ring.HashRange) error {
	msg := model.NewAdminMessage(model.OpDelete)
	msg.HashRange = &rng
	if ok, failures := t.multicaster.Send(ctx, []ring.Node{target}, msg); !ok {
		return clustererrors.TransferFailed(
			fmt.Sprintf("failed to delete %s on %s", rng, target.Name), failures)
	}
	return nil
}

// awaitIdle follows the transfer progress of node until it reports idle.
// The data watch is re-armed on every read; the idle timer restarts whenever
// the progress value changes.
func (t *TransferIssuer) awaitIdle(ctx context.Context, node ring.Node) error {
	p := coordination.ServerPath(node.Name)
	idle := time.NewTimer(t.idleTimeout)
	defer idle.Stop()

	last := -1
	for {
		data, _, watch, err := t.coord.GetW(ctx, p)
		if err != nil {
			if errors.Is(err, coordination.ErrNoNode) {
				return clustererrors.TransferFailed(fmt.Sprintf("metadata of %s disappeared", node.Name), err)
			}
			return t.wrapContext(ctx, node, err)
		}
		meta, err := model.DecodeServerMetadata(data)
		if err != nil {
			return clustererrors.TransferFailed(fmt.Sprintf("unreadable metadata of %s", node.Name), err)
		}

		if meta.TransferProgress != last {
			last = meta.TransferProgress
			t.logger.Debug("Transfer progress",
				zap.String("node", node.Name),
				zap.Int("progress", last))
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(t.idleTimeout)
		}
		if meta.IsIdle() {
			return nil
		}

		select {
		case ev, ok := <-watch:
			if !ok || ev.Type == coordination.EventDeleted || ev.Type == coordination.EventNotWatching {
				return clustererrors.TransferFailed(
					fmt.Sprintf("lost track of %s progress", node.Name), ev.Err)
			}
		case <-idle.C:
			return clustererrors.CoordinationTimeout(
				fmt.Sprintf("progress of %s stuck at %d", node.Name, last), t.idleTimeout)
		case <-ctx.Done():
			return t.wrapContext(ctx, node, ctx.Err())
		}
	}
}

func (t *TransferIssuer) wrapContext(ctx context.Context, node ring.Node, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return clustererrors.CoordinationTimeout(fmt.Sprintf("transfer on %s", node.Name), t.maxTimeout)
	}
	return err
}
