package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/metrics"
)

// FailureHandler is invoked when a watched liveness marker disappears
type FailureHandler func(name string)

// FailureDetector watches the liveness marker of every launched node and
// reports markers that vanish while still watched
type FailureDetector struct {
	coord   coordination.Service
	handler FailureHandler
	metrics *metrics.CoordinatorMetrics
	logger  *zap.Logger

	mu      sync.Mutex
	watched map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewFailureDetector creates a new failure detector
func NewFailureDetector(
	coord coordination.Service,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *FailureDetector {
	return &FailureDetector{
		coord:   coord,
		metrics: m,
		logger:  logger,
		watched: make(map[string]context.CancelFunc),
	}
}

// SetHandler installs the failure callback. It must be set before Watch.
func (d *FailureDetector) SetHandler(h FailureHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Watch starts following the marker of name. The first watch is armed
// before Watch returns, so a marker that vanishes right after registration
// is still reported. Watching an already watched node is a no-op.
func (d *FailureDetector) Watch(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.watched[name]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	exists, watch, err := d.coord.ExistsW(ctx, coordination.ActivePath(name))
	if err != nil {
		cancel()
		d.logger.Error("Failed to watch liveness marker",
			zap.String("node", name),
			zap.Error(err))
		return
	}
	d.watched[name] = cancel
	d.wg.Add(1)
	go d.run(ctx, name, exists, watch)
}

// Unwatch stops following name so a planned shutdown is not reported. It
// does not wait for the watcher to exit.
func (d *FailureDetector) Unwatch(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cancel, ok := d.watched[name]; ok {
		cancel()
		delete(d.watched, name)
	}
}

// Watched reports whether name is being followed
func (d *FailureDetector) Watched(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.watched[name]
	return ok
}

// Stop cancels every watcher and waits for them to exit
func (d *FailureDetector) Stop() {
	d.mu.Lock()
	for name, cancel := range d.watched {
		cancel()
		delete(d.watched, name)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// run follows one marker. seen records whether the marker was ever present;
// a seen marker that is absent when the watch is re-armed counts as gone.
func (d *FailureDetector) run(ctx context.Context, name string, seen bool, watch <-chan coordination.Event) {
	defer d.wg.Done()
	p := coordination.ActivePath(name)

	for {
		select {
		case ev, ok := <-watch:
			if !ok || ev.Type == coordination.EventNotWatching {
				return
			}
			if ev.Type == coordination.EventDeleted {
				d.report(ctx, name)
				return
			}
			if ev.Type == coordination.EventCreated {
				seen = true
			}
		case <-ctx.Done():
			return
		}

		exists, next, err := d.coord.ExistsW(ctx, p)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("Failed to watch liveness marker",
					zap.String("node", name),
					zap.Error(err))
			}
			return
		}
		if seen && !exists {
			d.report(ctx, name)
			return
		}
		seen = seen || exists
		watch = next
	}
}

func (d *FailureDetector) report(ctx context.Context, name string) {
	if !d.claim(ctx, name) {
		return
	}
	d.logger.Warn("Liveness marker disappeared", zap.String("node", name))
	d.metrics.RecordFailureDetection()
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(name)
	}
}

// claim removes name from the watch set unless it was unwatched meanwhile
func (d *FailureDetector) claim(ctx context.Context, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if cancel, ok := d.watched[name]; ok {
		cancel()
		delete(d.watched, name)
	}
	return true
}
