package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZooKeeperConfig holds connection settings
type ZooKeeperConfig struct {
	Servers        []string
	SessionTimeout time.Duration
	ConnectTimeout time.Duration
}

// ZooKeeper implements Service on a ZooKeeper ensemble
type ZooKeeper struct {
	conn   *zk.Conn
	logger *zap.Logger
	done   chan struct{}
}

var _ Service = (*ZooKeeper)(nil)

type zapPrintf struct{ logger *zap.Logger }

func (z zapPrintf) Printf(format string, args ...interface{}) {
	z.logger.Debug(fmt.Sprintf(format, args...))
}

// NewZooKeeper connects and waits until a session is established or the
// connect timeout elapses
func NewZooKeeper(cfg ZooKeeperConfig, logger *zap.Logger) (*ZooKeeper, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("no zookeeper servers configured")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(zapPrintf{logger}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	timer := time.NewTimer(cfg.ConnectTimeout)
	defer timer.Stop()
	for connected := false; !connected; {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close()
				return nil, fmt.Errorf("zookeeper event stream closed while connecting")
			}
			if ev.State == zk.StateHasSession {
				connected = true
			}
		case <-timer.C:
			conn.Close()
			return nil, fmt.Errorf("timed out connecting to zookeeper %v", cfg.Servers)
		}
	}

	z := &ZooKeeper{conn: conn, logger: logger, done: make(chan struct{})}
	go z.logSessionEvents(events)

	logger.Info("Connected to ZooKeeper",
		zap.Strings("servers", cfg.Servers),
		zap.Int64("session_id", conn.SessionID()))
	return z, nil
}

func (z *ZooKeeper) logSessionEvents(events <-chan zk.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateExpired:
				z.logger.Error("ZooKeeper session expired")
			case zk.StateDisconnected:
				z.logger.Warn("ZooKeeper disconnected")
			case zk.StateHasSession:
				z.logger.Info("ZooKeeper session re-established")
			}
		case <-z.done:
			return
		}
	}
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return ErrNodeExists
	case errors.Is(err, zk.ErrBadVersion):
		return ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		return ErrNotEmpty
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

func mapEventType(t zk.EventType) EventType {
	switch t {
	case zk.EventNodeCreated:
		return EventCreated
	case zk.EventNodeDeleted:
		return EventDeleted
	case zk.EventNodeDataChanged:
		return EventDataChanged
	case zk.EventNodeChildrenChanged:
		return EventChildrenChanged
	default:
		return EventNotWatching
	}
}

// relay converts a zk watch into an Event channel with the same one-shot
// semantics. It gives up when ctx ends, delivering EventNotWatching; the zk
// channel is buffered so a late event is dropped without blocking.
func relay(ctx context.Context, in <-chan zk.Event) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		select {
		case ev, ok := <-in:
			if !ok {
				out <- Event{Type: EventNotWatching, Err: ErrClosed}
				return
			}
			out <- Event{Type: mapEventType(ev.Type), Path: ev.Path, Err: mapError(ev.Err)}
		case <-ctx.Done():
			out <- Event{Type: EventNotWatching, Err: ctx.Err()}
		}
	}()
	return out
}

func (z *ZooKeeper) Create(ctx context.Context, p string, data []byte, mode CreateMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var flags int32
	if mode == Ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := z.conn.Create(p, data, flags, zk.WorldACL(zk.PermAll))
	return mapError(err)
}

func (z *ZooKeeper) Get(ctx context.Context, p string) ([]byte, int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	data, stat, err := z.conn.Get(p)
	if err != nil {
		return nil, 0, mapError(err)
	}
	return data, stat.Version, nil
}

func (z *ZooKeeper) GetW(ctx context.Context, p string) ([]byte, int32, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, nil, err
	}
	data, stat, ch, err := z.conn.GetW(p)
	if err != nil {
		return nil, 0, nil, mapError(err)
	}
	return data, stat.Version, relay(ctx, ch), nil
}

func (z *ZooKeeper) Set(ctx context.Context, p string, data []byte, version int32) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stat, err := z.conn.Set(p, data, version)
	if err != nil {
		return 0, mapError(err)
	}
	return stat.Version, nil
}

func (z *ZooKeeper) Delete(ctx context.Context, p string, version int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(z.conn.Delete(p, version))
}

func (z *ZooKeeper) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, _, err := z.conn.Exists(p)
	return ok, mapError(err)
}

func (z *ZooKeeper) ExistsW(ctx context.Context, p string) (bool, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	ok, _, ch, err := z.conn.ExistsW(p)
	if err != nil {
		return false, nil, mapError(err)
	}
	return ok, relay(ctx, ch), nil
}

func (z *ZooKeeper) Children(ctx context.Context, p string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := z.conn.Children(p)
	return children, mapError(err)
}

func (z *ZooKeeper) ChildrenW(ctx context.Context, p string) ([]string, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	children, _, ch, err := z.conn.ChildrenW(p)
	if err != nil {
		return nil, nil, mapError(err)
	}
	return children, relay(ctx, ch), nil
}

// Ping reports whether the session is usable
func (z *ZooKeeper) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state := z.conn.State(); state != zk.StateHasSession {
		return fmt.Errorf("zookeeper session state is %s", state)
	}
	return nil
}

func (z *ZooKeeper) Close() error {
	select {
	case <-z.done:
	default:
		close(z.done)
	}
	z.conn.Close()
	return nil
}
