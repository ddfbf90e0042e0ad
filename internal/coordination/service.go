package coordination

import (
	"context"
	"errors"
	"path"
	"strings"
)

// AnyVersion matches every version on Set and Delete.
const AnyVersion int32 = -1

var (
	// ErrNoNode is returned when the path does not exist
	ErrNoNode = errors.New("coordination: node does not exist")
	// ErrNodeExists is returned when creating a path that already exists
	ErrNodeExists = errors.New("coordination: node already exists")
	// ErrBadVersion is returned when a conditional write lost a race
	ErrBadVersion = errors.New("coordination: version conflict")
	// ErrNotEmpty is returned when deleting a path that still has children
	ErrNotEmpty = errors.New("coordination: node has children")
	// ErrClosed is returned by a closed session
	ErrClosed = errors.New("coordination: session closed")
)

// CreateMode selects the lifetime of a created entry
type CreateMode int

const (
	// Persistent entries live until deleted
	Persistent CreateMode = iota
	// Ephemeral entries are removed when the creating session ends
	Ephemeral
)

// EventType identifies what a watch observed
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventDataChanged
	EventChildrenChanged
	// EventNotWatching is delivered when the watch was dropped without firing,
	// typically because the session ended
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventDataChanged:
		return "data_changed"
	case EventChildrenChanged:
		return "children_changed"
	case EventNotWatching:
		return "not_watching"
	default:
		return "unknown"
	}
}

// Event is delivered once on a watch channel, which is then closed
type Event struct {
	Type EventType
	Path string
	Err  error
}

// Service is a hierarchical namespace with versioned writes, one-shot watches
// and session-bound ephemeral entries.
//
// Every *W method arms a watch that fires exactly once. Callers that keep
// observing a path must re-arm after each event.
type Service interface {
	Create(ctx context.Context, path string, data []byte, mode CreateMode) error
	Get(ctx context.Context, path string) ([]byte, int32, error)
	GetW(ctx context.Context, path string) ([]byte, int32, <-chan Event, error)
	Set(ctx context.Context, path string, data []byte, version int32) (int32, error)
	Delete(ctx context.Context, path string, version int32) error
	Exists(ctx context.Context, path string) (bool, error)
	ExistsW(ctx context.Context, path string) (bool, <-chan Event, error)
	Children(ctx context.Context, path string) ([]string, error)
	ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// EnsurePath creates p and all its missing ancestors as persistent entries.
func EnsurePath(ctx context.Context, svc Service, p string) error {
	p = path.Clean(p)
	if p == "/" {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		cur += "/" + part
		if err := svc.Create(ctx, cur, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}

// Upsert writes data to p, creating it when absent.
func Upsert(ctx context.Context, svc Service, p string, data []byte) error {
	_, err := svc.Set(ctx, p, data, AnyVersion)
	if errors.Is(err, ErrNoNode) {
		err = svc.Create(ctx, p, data, Persistent)
		if errors.Is(err, ErrNodeExists) {
			_, err = svc.Set(ctx, p, data, AnyVersion)
		}
	}
	return err
}

// DeleteChildren removes every child of p. Missing children are ignored.
func DeleteChildren(ctx context.Context, svc Service, p string) error {
	children, err := svc.Children(ctx, p)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return nil
		}
		return err
	}
	for _, c := range children {
		if err := svc.Delete(ctx, path.Join(p, c), AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
			return err
		}
	}
	return nil
}
