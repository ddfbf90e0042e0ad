package coordination

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-process namespace shared by any number of sessions.
// It backs local mode and the tests of everything watch-driven.
type MemoryStore struct {
	mu           sync.Mutex
	nodes        map[string]*memNode
	dataWatches  map[string][]*memWatch
	childWatches map[string][]*memWatch
	nextSession  int64
}

type memNode struct {
	data     []byte
	version  int32
	owner    int64
	children map[string]struct{}
}

type memWatch struct {
	session int64
	ch      chan Event
}

// NewMemoryStore creates a namespace containing only the root
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: map[string]*memNode{
			"/": {children: make(map[string]struct{})},
		},
		dataWatches:  make(map[string][]*memWatch),
		childWatches: make(map[string][]*memWatch),
	}
}

// Session opens a new session. Ephemeral entries it creates vanish on Close.
func (s *MemoryStore) Session() *MemorySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	return &MemorySession{store: s, id: s.nextSession}
}

func validatePath(p string) error {
	if p == "" || p[0] != '/' || (len(p) > 1 && p[len(p)-1] == '/') || path.Clean(p) != p {
		return fmt.Errorf("coordination: invalid path %q", p)
	}
	return nil
}

// fire delivers ev to every watch in list and drops them. Channels are
// buffered so delivery never blocks under the store lock.
func fire(list map[string][]*memWatch, p string, ev Event) {
	for _, w := range list[p] {
		w.ch <- ev
		close(w.ch)
	}
	delete(list, p)
}

func (s *MemoryStore) watch(list map[string][]*memWatch, p string, session int64) <-chan Event {
	w := &memWatch{session: session, ch: make(chan Event, 1)}
	list[p] = append(list[p], w)
	return w.ch
}

func (s *MemoryStore) create(session int64, p string, data []byte, mode CreateMode) error {
	if err := validatePath(p); err != nil {
		return err
	}
	if p == "/" {
		return ErrNodeExists
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[p]; ok {
		return ErrNodeExists
	}
	parentPath := path.Dir(p)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return ErrNoNode
	}
	n := &memNode{data: append([]byte(nil), data...), children: make(map[string]struct{})}
	if mode == Ephemeral {
		n.owner = session
	}
	s.nodes[p] = n
	parent.children[path.Base(p)] = struct{}{}

	fire(s.dataWatches, p, Event{Type: EventCreated, Path: p})
	fire(s.childWatches, parentPath, Event{Type: EventChildrenChanged, Path: parentPath})
	return nil
}

func (s *MemoryStore) get(session int64, p string, watch bool) ([]byte, int32, <-chan Event, error) {
	if err := validatePath(p); err != nil {
		return nil, 0, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return nil, 0, nil, ErrNoNode
	}
	var ch <-chan Event
	if watch {
		ch = s.watch(s.dataWatches, p, session)
	}
	return append([]byte(nil), n.data...), n.version, ch, nil
}

func (s *MemoryStore) set(p string, data []byte, version int32) (int32, error) {
	if err := validatePath(p); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return 0, ErrNoNode
	}
	if version != AnyVersion && version != n.version {
		return 0, ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	fire(s.dataWatches, p, Event{Type: EventDataChanged, Path: p})
	return n.version, nil
}

func (s *MemoryStore) delete(p string, version int32) error {
	if err := validatePath(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok || p == "/" {
		return ErrNoNode
	}
	if version != AnyVersion && version != n.version {
		return ErrBadVersion
	}
	if len(n.children) > 0 {
		return ErrNotEmpty
	}
	s.remove(p)
	return nil
}

// remove unlinks p; the lock must be held
func (s *MemoryStore) remove(p string) {
	delete(s.nodes, p)
	parentPath := path.Dir(p)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, path.Base(p))
	}
	fire(s.dataWatches, p, Event{Type: EventDeleted, Path: p})
	fire(s.childWatches, p, Event{Type: EventDeleted, Path: p})
	fire(s.childWatches, parentPath, Event{Type: EventChildrenChanged, Path: parentPath})
}

func (s *MemoryStore) exists(session int64, p string, watch bool) (bool, <-chan Event, error) {
	if err := validatePath(p); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.nodes[p]
	var ch <-chan Event
	if watch {
		ch = s.watch(s.dataWatches, p, session)
	}
	return ok, ch, nil
}

func (s *MemoryStore) children(session int64, p string, watch bool) ([]string, <-chan Event, error) {
	if err := validatePath(p); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, ErrNoNode
	}
	names := make([]string, 0, len(n.children))
	for c := range n.children {
		names = append(names, c)
	}
	sort.Strings(names)
	var ch <-chan Event
	if watch {
		ch = s.watch(s.childWatches, p, session)
	}
	return names, ch, nil
}

// closeSession removes the session's ephemerals, then drops its remaining
// watches with EventNotWatching
func (s *MemoryStore) closeSession(session int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []string
	for p, n := range s.nodes {
		if n.owner == session {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)
	for _, p := range owned {
		s.remove(p)
	}

	for _, list := range []map[string][]*memWatch{s.dataWatches, s.childWatches} {
		for p, watches := range list {
			kept := watches[:0]
			for _, w := range watches {
				if w.session == session {
					w.ch <- Event{Type: EventNotWatching, Path: p, Err: ErrClosed}
					close(w.ch)
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(list, p)
			} else {
				list[p] = kept
			}
		}
	}
}

// MemorySession is one client of a MemoryStore
type MemorySession struct {
	store  *MemoryStore
	id     int64
	closed atomic.Bool
}

var _ Service = (*MemorySession)(nil)

func (m *MemorySession) check(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *MemorySession) Create(ctx context.Context, p string, data []byte, mode CreateMode) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	return m.store.create(m.id, p, data, mode)
}

func (m *MemorySession) Get(ctx context.Context, p string) ([]byte, int32, error) {
	if err := m.check(ctx); err != nil {
		return nil, 0, err
	}
	data, version, _, err := m.store.get(m.id, p, false)
	return data, version, err
}

func (m *MemorySession) GetW(ctx context.Context, p string) ([]byte, int32, <-chan Event, error) {
	if err := m.check(ctx); err != nil {
		return nil, 0, nil, err
	}
	return m.store.get(m.id, p, true)
}

func (m *MemorySession) Set(ctx context.Context, p string, data []byte, version int32) (int32, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return m.store.set(p, data, version)
}

func (m *MemorySession) Delete(ctx context.Context, p string, version int32) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	return m.store.delete(p, version)
}

func (m *MemorySession) Exists(ctx context.Context, p string) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	ok, _, err := m.store.exists(m.id, p, false)
	return ok, err
}

func (m *MemorySession) ExistsW(ctx context.Context, p string) (bool, <-chan Event, error) {
	if err := m.check(ctx); err != nil {
		return false, nil, err
	}
	return m.store.exists(m.id, p, true)
}

func (m *MemorySession) Children(ctx context.Context, p string) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	names, _, err := m.store.children(m.id, p, false)
	return names, err
}

func (m *MemorySession) ChildrenW(ctx context.Context, p string) ([]string, <-chan Event, error) {
	if err := m.check(ctx); err != nil {
		return nil, nil, err
	}
	return m.store.children(m.id, p, true)
}

func (m *MemorySession) Ping(ctx context.Context) error {
	return m.check(ctx)
}

// Close ends the session. Its ephemeral entries are removed, which is how
// tests simulate a crashed node.
func (m *MemorySession) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.store.closeSession(m.id)
	return nil
}
