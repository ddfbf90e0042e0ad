package node

import (
	"container/list"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/devrev/ringkv/internal/model"
)

// Cache is a write-through accelerator in front of the engine. It never
// decides correctness: a miss always falls back to the engine.
type Cache interface {
	Get(key string) (string, bool)
	Put(key, value string)
	Remove(key string)
	Contains(key string) bool
	Clear()
	Len() int
}

// NewCache resolves strategy once at startup
func NewCache(strategy model.CacheStrategy, size int) (Cache, error) {
	if strategy == model.CacheStrategyNone || size <= 0 {
		return noCache{}, nil
	}
	switch strategy {
	case model.CacheStrategyLRU:
		c, err := lru.New(size)
		if err != nil {
			return nil, err
		}
		return &lruCache{c: c}, nil
	case model.CacheStrategyFIFO:
		c, err := lru.New(size)
		if err != nil {
			return nil, err
		}
		return &fifoCache{c: c}, nil
	case model.CacheStrategyLFU:
		return newLFUCache(size), nil
	}
	return nil, fmt.Errorf("unknown cache strategy %q", strategy)
}

type noCache struct{}

func (noCache) Get(string) (string, bool) { return "", false }
func (noCache) Put(string, string)        {}
func (noCache) Remove(string)             {}
func (noCache) Contains(string) bool      { return false }
func (noCache) Clear()                    {}
func (noCache) Len() int                  { return 0 }

type lruCache struct {
	c *lru.Cache
}

func (l *lruCache) Get(key string) (string, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (l *lruCache) Put(key, value string)     { l.c.Add(key, value) }
func (l *lruCache) Remove(key string)         { l.c.Remove(key) }
func (l *lruCache) Contains(key string) bool  { return l.c.Contains(key) }
func (l *lruCache) Clear()                    { l.c.Purge() }
func (l *lruCache) Len() int                  { return l.c.Len() }

// fifoCache evicts in insertion order: reads use Peek so they never refresh
// an entry's position
type fifoCache struct {
	mu sync.Mutex
	c  *lru.Cache
}

func (f *fifoCache) Get(key string) (string, bool) {
	v, ok := f.c.Peek(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (f *fifoCache) Put(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// overwrite in place: Add on a present key would move it to the back
	if f.c.Contains(key) {
		f.c.Remove(key)
	}
	f.c.Add(key, value)
}

func (f *fifoCache) Remove(key string)        { f.c.Remove(key) }
func (f *fifoCache) Contains(key string) bool { return f.c.Contains(key) }
func (f *fifoCache) Clear()                   { f.c.Purge() }
func (f *fifoCache) Len() int                 { return f.c.Len() }

// lfuCache evicts the least frequently used key, oldest first among ties.
// Frequencies live in a list of buckets so every operation is O(1).
type lfuCache struct {
	mu      sync.Mutex
	size    int
	entries map[string]*lfuEntry
	buckets *list.List
}

type lfuEntry struct {
	key    string
	value  string
	bucket *list.Element
	elem   *list.Element
}

type lfuBucket struct {
	freq  int
	items *list.List
}

func newLFUCache(size int) *lfuCache {
	return &lfuCache{
		size:    size,
		entries: make(map[string]*lfuEntry),
		buckets: list.New(),
	}
}

func (c *lfuCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	c.touch(e)
	return e.value, true
}

func (c *lfuCache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		c.touch(e)
		return
	}
	if len(c.entries) >= c.size {
		c.evict()
	}

	front := c.buckets.Front()
	if front == nil || front.Value.(*lfuBucket).freq != 1 {
		front = c.buckets.PushFront(&lfuBucket{freq: 1, items: list.New()})
	}
	e := &lfuEntry{key: key, value: value, bucket: front}
	e.elem = front.Value.(*lfuBucket).items.PushBack(e)
	c.entries[key] = e
}

func (c *lfuCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.unlink(e)
		delete(c.entries, key)
	}
}

func (c *lfuCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *lfuCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*lfuEntry)
	c.buckets.Init()
}

func (c *lfuCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// touch moves e into the bucket of the next frequency
func (c *lfuCache) touch(e *lfuEntry) {
	cur := e.bucket
	freq := cur.Value.(*lfuBucket).freq + 1
	next := cur.Next()
	if next == nil || next.Value.(*lfuBucket).freq != freq {
		next = c.buckets.InsertAfter(&lfuBucket{freq: freq, items: list.New()}, cur)
	}
	c.unlink(e)
	e.bucket = next
	e.elem = next.Value.(*lfuBucket).items.PushBack(e)
}

func (c *lfuCache) unlink(e *lfuEntry) {
	b := e.bucket.Value.(*lfuBucket)
	b.items.Remove(e.elem)
	if b.items.Len() == 0 {
		c.buckets.Remove(e.bucket)
	}
}

func (c *lfuCache) evict() {
	front := c.buckets.Front()
	if front == nil {
		return
	}
	victim := front.Value.(*lfuBucket).items.Front().Value.(*lfuEntry)
	c.unlink(victim)
	delete(c.entries, victim.key)
}
