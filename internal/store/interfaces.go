package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/ringkv/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// RestoreStore remembers the nodes that left the ring through stop or
// shutdown so the next start can bring them back without transfers
type RestoreStore interface {
	Load(ctx context.Context) ([]model.RestoreEntry, error)
	Append(ctx context.Context, entries ...model.RestoreEntry) error
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// IdempotencyStore caches responses of mutating admin requests by key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
