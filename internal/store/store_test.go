package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

func TestParseFleet(t *testing.T) {
	input := `
# fleet
server1 localhost 50000
server2 10.0.0.2 50001

server3 127.0.0.1 50002
server1 10.0.0.9 50003
`
	nodes, err := ParseFleet(strings.NewReader(input), "10.0.0.1", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []ring.Node{
		{Name: "server1", Host: "10.0.0.1", Port: 50000},
		{Name: "server2", Host: "10.0.0.2", Port: 50001},
		{Name: "server3", Host: "10.0.0.1", Port: 50002},
	}, nodes)
}

func TestParseFleet_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing port", "server1 localhost"},
		{"bad port", "server1 localhost abc"},
		{"port out of range", "server1 localhost 70000"},
		{"extra field", "server1 localhost 5000 x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFleet(strings.NewReader(tt.input), "", zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestFileRestoreStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileRestoreStore(filepath.Join(t.TempDir(), "restore", "ecs.restore"), zap.NewNop())
	require.NoError(t, err)

	entries, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.Append(ctx,
		model.RestoreEntry{Name: "server1", CacheStrategy: model.CacheStrategyLRU, CacheSize: 10},
		model.RestoreEntry{Name: "server2", CacheStrategy: model.CacheStrategyFIFO, CacheSize: 5},
	))
	require.NoError(t, s.Append(ctx,
		model.RestoreEntry{Name: "server1", CacheStrategy: model.CacheStrategyLFU, CacheSize: 20},
	))

	entries, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.RestoreEntry{
		{Name: "server1", CacheStrategy: model.CacheStrategyLFU, CacheSize: 20},
		{Name: "server2", CacheStrategy: model.CacheStrategyFIFO, CacheSize: 5},
	}, entries)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))

	entries, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotencyStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte(`{"success":true}`), time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, string(v))

	// the first recorded response wins
	require.NoError(t, s.Set(ctx, "k", []byte(`{"success":false}`), time.Minute))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, string(v))

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("x"), time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
