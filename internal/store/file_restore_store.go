package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/model"
)

// FileRestoreStore keeps the restore list as "name strategy size" lines
type FileRestoreStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileRestoreStore creates a file backed restore store
func NewFileRestoreStore(path string, logger *zap.Logger) (*FileRestoreStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create restore directory: %w", err)
		}
	}
	return &FileRestoreStore{path: path, logger: logger}, nil
}

// Load returns the saved entries; a missing file is an empty list
func (s *FileRestoreStore) Load(ctx context.Context) ([]model.RestoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileRestoreStore) read() ([]model.RestoreEntry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read restore list: %w", err)
	}

	var entries []model.RestoreEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			s.logger.Warn("Ignoring malformed restore entry", zap.String("line", scanner.Text()))
			continue
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil {
			s.logger.Warn("Ignoring malformed restore entry", zap.String("line", scanner.Text()))
			continue
		}
		entries = append(entries, model.RestoreEntry{
			Name:          fields[0],
			CacheStrategy: model.CacheStrategy(fields[1]),
			CacheSize:     size,
		})
	}
	return entries, scanner.Err()
}

// Append adds entries, replacing earlier entries of the same name
func (s *FileRestoreStore) Append(ctx context.Context, entries ...model.RestoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read()
	if err != nil {
		return err
	}
	merged := mergeRestoreEntries(existing, entries)

	var b strings.Builder
	for _, e := range merged {
		fmt.Fprintf(&b, "%s %s %d\n", e.Name, e.CacheStrategy, e.CacheSize)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write restore list: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Clear empties the list
func (s *FileRestoreStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear restore list: %w", err)
	}
	return nil
}

// Ping checks that the directory is reachable
func (s *FileRestoreStore) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

func (s *FileRestoreStore) Close() error { return nil }

func mergeRestoreEntries(existing, added []model.RestoreEntry) []model.RestoreEntry {
	index := make(map[string]int, len(existing))
	out := append([]model.RestoreEntry(nil), existing...)
	for i, e := range out {
		index[e.Name] = i
	}
	for _, e := range added {
		if i, ok := index[e.Name]; ok {
			out[i] = e
			continue
		}
		index[e.Name] = len(out)
		out = append(out, e)
	}
	return out
}
