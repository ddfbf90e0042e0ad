package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/store"
)

const deleteBatchSize = 1000

// BadgerEngine stores data in a badger database
type BadgerEngine struct {
	db     *badger.DB
	logger *zap.Logger
	stopGC chan struct{}
}

// NewBadgerEngine opens the database under dir. An empty dir keeps the
// database in memory.
func NewBadgerEngine(dir string, logger *zap.Logger) (*BadgerEngine, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger.Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	e := &BadgerEngine{db: db, logger: logger, stopGC: make(chan struct{})}
	if dir != "" {
		go e.runGC()
	}
	return e, nil
}

func (e *BadgerEngine) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect
			if err := e.db.RunValueLogGC(0.7); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				e.logger.Warn("Value log GC failed", zap.Error(err))
			}
		case <-e.stopGC:
			return
		}
	}
}

func (e *BadgerEngine) Get(key string) (string, error) {
	var value string
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", store.ErrNotFound
	}
	return value, err
}

func (e *BadgerEngine) Has(key string) (bool, error) {
	var found bool
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return found, err
}

func (e *BadgerEngine) Put(key, value string) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

func (e *BadgerEngine) Delete(key string) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	return err
}

func (e *BadgerEngine) Select(match func(key string) bool) ([]Record, error) {
	var out []Record
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !match(key) {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Record{Key: key, Value: string(val)})
		}
		return nil
	})
	return out, err
}

func (e *BadgerEngine) DeleteMatching(match func(key string) bool) (int, error) {
	var keys [][]byte
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if match(string(it.Item().Key())) {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		wb := e.db.NewWriteBatch()
		for _, k := range keys[start:end] {
			if err := wb.Delete(k); err != nil {
				wb.Cancel()
				return start, err
			}
		}
		if err := wb.Flush(); err != nil {
			return start, err
		}
	}
	return len(keys), nil
}

func (e *BadgerEngine) Clear() error {
	return e.db.DropAll()
}

func (e *BadgerEngine) Close() error {
	select {
	case <-e.stopGC:
	default:
		close(e.stopGC)
	}
	return e.db.Close()
}

// badgerLogger routes badger's internal logging through zap
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
