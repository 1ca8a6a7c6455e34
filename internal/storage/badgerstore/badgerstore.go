// Package badgerstore backs the memory database with BadgerDB: entries are
// `domain|category|key -> encoded record`, with prefix iteration serving
// the memory store's domain/category scans, following the same
// idempotent-write / prefix-scan idiom this lineage's blockchain store uses
// for height-ordered blocks.
package badgerstore

import (
	"context"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// Store wraps a BadgerDB instance with node-taxonomy error mapping and
// basic write metrics.
type Store struct {
	mu     sync.RWMutex
	db     *badger.DB
	writes metric.Int64Counter
}

// Open returns a store rooted at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "open badger database", err, errs.F("path", path))
	}
	m := otel.GetMeterProvider().Meter("cis-node")
	writes, _ := m.Int64Counter("cis_memory_db_writes_total")
	return &Store{db: db, writes: writes}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put writes key/value, overwriting any prior value for key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return errs.Wrap(errs.Storage, "badger put", err, errs.F("key", string(key)))
	}
	s.writes.Add(ctx, 1)
	return nil
}

// Get returns errs.NotFound if key is absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return errs.New(errs.NotFound, "key not found", errs.F("key", string(key)))
			}
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = val
		return nil
	})
	return out, err
}

// Delete removes key; absent keys are not an error.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// ScanPrefix visits every key under prefix in key order; stops early if fn
// returns false.
func (s *Store) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(append([]byte(nil), item.Key()...), val) {
				break
			}
		}
		return nil
	})
}
