// Package boltstore backs the node/federation/protocol-events/protocol-social
// logical databases with bbolt (pure Go, no cgo — the same reasoning this
// lineage's workflow store used to pick bbolt over an embedded engine with
// native dependencies). Each logical database is opened once and shared by
// handle across components; writes are serialized through
// internal/storage/lock.TimedMutex, reads use bbolt's own MVCC snapshots.
package boltstore

import (
	"context"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/storage/lock"
)

// Store wraps a single bbolt database file, exposing bucketed get/put/
// delete/scan with a bounded-wait writer lock.
type Store struct {
	db        *bbolt.DB
	writeLock *lock.TimedMutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open opens (creating if absent) the bbolt file at path, ensuring each of
// buckets exists.
func Open(path string, buckets ...[]byte) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "open bbolt database", err, errs.F("path", path))
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Storage, "create buckets", err, errs.F("path", path))
	}

	meter := otel.GetMeterProvider().Meter("cis-node")
	readLatency, _ := meter.Float64Histogram("cis_storage_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("cis_storage_db_write_ms")

	return &Store{db: db, writeLock: lock.New(path), readLatency: readLatency, writeLatency: writeLatency}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get reads key from bucket; returns errs.NotFound if absent.
func (s *Store) Get(bucket, key []byte) ([]byte, error) {
	start := time.Now()
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return errs.New(errs.NotFound, "bucket not found")
		}
		v := b.Get(key)
		if v == nil {
			return errs.New(errs.NotFound, "key not found", errs.F("key", string(key)))
		}
		out = append([]byte(nil), v...)
		return nil
	})
	s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	return out, err
}

// Put writes key within bucket, serialized through the per-database writer
// lock with a bounded wait (WriteTimeout).
func (s *Store) Put(ctx context.Context, bucket, key, value []byte) error {
	g, err := s.writeLock.Acquire(ctx, lock.WriteTimeout)
	if err != nil {
		return err
	}
	defer g.Release()

	start := time.Now()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return errs.New(errs.NotFound, "bucket not found")
		}
		return b.Put(key, value)
	})
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return errs.Wrap(errs.Storage, "put", err, errs.F("key", string(key)))
	}
	return nil
}

// Delete removes key from bucket; deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, bucket, key []byte) error {
	g, err := s.writeLock.Acquire(ctx, lock.WriteTimeout)
	if err != nil {
		return err
	}
	defer g.Release()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// ScanPrefix calls fn for every key in bucket starting with prefix, in
// lexicographic order, stopping early if fn returns false.
func (s *Store) ScanPrefix(bucket, prefix []byte, fn func(key, value []byte) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// WriteLockStats exposes the writer mutex's statistics for the lock
// monitor.
func (s *Store) WriteLockStats() lock.Stats { return s.writeLock.Stats() }
