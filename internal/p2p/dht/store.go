package dht

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/storage"
	"github.com/cis-systems/cis-node/internal/storage/boltstore"
)

// Default republish interval and record TTL (resolved Open Question: see
// SPEC_FULL.md Section 11).
const (
	DefaultRepublishInterval = time.Hour
	DefaultRecordTTL         = 24 * time.Hour
)

var bucketDHT = storage.BucketDHT

type record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LocalStore persists DHT records this node is responsible for, backed by
// the node database so held values survive restarts.
type LocalStore struct {
	db  *boltstore.Store
	ttl time.Duration
}

func NewLocalStore(db *boltstore.Store, ttl time.Duration) *LocalStore {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &LocalStore{db: db, ttl: ttl}
}

func (s *LocalStore) Put(ctx context.Context, key string, value []byte) error {
	now := time.Now()
	r := record{Key: key, Value: value, StoredAt: now, ExpiresAt: now.Add(s.ttl)}
	raw, err := json.Marshal(r)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal dht record", err)
	}
	return s.db.Put(ctx, bucketDHT, []byte(key), raw)
}

// Get returns the value for key, or errs.NotFound if absent or expired (an
// expired record is treated as absent and is not implicitly deleted here;
// GCExpired performs that sweep).
func (s *LocalStore) Get(key string) ([]byte, error) {
	raw, err := s.db.Get(bucketDHT, []byte(key))
	if err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal dht record", err)
	}
	if time.Now().After(r.ExpiresAt) {
		return nil, errs.New(errs.NotFound, "dht record expired", errs.F("key", key))
	}
	return r.Value, nil
}

// GCExpired removes all locally held records past their expiry, returning
// the count removed.
func (s *LocalStore) GCExpired(ctx context.Context) (int, error) {
	var expired [][]byte
	err := s.db.ScanPrefix(bucketDHT, nil, func(k, v []byte) bool {
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			return true
		}
		if time.Now().After(r.ExpiresAt) {
			expired = append(expired, append([]byte(nil), k...))
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, k := range expired {
		if err := s.db.Delete(ctx, bucketDHT, k); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Republish re-stamps every locally held, non-expired record's StoredAt and
// ExpiresAt, restarting their TTL. It refreshes the local copies only (no
// value is re-sent to peers), and nothing in the node calls it on
// DefaultRepublishInterval.
func (s *LocalStore) Republish(ctx context.Context) (int, error) {
	var keys []string
	var values [][]byte
	err := s.db.ScanPrefix(bucketDHT, nil, func(k, v []byte) bool {
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			return true
		}
		if time.Now().After(r.ExpiresAt) {
			return true
		}
		keys = append(keys, string(k))
		values = append(values, r.Value)
		return true
	})
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := s.Put(ctx, k, values[i]); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}
