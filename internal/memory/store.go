package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/memory/crypto"
	"github.com/cis-systems/cis-node/internal/memory/lexical"
	"github.com/cis-systems/cis-node/internal/memory/vectorindex"
	"github.com/cis-systems/cis-node/internal/storage/badgerstore"
	"github.com/cis-systems/cis-node/internal/storage/lock"
)

// Store implements the dual-domain memory contract: set/get/delete/search/
// semantic_search/hybrid_search, encryption of Private entries, sync
// markers for Public entries, and conflict detection on remote updates.
type Store struct {
	db        *badgerstore.Store
	writeLock *lock.TimedMutex

	secret   [32]byte
	vectors  *vectorindex.Index
	lexical  *lexical.Index
	embedder EmbeddingProvider

	hybridVectorWeight float64
	hybridLexicalWeight float64
}

// Option customizes Store construction.
type Option func(*Store)

func WithHybridWeights(vector, lexicalW float64) Option {
	return func(s *Store) { s.hybridVectorWeight, s.hybridLexicalWeight = vector, lexicalW }
}

// New constructs a Store over db, using secret to derive Private-entry
// encryption keys and embedder for semantic/hybrid search. dimension is the
// vector index's declared dimension (must match embedder.Dimension()).
func New(db *badgerstore.Store, secret [32]byte, embedder EmbeddingProvider, dimension int, opts ...Option) (*Store, error) {
	lex, err := lexical.New()
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:                  db,
		writeLock:           lock.New("memory"),
		secret:              secret,
		vectors:             vectorindex.New(dimension),
		lexical:             lex,
		embedder:            embedder,
		hybridVectorWeight:  0.7,
		hybridLexicalWeight: 0.3,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Set writes key with value under domain/category. Public writes record a
// pending sync marker; entries in a semantic-eligible category are indexed
// if embedder is set.
func (s *Store) Set(ctx context.Context, key string, value []byte, domain Domain, category Category, opts SetOptions) error {
	g, err := s.writeLock.Acquire(ctx, lock.WriteTimeout)
	if err != nil {
		return err
	}
	defer g.Release()

	now := time.Now()
	existing, found, _ := s.getLocked(domain, category, key)
	version := uint64(1)
	createdAt := now
	if found {
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	}

	rec := record{
		Key:       key,
		Domain:    domain,
		Category:  category,
		CreatedAt: createdAt.UnixNano(),
		UpdatedAt: now.UnixNano(),
		Version:   version,
	}

	if domain == Private {
		kr, dek, err := crypto.NewV2Record(s.secret)
		if err != nil {
			return err
		}
		sealed, err := crypto.Seal(dek, value, []byte(key))
		if err != nil {
			return err
		}
		rec.Value = sealed
		rec.KeyRecord = &kr
	} else {
		rec.Value = append([]byte(nil), value...)
		rec.SyncState = SyncPending
	}

	var embedding []float32
	if wantsSemanticIndex(category, opts) && s.embedder != nil {
		if emb, err := s.embedder.Embed(ctx, string(value)); err == nil {
			if len(emb) != s.vectors.Dimension() {
				return errs.New(errs.Validation, fmt.Sprintf("embedding dimension %d does not match index dimension %d", len(emb), s.vectors.Dimension()))
			}
			embedding = emb
			rec.Embedding = emb
		}
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.db.Put(ctx, badgerKey(domain, category, key), data); err != nil {
		return err
	}

	if embedding != nil {
		s.vectors.Upsert(indexID(domain, category, key), embedding)
	}
	if domain == Public {
		_ = s.lexical.Upsert(indexID(domain, category, key), string(value))
	}

	return nil
}

func indexID(domain Domain, category Category, key string) string {
	return string(domain) + "\x00" + string(category) + "\x00" + key
}

// Get returns the decrypted (Private) or plaintext (Public) entry for key.
// category must be supplied because storage keys are partitioned by
// domain+category; callers that don't know the category should use Search
// with a KeyPrefix instead.
func (s *Store) Get(domain Domain, category Category, key string) (Entry, bool, error) {
	return s.getLocked(domain, category, key)
}

func (s *Store) getLocked(domain Domain, category Category, key string) (Entry, bool, error) {
	data, err := s.db.Get(badgerKey(domain, category, key))
	if err != nil {
		if errs.IsKind(err, errs.NotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return Entry{}, false, err
	}

	plaintext := rec.Value
	if rec.Domain == Private {
		if rec.KeyRecord == nil {
			return Entry{}, false, errs.New(errs.Crypto, "private entry missing key record")
		}
		dek, err := crypto.DeriveFromRecord(s.secret, *rec.KeyRecord)
		if err != nil {
			return Entry{}, false, err
		}
		plaintext, err = crypto.Open(dek, rec.Value, []byte(key))
		if err != nil {
			return Entry{}, false, err
		}
	}
	return rec.toEntry(plaintext), true, nil
}

// Delete removes key; deleting an absent key returns false without error.
func (s *Store) Delete(ctx context.Context, domain Domain, category Category, key string) (bool, error) {
	g, err := s.writeLock.Acquire(ctx, lock.WriteTimeout)
	if err != nil {
		return false, err
	}
	defer g.Release()

	_, found, err := s.getLocked(domain, category, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := s.db.Delete(ctx, badgerKey(domain, category, key)); err != nil {
		return false, err
	}
	s.vectors.Delete(indexID(domain, category, key))
	_ = s.lexical.Delete(indexID(domain, category, key))
	return true, nil
}
