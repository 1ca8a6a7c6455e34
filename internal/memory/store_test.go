package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cis-systems/cis-node/internal/storage/badgerstore"
)

// fakeEmbedder returns a deterministic, low-dimensional vector so tests
// don't depend on any real model: byte sum of the text mod a small range,
// spread across a fixed dimension.
type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Dimension() int { return f.dim }

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dim)
	var sum float32
	for _, b := range []byte(text) {
		sum += float32(b)
	}
	for i := range vec {
		vec[i] = sum / float32(i+1)
	}
	return vec, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerstore.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var secret [32]byte
	copy(secret[:], "a-test-node-identity-secret-----")

	s, err := New(db, secret, fakeEmbedder{dim: 4}, 4)
	require.NoError(t, err)
	return s
}

// TestPrivatePublicRoundtrip covers the named end-to-end scenario: a Private
// entry is stored sealed and read back decrypted, a Public entry is stored
// plaintext and marked pending sync, and the two domains never collide on
// the same key.
func TestPrivatePublicRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "secret-note", []byte("only for me"), Private, CategoryOther, SetOptions{}))
	require.NoError(t, s.Set(ctx, "shared-note", []byte("for everyone"), Public, CategoryOther, SetOptions{}))

	priv, found, err := s.Get(Private, CategoryOther, "secret-note")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("only for me"), priv.Value)
	require.Equal(t, Private, priv.Domain)
	require.Equal(t, uint64(1), priv.Version)

	pub, found, err := s.Get(Public, CategoryOther, "shared-note")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("for everyone"), pub.Value)
	require.Equal(t, SyncPending, pub.SyncState)

	// Same key under the opposite domain is a distinct record.
	_, found, err = s.Get(Public, CategoryOther, "secret-note")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetBumpsVersionAndPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), Public, CategoryOther, SetOptions{}))
	first, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, s.Set(ctx, "k", []byte("v2"), Public, CategoryOther, SetOptions{}))
	second, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, found)

	require.Equal(t, uint64(2), second.Version)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, []byte("v2"), second.Value)
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), Public, CategoryOther, SetOptions{}))

	ok, err := s.Delete(ctx, Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.False(t, found)

	ok, err = s.Delete(ctx, Public, CategoryOther, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSemanticSearchFindsIndexedEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "pref-1", []byte("likes dark mode"), Public, CategoryPreference, SetOptions{}))

	hits, err := s.SemanticSearch(ctx, "likes dark mode", 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "pref-1", hits[0].Entry.Key)
}
