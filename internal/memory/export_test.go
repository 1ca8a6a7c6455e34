package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestExportPublicNeverLeaksPrivate covers spec.md §8 scenario 5: a snapshot
// produced by ExportPublic must contain Public entries only — a Private
// entry's key or plaintext must never appear anywhere in the exported bytes.
func TestExportPublicNeverLeaksPrivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "public-note", []byte("safe to sync"), Public, CategoryOther, SetOptions{}))
	require.NoError(t, s.Set(ctx, "private-secret", []byte("never sync this"), Private, CategoryOther, SetOptions{}))

	data, err := s.ExportPublic()
	require.NoError(t, err)

	snapshot := string(data)
	require.Contains(t, snapshot, "public-note")
	require.Contains(t, snapshot, "safe to sync")
	require.NotContains(t, snapshot, "private-secret")
	require.NotContains(t, snapshot, "never sync this")
	require.False(t, strings.Contains(snapshot, string(Private)))
}

// TestImportPublicReproducesSnapshot covers the round-trip half of the same
// scenario: importing a snapshot into a fresh store reproduces the same
// (key, value, category) triples it was exported from.
func TestImportPublicReproducesSnapshot(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, src.Set(ctx, "a", []byte("alpha"), Public, CategoryOther, SetOptions{}))
	require.NoError(t, src.Set(ctx, "b", []byte("beta"), Public, CategoryPreference, SetOptions{}))

	data, err := src.ExportPublic()
	require.NoError(t, err)

	dst := newTestStore(t)
	require.NoError(t, dst.ImportPublic(ctx, data))

	a, found, err := dst.Get(Public, CategoryOther, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("alpha"), a.Value)

	b, found, err := dst.Get(Public, CategoryPreference, "b")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("beta"), b.Value)
}
