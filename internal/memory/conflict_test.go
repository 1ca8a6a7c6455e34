package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestApplyRemoteUpdateAcceptsWhenLocalIsStale covers the no-conflict path:
// a remote update strictly newer than the local record is applied directly.
func TestApplyRemoteUpdateAcceptsWhenLocalIsStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("local-v1"), Public, CategoryOther, SetOptions{}))

	conflict, err := s.ApplyRemoteUpdate(ctx, RemoteUpdate{
		Key:       "k",
		Value:     []byte("remote-v2"),
		Category:  CategoryOther,
		Version:   2,
		UpdatedAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Nil(t, conflict)

	entry, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("remote-v2"), entry.Value)
}

// TestApplyRemoteUpdateConflictsWhenLocalIsNewer covers spec.md §8 scenario 4:
// a remote update that is stale relative to the local record (the local
// entry was updated more recently) must surface a Conflict rather than
// silently overwrite local state.
func TestApplyRemoteUpdateConflictsWhenLocalIsNewer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("local-fresh"), Public, CategoryOther, SetOptions{}))
	local, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, found)

	conflict, err := s.ApplyRemoteUpdate(ctx, RemoteUpdate{
		Key:       "k",
		Value:     []byte("remote-stale"),
		Category:  CategoryOther,
		Version:   local.Version,
		UpdatedAt: local.UpdatedAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, "k", conflict.Key)
	require.Equal(t, []byte("local-fresh"), conflict.Local.Value)
	require.Equal(t, []byte("remote-stale"), conflict.Remote.Value)
	require.NotEmpty(t, conflict.ConflictID)

	// Local record must be untouched by merely detecting the conflict.
	stillLocal, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("local-fresh"), stillLocal.Value)
}

// TestResolveConflictKeepBothProducesOneRecordPerSide covers the KeepBoth
// conflict resolution: KeepBoth must leave the original key holding the local value
// and a distinct, conflict-suffixed key holding the remote value — one
// record per side, neither overwriting the other.
func TestResolveConflictKeepBothProducesOneRecordPerSide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("local-fresh"), Public, CategoryOther, SetOptions{}))
	local, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, found)

	conflict, err := s.ApplyRemoteUpdate(ctx, RemoteUpdate{
		Key:       "k",
		Value:     []byte("remote-stale"),
		Category:  CategoryOther,
		Version:   local.Version,
		UpdatedAt: local.UpdatedAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, conflict)

	require.NoError(t, s.ResolveConflict(ctx, *conflict, KeepBoth, nil))

	original, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("local-fresh"), original.Value)

	renamedKey := "k~conflict-" + conflict.ConflictID
	dup, found, err := s.Get(Public, CategoryOther, renamedKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("remote-stale"), dup.Value)
}

func TestResolveConflictKeepRemoteOverwritesLocal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("local-fresh"), Public, CategoryOther, SetOptions{}))
	local, _, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)

	conflict, err := s.ApplyRemoteUpdate(ctx, RemoteUpdate{
		Key:       "k",
		Value:     []byte("remote-stale"),
		Category:  CategoryOther,
		Version:   local.Version,
		UpdatedAt: local.UpdatedAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, conflict)

	require.NoError(t, s.ResolveConflict(ctx, *conflict, KeepRemote, nil))

	entry, found, err := s.Get(Public, CategoryOther, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("remote-stale"), entry.Value)
}
