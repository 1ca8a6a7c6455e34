package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitTXT(t *testing.T) {
	k, v, ok := splitTXT("node_id=abc123")
	require.True(t, ok)
	require.Equal(t, "node_id", k)
	require.Equal(t, "abc123", v)

	_, _, ok = splitTXT("no-equals-sign")
	require.False(t, ok)

	k, v, ok = splitTXT("caps=")
	require.True(t, ok)
	require.Equal(t, "caps", k)
	require.Empty(t, v)
}

func TestServiceUpsertBoundedCache(t *testing.T) {
	s := &Service{cache: make(map[string]PeerSighting), cap: 2}
	s.Upsert(PeerSighting{NodeID: "a"})
	s.Upsert(PeerSighting{NodeID: "b"})
	s.Upsert(PeerSighting{NodeID: "c"}) // cache full, dropped

	cached := s.Cached()
	require.Len(t, cached, 2)

	// refreshing an existing entry never counts against the cap
	s.Upsert(PeerSighting{NodeID: "a", Version: "2"})
	cached = s.Cached()
	require.Len(t, cached, 2)
	for _, p := range cached {
		if p.NodeID == "a" {
			require.Equal(t, "2", p.Version)
		}
	}
}
