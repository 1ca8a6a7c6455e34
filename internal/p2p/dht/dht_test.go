package dht

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cis-systems/cis-node/internal/storage"
	"github.com/cis-systems/cis-node/internal/storage/boltstore"
)

// network is an in-memory mock of RPC connecting several DHT instances
// directly, standing in for the transport/peer-manager layer under test.
type network struct {
	nodes map[ID]*DHT
}

func newNetwork() *network { return &network{nodes: make(map[ID]*DHT)} }

func (n *network) Ping(ctx context.Context, to Contact) error {
	if _, ok := n.nodes[to.ID]; !ok {
		return errUnreachable
	}
	return nil
}

func (n *network) FindNode(ctx context.Context, to Contact, target ID) ([]Contact, error) {
	d, ok := n.nodes[to.ID]
	if !ok {
		return nil, errUnreachable
	}
	return d.rt.ClosestTo(target, K), nil
}

func (n *network) FindValue(ctx context.Context, to Contact, key string) ([]byte, []Contact, bool, error) {
	d, ok := n.nodes[to.ID]
	if !ok {
		return nil, nil, false, errUnreachable
	}
	if v, err := d.local.Get(key); err == nil {
		return v, nil, true, nil
	}
	return nil, d.rt.ClosestTo(KeyID(key), K), false, nil
}

func (n *network) StoreAt(ctx context.Context, to Contact, key string, value []byte) error {
	d, ok := n.nodes[to.ID]
	if !ok {
		return errUnreachable
	}
	return d.local.Put(ctx, key, value)
}

type unreachableError struct{}

func (unreachableError) Error() string { return "peer unreachable" }

var errUnreachable = unreachableError{}

func newTestDHT(t *testing.T, n *network, name string) *DHT {
	t.Helper()
	db, err := boltstore.Open(filepath.Join(t.TempDir(), name+".db"), storage.BucketDHT)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	self := Contact{ID: NodeID("did:cis:" + name), DID: "did:cis:" + name, Addresses: []string{name + ":7677"}}
	d := New(self, NewLocalStore(db, DefaultRecordTTL), n)
	n.nodes[self.ID] = d
	return d
}

func TestDHTPutGetAcrossNodes(t *testing.T) {
	n := newNetwork()
	a := newTestDHT(t, n, "node-a")
	b := newTestDHT(t, n, "node-b")
	c := newTestDHT(t, n, "node-c")

	// everyone knows everyone, standing in for a converged routing table
	for _, peer := range []*DHT{a, b, c} {
		for _, other := range []*DHT{a, b, c} {
			if peer != other {
				peer.Seed(other.self)
			}
		}
	}

	ctx := context.Background()
	require.NoError(t, a.Put(ctx, MemoryKey("greeting"), []byte("hello network")))

	v, found, err := b.Get(ctx, MemoryKey("greeting"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello network", string(v))

	v, found, err = c.Get(ctx, MemoryKey("greeting"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello network", string(v))
}

func TestDHTGetMissingKey(t *testing.T) {
	n := newNetwork()
	a := newTestDHT(t, n, "solo")

	v, found, err := a.Get(context.Background(), MemoryKey("absent"))
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, v)
}

func TestDHTFindPeer(t *testing.T) {
	n := newNetwork()
	a := newTestDHT(t, n, "alpha")
	b := newTestDHT(t, n, "beta")
	a.Seed(b.self)

	c, found := a.FindPeer(context.Background(), "did:cis:beta")
	require.True(t, found)
	require.Equal(t, b.self.ID, c.ID)
}

func TestDHTProvideAndLookup(t *testing.T) {
	n := newNetwork()
	a := newTestDHT(t, n, "provider")
	b := newTestDHT(t, n, "seeker")
	a.Seed(b.self)
	b.Seed(a.self)

	ctx := context.Background()
	require.NoError(t, a.Provide(ctx, MemoryKey("resource-1")))

	providers, err := b.FindProviders(ctx, MemoryKey("resource-1"))
	require.NoError(t, err)
	require.Len(t, providers, 1)
	require.Equal(t, a.self.ID, providers[0].ID)
}

func TestRoutingTableUpsertAndClosestTo(t *testing.T) {
	self := NodeID("self")
	rt := NewRoutingTable(self)
	far := NodeID("a-completely-different-identifier")
	rt.Upsert(Contact{ID: far})
	require.Equal(t, 1, rt.Count())

	closest := rt.ClosestTo(far, 5)
	require.Len(t, closest, 1)
	require.Equal(t, far, closest[0].ID)
}

func TestLocalStoreExpiry(t *testing.T) {
	db, err := boltstore.Open(filepath.Join(t.TempDir(), "ttl.db"), storage.BucketDHT)
	require.NoError(t, err)
	defer db.Close()

	s := NewLocalStore(db, DefaultRecordTTL)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k1", []byte("v1")))

	v, err := s.Get("k1")
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	n, err := s.GCExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n) // fresh record, nothing expired yet
}
