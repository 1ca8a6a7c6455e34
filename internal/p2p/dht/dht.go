package dht

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// RPC is the network-facing half of the DHT: the peer manager implements
// this against live transport connections, keeping this package free of
// any dependency on the transport/connection-pooling layer.
type RPC interface {
	Ping(ctx context.Context, to Contact) error
	FindNode(ctx context.Context, to Contact, target ID) ([]Contact, error)
	FindValue(ctx context.Context, to Contact, key string) (value []byte, closer []Contact, found bool, err error)
	StoreAt(ctx context.Context, to Contact, key string, value []byte) error
}

// DHT is a single node's participation in the network: a routing table, a
// local record store for keys this node is responsible for, and an RPC
// client for reaching other nodes.
type DHT struct {
	self  Contact
	rt    *RoutingTable
	local *LocalStore
	rpc   RPC

	mu        sync.Mutex
	providers map[string][]Contact // KeyID(hex) -> provider contacts, advisory cache
}

func New(self Contact, local *LocalStore, rpc RPC) *DHT {
	return &DHT{
		self:      self,
		rt:        NewRoutingTable(self.ID),
		local:     local,
		rpc:       rpc,
		providers: make(map[string][]Contact),
	}
}

// Seed adds bootstrap or discovered contacts to the routing table without
// performing a lookup.
func (d *DHT) Seed(contacts ...Contact) {
	for _, c := range contacts {
		d.rt.Upsert(c)
	}
}

// MemoryKey namespaces a public memory entry's key for DHT storage, used by
// the memory package when syncing a Public entry to the network.
func MemoryKey(k string) string { return "/cis/memory/public/" + k }

func namespacedNodeKey(id string) string    { return "/cis/node/" + id }
func namespacedDIDKey(did string) string    { return "/cis/did/" + did }
func namespacedProviderKey(k string) string { return "/cis/providers/" + k }

// Put stores value under key on this node and on the up-to-K closest
// peers to KeyID(key) that an iterative FIND_NODE lookup returns.
func (d *DHT) Put(ctx context.Context, key string, value []byte) error {
	if err := d.local.Put(ctx, key, value); err != nil {
		return err
	}
	target := KeyID(key)
	closest := d.iterativeFindNode(ctx, target)
	for _, c := range closest {
		if c.ID == d.self.ID {
			continue
		}
		if err := d.rpc.StoreAt(ctx, c, key, value); err != nil {
			continue // best-effort replication; a single unreachable peer is not fatal
		}
	}
	return nil
}

// Get resolves key, preferring the local copy, falling back to an
// iterative FIND_VALUE lookup across the network.
func (d *DHT) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, err := d.local.Get(key); err == nil {
		return v, true, nil
	} else if !errs.IsKind(err, errs.NotFound) {
		return nil, false, err
	}
	v, found := d.iterativeFindValue(ctx, key)
	return v, found, nil
}

// Announce publishes this node's own contact record under its namespaced
// node and DID keys, so other nodes can resolve it via FindPeer even
// without a converged routing table.
func (d *DHT) Announce(ctx context.Context) error {
	raw, err := json.Marshal(d.self)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal self contact", err)
	}
	if err := d.Put(ctx, namespacedNodeKey(hex.EncodeToString(d.self.ID[:])), raw); err != nil {
		return err
	}
	return d.Put(ctx, namespacedDIDKey(d.self.DID), raw)
}

// FindPeer resolves a DID to its current network contact: first by
// fetching its published record (authoritative addresses), falling back
// to a routing-table lookup by the DID's derived ID if no record is
// stored anywhere reachable.
func (d *DHT) FindPeer(ctx context.Context, did string) (Contact, bool) {
	if raw, found, err := d.Get(ctx, namespacedDIDKey(did)); err == nil && found {
		var c Contact
		if json.Unmarshal(raw, &c) == nil {
			return c, true
		}
	}
	target := NodeID(did)
	closest := d.iterativeFindNode(ctx, target)
	for _, c := range closest {
		if c.ID == target {
			return c, true
		}
	}
	return Contact{}, false
}

// Provide announces that this node holds key, storing a provider record
// under the namespaced provider key and caching itself locally.
func (d *DHT) Provide(ctx context.Context, key string) error {
	raw, err := json.Marshal(d.self)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal provider contact", err)
	}
	if err := d.Put(ctx, namespacedProviderKey(key), raw); err != nil {
		return err
	}
	d.mu.Lock()
	d.providers[key] = append(d.providers[key], d.self)
	d.mu.Unlock()
	return nil
}

// FindProviders resolves which contacts have Provide'd key, preferring the
// local cache populated by prior Provide/FindProviders calls.
func (d *DHT) FindProviders(ctx context.Context, key string) ([]Contact, error) {
	d.mu.Lock()
	if cached, ok := d.providers[key]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	raw, found, err := d.Get(ctx, namespacedProviderKey(key))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var c Contact
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal provider contact", err)
	}
	d.mu.Lock()
	d.providers[key] = []Contact{c}
	d.mu.Unlock()
	return []Contact{c}, nil
}

// ClosestPeers returns up to K contacts nearest to key's ID, from the
// local routing table (no network round trip).
func (d *DHT) ClosestPeers(key string) []Contact {
	return d.ClosestToID(KeyID(key), K)
}

// ClosestToID is ClosestPeers for a raw ID rather than a string key, used
// directly by an RPC server answering a remote FIND_NODE.
func (d *DHT) ClosestToID(target ID, n int) []Contact {
	return d.rt.ClosestTo(target, n)
}

// Lookup answers a remote FIND_VALUE locally: the value if this node holds
// it, or its closest known contacts otherwise. It never issues network
// calls itself — iterativeFindValue is what drives the multi-hop search.
func (d *DHT) Lookup(key string) (value []byte, found bool, closest []Contact) {
	if v, err := d.local.Get(key); err == nil {
		return v, true, nil
	}
	return nil, false, d.ClosestPeers(key)
}

// StoreLocal records value under key in this node's own local store,
// answering a remote STORE request.
func (d *DHT) StoreLocal(ctx context.Context, key string, value []byte) error {
	return d.local.Put(ctx, key, value)
}

// Self returns this node's own contact record.
func (d *DHT) Self() Contact { return d.self }

// iterativeFindNode runs the standard Kademlia iterative lookup: query the
// alpha closest known contacts in parallel, merge newly learned contacts,
// and repeat until no closer contact is found.
func (d *DHT) iterativeFindNode(ctx context.Context, target ID) []Contact {
	shortlist := d.rt.ClosestTo(target, K)
	queried := make(map[ID]bool)
	var mu sync.Mutex

	for {
		candidates := pickUnqueried(shortlist, queried, Alpha)
		if len(candidates) == 0 {
			break
		}
		var wg sync.WaitGroup
		improved := false
		for _, c := range candidates {
			mu.Lock()
			queried[c.ID] = true
			mu.Unlock()
			wg.Add(1)
			go func(c Contact) {
				defer wg.Done()
				qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				found, err := d.rpc.FindNode(qctx, c, target)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, f := range found {
					if f.ID == d.self.ID {
						continue
					}
					d.rt.Upsert(f)
					if !containsID(shortlist, f.ID) {
						shortlist = append(shortlist, f)
						improved = true
					}
				}
			}(c)
		}
		wg.Wait()
		sortByDistance(shortlist, target)
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
		if !improved {
			break
		}
	}
	return shortlist
}

// iterativeFindValue mirrors iterativeFindNode but stops as soon as any
// queried peer returns the value directly.
func (d *DHT) iterativeFindValue(ctx context.Context, key string) ([]byte, bool) {
	target := KeyID(key)
	shortlist := d.rt.ClosestTo(target, K)
	queried := make(map[ID]bool)
	var mu sync.Mutex

	for {
		candidates := pickUnqueried(shortlist, queried, Alpha)
		if len(candidates) == 0 {
			return nil, false
		}
		type hit struct {
			value []byte
			ok    bool
		}
		results := make(chan hit, len(candidates))
		for _, c := range candidates {
			mu.Lock()
			queried[c.ID] = true
			mu.Unlock()
			go func(c Contact) {
				qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				value, closer, found, err := d.rpc.FindValue(qctx, c, key)
				if err != nil {
					results <- hit{}
					return
				}
				if found {
					results <- hit{value: value, ok: true}
					return
				}
				mu.Lock()
				for _, f := range closer {
					if f.ID == d.self.ID {
						continue
					}
					d.rt.Upsert(f)
					if !containsID(shortlist, f.ID) {
						shortlist = append(shortlist, f)
					}
				}
				mu.Unlock()
				results <- hit{}
			}(c)
		}
		var found *hit
		for range candidates {
			h := <-results
			if h.ok && found == nil {
				found = &h
			}
		}
		if found != nil {
			return found.value, true
		}
		sortByDistance(shortlist, target)
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
	}
}

func pickUnqueried(contacts []Contact, queried map[ID]bool, n int) []Contact {
	out := make([]Contact, 0, n)
	for _, c := range contacts {
		if queried[c.ID] {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}

func containsID(contacts []Contact, id ID) bool {
	for _, c := range contacts {
		if c.ID == id {
			return true
		}
	}
	return false
}

// RoutingTableSize reports the number of known contacts, a basic health
// signal for the runtime.
func (d *DHT) RoutingTableSize() int { return d.rt.Count() }
