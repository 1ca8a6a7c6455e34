package dht

import (
	"sync"
	"time"
)

// K is the maximum number of contacts held per bucket, and the default
// result-set size for closest-peers lookups.
const K = 20

// Alpha is the parallelism factor for iterative lookups.
const Alpha = 3

// Contact is a routable peer: its Kademlia ID, its DID (for ACL checks
// upstream), and the network addresses it was last seen at.
type Contact struct {
	ID        ID
	DID       string
	Addresses []string
	LastSeen  time.Time
}

type bucket struct {
	mu       sync.Mutex
	contacts []Contact // front = most recently seen
}

func (b *bucket) upsert(c Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			break
		}
	}
	b.contacts = append([]Contact{c}, b.contacts...)
	if len(b.contacts) > K {
		b.contacts = b.contacts[:K]
	}
}

func (b *bucket) remove(id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

func (b *bucket) snapshot() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Contact(nil), b.contacts...)
}

// RoutingTable is a node's view of the network, organized into 256
// XOR-distance buckets (one per bit of the ID space) each holding up to K
// contacts.
type RoutingTable struct {
	self    ID
	buckets [256]*bucket
}

func NewRoutingTable(self ID) *RoutingTable {
	rt := &RoutingTable{self: self}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

// Upsert records or refreshes a contact's position.
func (rt *RoutingTable) Upsert(c Contact) {
	idx := bucketIndex(Distance(rt.self, c.ID))
	if idx < 0 {
		return // self
	}
	rt.buckets[idx].upsert(c)
}

// Remove evicts a contact, e.g. after repeated unreachability.
func (rt *RoutingTable) Remove(id ID) {
	idx := bucketIndex(Distance(rt.self, id))
	if idx < 0 {
		return
	}
	rt.buckets[idx].remove(id)
}

// ClosestTo returns up to n contacts closest to target, sorted nearest
// first, chosen from a scan of every bucket.
func (rt *RoutingTable) ClosestTo(target ID, n int) []Contact {
	all := make([]Contact, 0, n*2)
	for _, b := range rt.buckets {
		all = append(all, b.snapshot()...)
	}
	sortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortByDistance(contacts []Contact, target ID) {
	for i := 1; i < len(contacts); i++ {
		for j := i; j > 0; j-- {
			di := Distance(contacts[j].ID, target)
			dj := Distance(contacts[j-1].ID, target)
			if Less(di, dj) {
				contacts[j], contacts[j-1] = contacts[j-1], contacts[j]
			} else {
				break
			}
		}
	}
}

// Count returns the total number of contacts across all buckets.
func (rt *RoutingTable) Count() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b.snapshot())
	}
	return n
}
