// Package dht implements a Kademlia-style distributed hash table over the
// node's own static identifiers: every node and every stored key maps into
// a 256-bit ID space (sha256 digest), routed through XOR-distance buckets,
// with iterative lookups bounded by a parallelism factor alpha.
package dht

import (
	"crypto/sha256"
)

// ID is a point in the 256-bit Kademlia key space.
type ID [32]byte

// NodeID hashes a node identifier (DID or raw node_id string) into the
// Kademlia ID space.
func NodeID(s string) ID {
	return sha256.Sum256([]byte(s))
}

// KeyID hashes a namespaced DHT key (e.g. "/cis/memory/public/<k>") into
// the Kademlia ID space.
func KeyID(key string) ID {
	return sha256.Sum256([]byte(key))
}

// Distance returns the XOR distance between a and b.
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance a is strictly closer (smaller) than b,
// comparing as a big-endian unsigned integer.
func Less(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// bucketIndex returns which of the 256 routing-table buckets a given
// distance falls into: the index of its most significant set bit, so bucket
// 0 holds the nearest neighbors of self (distance 1) and bucket 255 the
// furthest (top bit set). Zero distance (self) has no bucket and returns -1.
func bucketIndex(d ID) int {
	for i := 0; i < len(d); i++ {
		if d[i] == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if d[i]&(1<<uint(bit)) != 0 {
				return (len(d)-1-i)*8 + bit
			}
		}
	}
	return -1
}
