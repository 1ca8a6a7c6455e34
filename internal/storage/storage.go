// Package storage wires the five logical databases named in the data
// model: node, memory, federation, protocol-events, protocol-social. Each is
// opened once at startup and shared by handle; node/federation/
// protocol-events/protocol-social use bbolt (internal/storage/boltstore),
// memory uses badger (internal/storage/badgerstore).
package storage

import (
	"path/filepath"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/storage/badgerstore"
	"github.com/cis-systems/cis-node/internal/storage/boltstore"
)

var (
	BucketIdentity = []byte("identity")
	BucketPeers    = []byte("peers")
	BucketConfig   = []byte("config")
	BucketDagRuns  = []byte("dag_runs")
	BucketDags     = []byte("dags")
	BucketDHT      = []byte("dht_records")
	BucketAgents   = []byte("agents")

	BucketACL   = []byte("acl")
	BucketTrust = []byte("trust")

	BucketEvents = []byte("events")

	BucketUsers   = []byte("users")
	BucketDevices = []byte("devices")
	BucketTokens  = []byte("tokens")
)

// Databases holds the opened handles for all five logical databases.
type Databases struct {
	Node             *boltstore.Store
	Memory           *badgerstore.Store
	Federation       *boltstore.Store
	ProtocolEvents   *boltstore.Store
	ProtocolSocial   *boltstore.Store
}

// Open opens all five databases under dataDir, creating it if absent.
func Open(dataDir string) (*Databases, error) {
	node, err := boltstore.Open(filepath.Join(dataDir, "node.db"), BucketIdentity, BucketPeers, BucketConfig, BucketDagRuns, BucketDags, BucketDHT, BucketAgents)
	if err != nil {
		return nil, err
	}
	memory, err := badgerstore.Open(filepath.Join(dataDir, "memory.db"))
	if err != nil {
		return nil, err
	}
	federation, err := boltstore.Open(filepath.Join(dataDir, "federation.db"), BucketACL, BucketTrust)
	if err != nil {
		return nil, err
	}
	events, err := boltstore.Open(filepath.Join(dataDir, "protocol-events.db"), BucketEvents)
	if err != nil {
		return nil, err
	}
	social, err := boltstore.Open(filepath.Join(dataDir, "protocol-social.db"), BucketUsers, BucketDevices, BucketTokens)
	if err != nil {
		return nil, err
	}

	return &Databases{
		Node:           node,
		Memory:         memory,
		Federation:     federation,
		ProtocolEvents: events,
		ProtocolSocial: social,
	}, nil
}

// Close closes every database, collecting (not stopping at) the first
// error so every handle gets a chance to flush.
func (d *Databases) Close() error {
	var firstErr error
	closers := []func() error{d.Node.Close, d.Memory.Close, d.Federation.Close, d.ProtocolEvents.Close, d.ProtocolSocial.Close}
	for _, c := range closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = errs.Wrap(errs.Storage, "close database", err)
		}
	}
	return firstErr
}
