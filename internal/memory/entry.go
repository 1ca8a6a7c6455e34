// Package memory implements the dual-domain memory store: a key/value store
// split into a locally encrypted Private domain and a synchronizable Public
// domain, each with a vector index and hybrid (vector + lexical) search.
package memory

import "time"

// Domain partitions memory entries.
type Domain string

const (
	Private Domain = "private"
	Public  Domain = "public"
)

// Category enumerates the kinds of memory content a caller may opt into
// semantic indexing for.
type Category string

const (
	CategoryContext      Category = "context"
	CategoryPreference   Category = "preference"
	CategoryProject      Category = "project"
	CategoryConversation Category = "conversation"
	CategoryOther        Category = "other"
)

// semanticCategories opt into vector indexing; CategoryOther is excluded by
// default (callers may still force indexing via SetOptions.Semantic).
var semanticCategories = map[Category]bool{
	CategoryContext:      true,
	CategoryPreference:   true,
	CategoryProject:      true,
	CategoryConversation: true,
}

// SyncPendingState describes a Public entry's synchronization state.
type SyncPendingState string

const (
	SyncLocalOnly SyncPendingState = "local_only"
	SyncPending   SyncPendingState = "pending"
	SyncSynced    SyncPendingState = "synced"
)

// Entry is a single memory record. Value is always the plaintext/decrypted
// application bytes in memory; on disk, Private entries are only ever
// present as ciphertext (see internal/memory/crypto).
type Entry struct {
	Key       string
	Value     []byte
	Domain    Domain
	Category  Category
	CreatedAt time.Time
	UpdatedAt time.Time
	Embedding []float32
	SyncState SyncPendingState
	Version   uint64
}

// SyncMarker tracks which peers still need to acknowledge a Public write.
type SyncMarker struct {
	Key             string
	PeerSetPending  []string
	LastAttemptAt   time.Time
	Version         uint64
}

// SetOptions customizes a Set call.
type SetOptions struct {
	// Semantic forces or suppresses vector indexing regardless of the
	// category default.
	Semantic *bool
}

func wantsSemanticIndex(cat Category, opts SetOptions) bool {
	if opts.Semantic != nil {
		return *opts.Semantic
	}
	return semanticCategories[cat]
}

// SearchOptions filters an exact/prefix/tag Search call.
type SearchOptions struct {
	Domain      Domain // empty = both
	Category    Category // empty = any
	KeyPrefix   string
	Limit       int
}

// ScoredEntry pairs an Entry with a similarity or blended score.
type ScoredEntry struct {
	Entry Entry
	Score float64
}
