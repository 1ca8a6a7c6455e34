package memory

import (
	"context"
	"encoding/json"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// publicSnapshotEntry is one element of an export_public/import_public
// payload: exactly the (key, value, category, updated_at) tuple the
// round-trip property requires — Private entries are never visited by this
// path, satisfying "Private entries never appear in any sync output."
type publicSnapshotEntry struct {
	Key       string   `json:"key"`
	Value     []byte   `json:"value"`
	Category  Category `json:"category"`
	UpdatedAt int64    `json:"updated_at"`
}

// ExportPublic snapshots every Public entry as JSON.
func (s *Store) ExportPublic() ([]byte, error) {
	entries, err := s.Search(SearchOptions{Domain: Public})
	if err != nil {
		return nil, err
	}
	snap := make([]publicSnapshotEntry, 0, len(entries))
	for _, e := range entries {
		snap = append(snap, publicSnapshotEntry{Key: e.Key, Value: e.Value, Category: e.Category, UpdatedAt: e.UpdatedAt.UnixNano()})
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal public snapshot", err)
	}
	return data, nil
}

// ImportPublic re-applies a snapshot produced by ExportPublic into the
// current node (typically an empty node), reproducing the same set of
// (key, value, category) triples.
func (s *Store) ImportPublic(ctx context.Context, data []byte) error {
	var snap []publicSnapshotEntry
	if err := json.Unmarshal(data, &snap); err != nil {
		return errs.Wrap(errs.Validation, "parse public snapshot", err)
	}
	for _, e := range snap {
		if err := s.Set(ctx, e.Key, e.Value, Public, e.Category, SetOptions{}); err != nil {
			return err
		}
	}
	return nil
}
