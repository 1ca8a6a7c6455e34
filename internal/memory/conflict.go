package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Conflict is surfaced when a remote Public update cannot be applied
// without human/merger input.
type Conflict struct {
	ConflictID string
	Key        string
	Local      Entry
	Remote     RemoteUpdate
	DetectedAt time.Time
}

// RemoteUpdate is a Public entry update arriving from a peer.
type RemoteUpdate struct {
	Key       string
	Value     []byte
	Category  Category
	Version   uint64
	UpdatedAt time.Time
}

// Resolution selects how a Conflict is settled.
type Resolution string

const (
	KeepLocal  Resolution = "keep_local"
	KeepRemote Resolution = "keep_remote"
	KeepBoth   Resolution = "keep_both"
)

// Merger delegates conflict resolution to an external merge function when
// neither KeepLocal/KeepRemote/KeepBoth applies.
type Merger interface {
	Merge(local Entry, remote RemoteUpdate) ([]byte, error)
}

// ApplyRemoteUpdate compares (key, version, updated_at) against the local
// record: if unchanged since last sync, it accepts the remote update
// directly; otherwise it returns a Conflict for the caller to resolve.
func (s *Store) ApplyRemoteUpdate(ctx context.Context, update RemoteUpdate) (*Conflict, error) {
	local, found, err := s.Get(Public, update.Category, update.Key)
	if err != nil {
		return nil, err
	}
	if !found || (local.Version <= update.Version && !local.UpdatedAt.After(update.UpdatedAt)) {
		if err := s.Set(ctx, update.Key, update.Value, Public, update.Category, SetOptions{}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Conflict{
		ConflictID: uuid.NewString(),
		Key:        update.Key,
		Local:      local,
		Remote:     update,
		DetectedAt: time.Now(),
	}, nil
}

// ResolveConflict applies a chosen Resolution. KeepBoth renames the remote
// entry by appending its conflict id to the key so both copies survive.
func (s *Store) ResolveConflict(ctx context.Context, c Conflict, resolution Resolution, merger Merger) error {
	switch resolution {
	case KeepLocal:
		return nil
	case KeepRemote:
		return s.Set(ctx, c.Key, c.Remote.Value, Public, c.Remote.Category, SetOptions{})
	case KeepBoth:
		renamedKey := c.Key + "~conflict-" + c.ConflictID
		return s.Set(ctx, renamedKey, c.Remote.Value, Public, c.Remote.Category, SetOptions{})
	default:
		if merger == nil {
			return nil
		}
		merged, err := merger.Merge(c.Local, c.Remote)
		if err != nil {
			return err
		}
		return s.Set(ctx, c.Key, merged, Public, c.Remote.Category, SetOptions{})
	}
}
