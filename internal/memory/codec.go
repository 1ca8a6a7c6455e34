package memory

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	mcrypto "github.com/cis-systems/cis-node/internal/memory/crypto"
)

// record is the on-disk shape for one entry. For Private entries, Value
// holds the sealed (nonce||ciphertext) bytes and KeyRecord carries the v2
// key envelope needed to re-derive the seal key; for Public entries Value
// is plaintext and KeyRecord is absent.
type record struct {
	Key       string          `json:"key"`
	Domain    Domain          `json:"domain"`
	Category  Category        `json:"category"`
	Value     []byte          `json:"value"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	Embedding []float32       `json:"embedding,omitempty"`
	SyncState SyncPendingState `json:"sync_state,omitempty"`
	Version   uint64          `json:"version"`
	KeyRecord *mcrypto.KeyRecord `json:"key_record,omitempty"`
}

func badgerKey(domain Domain, category Category, key string) []byte {
	return []byte(string(domain) + "\x00" + string(category) + "\x00" + key)
}

func badgerDomainPrefix(domain Domain) []byte {
	return []byte(string(domain) + "\x00")
}

func encodeRecord(r record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal memory record", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return r, errs.Wrap(errs.Storage, "unmarshal memory record", err)
	}
	return r, nil
}

func (r record) toEntry(plaintext []byte) Entry {
	return Entry{
		Key:       r.Key,
		Value:     plaintext,
		Domain:    r.Domain,
		Category:  r.Category,
		CreatedAt: time.Unix(0, r.CreatedAt),
		UpdatedAt: time.Unix(0, r.UpdatedAt),
		Embedding: r.Embedding,
		SyncState: r.SyncState,
		Version:   r.Version,
	}
}

func versionBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
