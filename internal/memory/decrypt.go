package memory

import (
	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/memory/crypto"
)

func decryptKeyFor(s *Store, rec record) ([]byte, error) {
	if rec.KeyRecord == nil {
		return nil, errs.New(errs.Crypto, "private entry missing key record")
	}
	return crypto.DeriveFromRecord(s.secret, *rec.KeyRecord)
}

func openEntry(dek []byte, rec record, storageKey []byte) ([]byte, error) {
	return crypto.Open(dek, rec.Value, []byte(rec.Key))
}
