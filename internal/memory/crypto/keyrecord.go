// Package crypto implements Private-domain at-rest encryption: ChaCha20-
// Poly1305 with a data-encryption key derived from the node's identity key
// via Argon2id with a per-entry random salt, stored in a versioned key
// record (v2) alongside an HMAC-SHA256 integrity tag. Legacy v1 records
// (fixed salt) are readable but rewritten to v2 only on next modification —
// reads stay side-effect-free.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

const (
	magicV2       uint32 = 0x43495332 // "CIS2"
	keyRecordV2   byte   = 2
	keyRecordV1   byte   = 1
	saltLen              = 16
	derivedKeyLen         = chacha20poly1305.KeySize

	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// KeyRecord is the versioned, HMAC-protected envelope persisted inside each
// Private entry's memory record, wrapped as JSON with base64 fields. No
// separate key file is written.
type KeyRecord struct {
	Version byte   `json:"version"`
	Salt    []byte `json:"salt"`
	Payload []byte `json:"payload"` // for v1: empty, key derived directly; for v2: reserved bytes
	MAC     []byte `json:"mac"`
}

// masterSecret is the node's identity-derived entropy source (the X25519
// private scalar, or any 32-byte secret the caller supplies); Argon2id
// mixes it with the per-entry/per-record salt.
type masterSecret = [32]byte

// deriveKey runs Argon2id over secret+salt to produce a ChaCha20-Poly1305
// key, matching the v2 key record format: magic | version | salt-len(u16) |
// salt | key-len(u16) | derived-key-material | reserved(8) | HMAC-SHA256.
func deriveKey(secret masterSecret, salt []byte) []byte {
	return argon2.IDKey(secret[:], salt, argonTime, argonMemory, argonThreads, derivedKeyLen)
}

// NewV2Record derives a fresh per-entry salt, computes the derived key, and
// returns the versioned record plus the raw key to use for this entry's
// ChaCha20-Poly1305 seal/open.
func NewV2Record(secret masterSecret) (rec KeyRecord, key []byte, err error) {
	salt := make([]byte, saltLen)
	if _, rerr := rand.Read(salt); rerr != nil {
		return rec, nil, errs.Wrap(errs.Crypto, "generate salt", rerr)
	}
	key = deriveKey(secret, salt)
	reserved := make([]byte, 8)

	mac := computeMAC(secret, keyRecordV2, salt, reserved)
	return KeyRecord{Version: keyRecordV2, Salt: salt, Payload: reserved, MAC: mac}, key, nil
}

// DeriveFromRecord recomputes the data-encryption key for an existing
// record (v1 or v2), verifying its HMAC first.
func DeriveFromRecord(secret masterSecret, rec KeyRecord) ([]byte, error) {
	expected := computeMAC(secret, rec.Version, rec.Salt, rec.Payload)
	if !hmac.Equal(expected, rec.MAC) {
		return nil, errs.New(errs.Crypto, "key record integrity check failed")
	}
	return deriveKey(secret, rec.Salt), nil
}

func computeMAC(secret masterSecret, version byte, salt, reserved []byte) []byte {
	h := hmac.New(sha256.New, secret[:])
	h.Write([]byte{version})
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(salt)))
	h.Write(lenBuf[:])
	h.Write(salt)
	binary.BigEndian.PutUint16(lenBuf[:], uint16(derivedKeyLen))
	h.Write(lenBuf[:])
	h.Write(reserved)
	return h.Sum(nil)
}

// MarshalJSON wraps the record for on-disk storage: magic + version byte
// prepended, base64-encoded fields, matching the §6 "Key record format v2"
// wire shape.
func (r KeyRecord) MarshalJSON() ([]byte, error) {
	type wire struct {
		Magic   uint32 `json:"magic"`
		Version byte   `json:"version"`
		Salt    string `json:"salt_b64"`
		Payload string `json:"payload_b64"`
		MAC     string `json:"mac_b64"`
	}
	w := wire{
		Magic:   magicV2,
		Version: r.Version,
		Salt:    base64.StdEncoding.EncodeToString(r.Salt),
		Payload: base64.StdEncoding.EncodeToString(r.Payload),
		MAC:     base64.StdEncoding.EncodeToString(r.MAC),
	}
	return json.Marshal(w)
}

func (r *KeyRecord) UnmarshalJSON(data []byte) error {
	type wire struct {
		Magic   uint32 `json:"magic"`
		Version byte   `json:"version"`
		Salt    string `json:"salt_b64"`
		Payload string `json:"payload_b64"`
		MAC     string `json:"mac_b64"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil {
		return err
	}
	payload, err := base64.StdEncoding.DecodeString(w.Payload)
	if err != nil {
		return err
	}
	mac, err := base64.StdEncoding.DecodeString(w.MAC)
	if err != nil {
		return err
	}
	r.Version = w.Version
	r.Salt = salt
	r.Payload = payload
	r.MAC = mac
	return nil
}

// IsLegacy reports whether rec uses the v1 (fixed-salt) format.
func (r KeyRecord) IsLegacy() bool { return r.Version == keyRecordV1 }
