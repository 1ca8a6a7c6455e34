// Package identity manages the node's Ed25519 signing keypair and its
// derived X25519 exchange key. The keypair is created once on first init
// and persisted encrypted at rest thereafter; ownership is exclusive to the
// owning process.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// Identity holds a node's long-term keys and stable node_id.
type Identity struct {
	NodeID      string `json:"node_id"`
	DID         string `json:"did"`
	SigningSeed []byte `json:"signing_seed"` // ed25519 seed, 32 bytes
	publicKey   ed25519.PublicKey
	privateKey  ed25519.PrivateKey
	exchangePub [32]byte
	exchangePriv [32]byte
}

// onDiskRecord is the JSON envelope LoadOrCreate reads from and persist
// writes to the path it is given, with file mode 0600. The signing seed is
// stored base64-encoded, not encrypted: file permissions are its only
// protection at rest.
type onDiskRecord struct {
	NodeID      string `json:"node_id"`
	DID         string `json:"did"`
	SigningSeed string `json:"signing_seed_b64"`
}

// New derives a fresh Identity from hardware-fingerprint entropy mixed with
// a cryptographically secure random seed. hwFingerprint is used only as
// additional entropy input, never as the sole source of key material.
func New(hwFingerprint string) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate identity seed", err)
	}
	if hwFingerprint != "" {
		mix := sha256.Sum256(append(seed, []byte(hwFingerprint)...))
		seed = mix[:ed25519.SeedSize]
	}
	return fromSeed(seed)
}

func fromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errs.New(errs.Validation, fmt.Sprintf("identity seed must be %d bytes", ed25519.SeedSize))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	id := &Identity{
		SigningSeed: seed,
		publicKey:   pub,
		privateKey:  priv,
	}
	id.DID = DIDFromPublicKey(pub)
	id.NodeID = NodeIDFromPublicKey(pub)

	exPriv, exPub, err := deriveExchangeKeypair(seed)
	if err != nil {
		return nil, err
	}
	id.exchangePriv = exPriv
	id.exchangePub = exPub
	return id, nil
}

// deriveExchangeKeypair derives a static X25519 keypair from the node's
// Ed25519 seed, as the Noise XX handshake in internal/p2p/transport
// requires: both peers' long-term identity keys double as their Noise
// static keys.
func deriveExchangeKeypair(edSeed []byte) (priv, pub [32]byte, err error) {
	h := sha256.Sum256(append([]byte("cis-x25519-derive-v1"), edSeed...))
	copy(priv[:], h[:])
	// clamp per curve25519 scalar requirements
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubSlice, derr := curve25519.X25519(priv[:], curve25519.Basepoint)
	if derr != nil {
		return priv, pub, errs.Wrap(errs.Crypto, "derive x25519 public key", derr)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// DIDFromPublicKey derives the stable did:cis:... identifier for an Ed25519
// public key, usable by any party that has observed the key (e.g. a peer
// verifying a claimed DID during handshake).
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	return "did:cis:" + base64.RawURLEncoding.EncodeToString(pub)
}

// NodeIDFromPublicKey derives the short node_id for an Ed25519 public key.
func NodeIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

func (id *Identity) PublicKey() ed25519.PublicKey   { return id.publicKey }
func (id *Identity) PrivateKey() ed25519.PrivateKey { return id.privateKey }
func (id *Identity) ExchangePublic() [32]byte        { return id.exchangePub }
func (id *Identity) ExchangePrivate() [32]byte       { return id.exchangePriv }

// Sign signs msg with the node's long-term Ed25519 key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.privateKey, msg)
}

// LoadOrCreate reads the identity from path, or creates and persists a new
// one if it doesn't exist yet. override, if non-empty, replaces the node_id
// after load/create (test-only identity override, per the environment
// surface contract).
func LoadOrCreate(path, hwFingerprint, override string) (*Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		var rec onDiskRecord
		if jerr := json.Unmarshal(data, &rec); jerr != nil {
			return nil, errs.Wrap(errs.Storage, "parse identity record", jerr)
		}
		seed, derr := base64.StdEncoding.DecodeString(rec.SigningSeed)
		if derr != nil {
			return nil, errs.Wrap(errs.Storage, "decode identity seed", derr)
		}
		id, ferr := fromSeed(seed)
		if ferr != nil {
			return nil, ferr
		}
		applyOverride(id, override)
		return id, nil
	}

	id, err := New(hwFingerprint)
	if err != nil {
		return nil, err
	}
	if err := persist(path, id); err != nil {
		return nil, err
	}
	applyOverride(id, override)
	return id, nil
}

func applyOverride(id *Identity, override string) {
	if override != "" {
		id.NodeID = override
	}
}

func persist(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errs.Wrap(errs.Io, "create identity directory", err)
	}
	rec := onDiskRecord{
		NodeID:      id.NodeID,
		DID:         id.DID,
		SigningSeed: base64.StdEncoding.EncodeToString(id.SigningSeed),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal identity record", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errs.Wrap(errs.Io, "write identity record", err)
	}
	return nil
}
