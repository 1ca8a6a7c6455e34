package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// Seal encrypts plaintext with key (from DeriveFromRecord/NewV2Record),
// returning nonce||ciphertext. additionalData (the memory store passes the
// entry's key) is bound into the AEAD tag so a ciphertext cannot be replayed
// under a different logical key.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "construct aead", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate nonce", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, additionalData)
	return append(nonce, ct...), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "construct aead", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errs.New(errs.Crypto, "ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "decrypt private entry", err)
	}
	return pt, nil
}
