// Package transport implements QUIC-over-UDP transport with a Noise XX
// handshake run inside the first bidirectional stream of every new
// connection, providing mutual authentication on top of QUIC's own
// (otherwise anonymous, since we use a self-signed ephemeral cert)
// transport-level TLS. Pattern XX over 25519_ChaChaPoly_BLAKE2s; three
// messages; static keys are the long-term X25519 keys derived from each
// node's Ed25519 identity seed.
package transport

import (
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// staticKey builds the Noise static keypair from the X25519 private key,
// deriving the public half that the XX pattern's s token transmits.
func staticKey(priv [32]byte) noise.DHKey {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return noise.DHKey{Private: priv[:], Public: pub[:]}
}

// HandshakeResult carries the authenticated remote static public key and
// the transport (send/recv) cipher states established by a completed
// Noise XX exchange.
type HandshakeResult struct {
	RemoteStatic []byte
	send, recv   *noise.CipherState
}

// runInitiator performs the initiator side of Noise XX: -> e, <- e, ee, s,
// es, -> s, se.
func runInitiator(rw io.ReadWriter, staticPriv [32]byte) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: staticKey(staticPriv),
	})
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "construct noise handshake state", err)
	}

	// -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "noise write message 1", err)
	}
	if err := writeFrame(rw, msg1); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	msg2, err := readFrame(rw)
	if err != nil {
		return nil, err
	}
	_, _, _, err = hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "noise read message 2", err)
	}

	// -> s, se
	msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "noise write message 3", err)
	}
	if err := writeFrame(rw, msg3); err != nil {
		return nil, err
	}

	return &HandshakeResult{RemoteStatic: hs.PeerStatic(), send: cs1, recv: cs2}, nil
}

// runResponder performs the responder side of Noise XX.
func runResponder(rw io.ReadWriter, staticPriv [32]byte) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: staticKey(staticPriv),
	})
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "construct noise handshake state", err)
	}

	// <- e
	msg1, err := readFrame(rw)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, errs.Wrap(errs.Crypto, "noise read message 1", err)
	}

	// -> e, ee, s, es
	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "noise write message 2", err)
	}
	if err := writeFrame(rw, msg2); err != nil {
		return nil, err
	}

	// <- s, se
	msg3, err := readFrame(rw)
	if err != nil {
		return nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "noise read message 3", err)
	}

	return &HandshakeResult{RemoteStatic: hs.PeerStatic(), send: cs2, recv: cs1}, nil
}
