package peermanager

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/identity"
	"github.com/cis-systems/cis-node/internal/p2p/transport"
)

// hello is exchanged as the first application frame on every connection,
// immediately after the Noise XX handshake completes. The Noise static key
// authenticates "this connection belongs to whoever holds this X25519
// key"; hello additionally binds that connection to a DID by proving
// ownership of the corresponding Ed25519 signing key, which is what the
// ACL and DHT layers actually key on.
type hello struct {
	NodeID    string `json:"node_id"`
	DID       string `json:"did"`
	EdPubKey  []byte `json:"ed_pub_key"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

func buildHello(id *identity.Identity) (hello, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return hello{}, errs.Wrap(errs.Crypto, "generate hello nonce", err)
	}
	sig := id.Sign(nonce)
	return hello{
		NodeID:    id.NodeID,
		DID:       id.DID,
		EdPubKey:  id.PublicKey(),
		Nonce:     nonce,
		Signature: sig,
	}, nil
}

// verify checks the hello's internal consistency: the signature matches
// the claimed Ed25519 key, and the claimed DID/NodeID are actually derived
// from that key (a peer cannot claim someone else's DID).
func (h hello) verify() error {
	if len(h.EdPubKey) != ed25519.PublicKeySize {
		return errs.New(errs.Protocol, "hello: malformed ed25519 public key")
	}
	if !ed25519.Verify(h.EdPubKey, h.Nonce, h.Signature) {
		return errs.New(errs.Auth, "hello: signature does not match claimed public key")
	}
	if h.DID != identity.DIDFromPublicKey(h.EdPubKey) {
		return errs.New(errs.Auth, "hello: claimed DID does not match public key")
	}
	if h.NodeID != identity.NodeIDFromPublicKey(h.EdPubKey) {
		return errs.New(errs.Auth, "hello: claimed node_id does not match public key")
	}
	return nil
}

// exchangeHello sends our hello and reads the remote's, in a fixed order so
// both sides agree who writes first (the Noise initiator writes first).
func exchangeHello(conn *transport.Conn, self hello, weGoFirst bool) (hello, error) {
	raw, err := json.Marshal(self)
	if err != nil {
		return hello{}, errs.Wrap(errs.Internal, "marshal hello", err)
	}

	if weGoFirst {
		if err := conn.SendFrame(raw); err != nil {
			return hello{}, err
		}
	}

	peerRaw, err := conn.RecvFrame()
	if err != nil {
		return hello{}, err
	}
	var peer hello
	if err := json.Unmarshal(peerRaw, &peer); err != nil {
		return hello{}, errs.Wrap(errs.Protocol, "unmarshal peer hello", err)
	}
	if err := peer.verify(); err != nil {
		return hello{}, err
	}

	if !weGoFirst {
		if err := conn.SendFrame(raw); err != nil {
			return hello{}, err
		}
	}
	return peer, nil
}
