package peermanager

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/p2p/dht"
	"github.com/cis-systems/cis-node/internal/p2p/transport"
)

// rpcRequest/rpcResponse are the wire messages for DHT RPCs, each carried
// on its own QUIC stream opened for the single request/response pair.
type rpcRequest struct {
	Type   string `json:"type"` // ping | find_node | find_value | store
	Target string `json:"target,omitempty"` // hex-encoded dht.ID, for find_node
	Key    string `json:"key,omitempty"`
	Value  []byte `json:"value,omitempty"`
}

type rpcResponse struct {
	Contacts []dht.Contact `json:"contacts,omitempty"`
	Value    []byte        `json:"value,omitempty"`
	Found    bool          `json:"found"`
	Error    string        `json:"error,omitempty"`
}

const rpcTimeout = 5 * time.Second

// SetDHT wires the local DHT instance this Manager serves remote RPCs
// against. Must be called before Serve's accept loop starts handling
// connections.
func (m *Manager) SetDHT(d *dht.DHT) { m.dht = d }

func (m *Manager) callRPC(ctx context.Context, to dht.Contact, req rpcRequest) (rpcResponse, error) {
	breaker := m.rpcBreaker(to.DID)
	if !breaker.Allow() {
		return rpcResponse{}, errs.New(errs.Network, "dht rpc circuit open", errs.F("did", to.DID))
	}

	resp, err := m.doCallRPC(ctx, to, req)
	breaker.RecordResult(err == nil)
	return resp, err
}

func (m *Manager) doCallRPC(ctx context.Context, to dht.Contact, req rpcRequest) (rpcResponse, error) {
	pc, ok := m.byID(to.ID)
	if !ok {
		if len(to.Addresses) == 0 {
			return rpcResponse{}, errs.New(errs.NotFound, "peer not connected and no known address")
		}
		if _, err := m.Connect(ctx, to.Addresses[0]); err != nil {
			return rpcResponse{}, err
		}
		pc, ok = m.byID(to.ID)
		if !ok {
			return rpcResponse{}, errs.New(errs.Internal, "peer registered under unexpected id")
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	stream, err := pc.conn.OpenStream(reqCtx)
	if err != nil {
		return rpcResponse{}, err
	}
	defer stream.Close()

	raw, err := marshalRPC(req)
	if err != nil {
		return rpcResponse{}, err
	}
	if err := transport.WriteFrame(stream, raw); err != nil {
		return rpcResponse{}, err
	}
	respRaw, err := transport.ReadFrame(stream)
	if err != nil {
		return rpcResponse{}, errs.Wrap(errs.Network, "read rpc response", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return rpcResponse{}, errs.Wrap(errs.Protocol, "unmarshal rpc response", err)
	}
	if resp.Error != "" {
		return rpcResponse{}, errs.New(errs.Protocol, resp.Error)
	}
	return resp, nil
}

func (m *Manager) Ping(ctx context.Context, to dht.Contact) error {
	_, err := m.callRPC(ctx, to, rpcRequest{Type: "ping"})
	return err
}

func (m *Manager) FindNode(ctx context.Context, to dht.Contact, target dht.ID) ([]dht.Contact, error) {
	resp, err := m.callRPC(ctx, to, rpcRequest{Type: "find_node", Target: hex.EncodeToString(target[:])})
	if err != nil {
		return nil, err
	}
	return resp.Contacts, nil
}

func (m *Manager) FindValue(ctx context.Context, to dht.Contact, key string) ([]byte, []dht.Contact, bool, error) {
	resp, err := m.callRPC(ctx, to, rpcRequest{Type: "find_value", Key: key})
	if err != nil {
		return nil, nil, false, err
	}
	return resp.Value, resp.Contacts, resp.Found, nil
}

func (m *Manager) StoreAt(ctx context.Context, to dht.Contact, key string, value []byte) error {
	_, err := m.callRPC(ctx, to, rpcRequest{Type: "store", Key: key, Value: value})
	return err
}

// serveStreams accepts additional (non-handshake) QUIC streams on pc's
// connection and answers each as a single DHT RPC request/response.
func (m *Manager) serveStreams(ctx context.Context, pc *peerConn) {
	for {
		stream, err := pc.conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go m.handleRPCStream(stream)
	}
}

func (m *Manager) handleRPCStream(stream *quic.Stream) {
	defer stream.Close()
	raw, err := transport.ReadFrame(stream)
	if err != nil {
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	resp := m.dispatchRPC(req)
	respRaw, err := marshalRPC(resp)
	if err != nil {
		return
	}
	_ = transport.WriteFrame(stream, respRaw)
}

func (m *Manager) dispatchRPC(req rpcRequest) rpcResponse {
	if m.dht == nil {
		return rpcResponse{Error: "dht not ready"}
	}
	switch req.Type {
	case "ping":
		return rpcResponse{Found: true}
	case "find_node":
		targetBytes, err := hex.DecodeString(req.Target)
		if err != nil || len(targetBytes) != len(dht.ID{}) {
			return rpcResponse{Error: "malformed target id"}
		}
		var target dht.ID
		copy(target[:], targetBytes)
		return rpcResponse{Contacts: m.dht.ClosestToID(target, dht.K)}
	case "find_value":
		value, found, closest := m.dht.Lookup(req.Key)
		return rpcResponse{Value: value, Found: found, Contacts: closest}
	case "store":
		if err := m.dht.StoreLocal(context.Background(), req.Key, req.Value); err != nil {
			return rpcResponse{Error: err.Error()}
		}
		return rpcResponse{Found: true}
	default:
		return rpcResponse{Error: "unknown rpc type"}
	}
}
