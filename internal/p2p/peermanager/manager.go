// Package peermanager owns the set of live peer connections: dialing and
// accepting QUIC+Noise connections, gating them against the ACL once a
// peer's DID is established, and exposing the send/broadcast/connect
// surface the rest of the node uses to talk to the network. It also
// implements dht.RPC, routing DHT lookups over the same connections.
package peermanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/corelib/resilience"
	"github.com/cis-systems/cis-node/internal/identity"
	"github.com/cis-systems/cis-node/internal/p2p/acl"
	"github.com/cis-systems/cis-node/internal/p2p/dht"
	"github.com/cis-systems/cis-node/internal/p2p/transport"
)

// sendBufferSize bounds each peer's outbound queue; a slow or stalled peer
// drops its own messages rather than blocking broadcast to everyone else.
const sendBufferSize = 256

// ConnState is a peer connection's lifecycle state.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateClosed     ConnState = "closed"
)

// PeerInfo is a snapshot of one connection's public state.
type PeerInfo struct {
	PeerID     string // == DID
	NodeID     string
	Address    string
	State      ConnState
	ConnectedAt time.Time
	LastRTT    time.Duration
}

type peerConn struct {
	mu      sync.Mutex
	conn    *transport.Conn
	did     string
	nodeID  string
	address string
	state   ConnState
	connectedAt time.Time
	lastRTT time.Duration
	sendCh  chan []byte
	done    chan struct{}
}

// Manager tracks every live connection and mediates all outbound/inbound
// P2P traffic.
type Manager struct {
	self     *identity.Identity
	acl      *acl.List
	log      *slog.Logger
	transport *transport.Transport
	retry    resilience.RetryPolicy

	mu    sync.RWMutex
	peers map[string]*peerConn // keyed by DID

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker // keyed by peer DID, DHT RPC only

	inbound chan InboundMessage
	dht     *dht.DHT
}

// rpcBreaker returns (creating if absent) the circuit breaker guarding DHT
// RPCs to did: a peer that fails or times out repeatedly stops being
// dialed for lookups/stores until it half-opens, instead of every DHT
// operation retrying against a peer that's clearly down.
func (m *Manager) rpcBreaker(did string) *resilience.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	if b, ok := m.breakers[did]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker("dht-rpc:"+did, 30*time.Second, 6, 4, 0.5, 10*time.Second, 1)
	m.breakers[did] = b
	return b
}

// InboundMessage is a received application frame tagged with its sender.
type InboundMessage struct {
	FromDID string
	Payload []byte
}

func New(self *identity.Identity, aclList *acl.List, t *transport.Transport, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		self:      self,
		acl:       aclList,
		log:       log,
		transport: t,
		retry:     resilience.DefaultRetryPolicy(),
		peers:     make(map[string]*peerConn),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		inbound:   make(chan InboundMessage, 256),
	}
}

// Inbound returns the channel of received application messages from all
// connected peers, for the scheduler/memory sync layers to consume.
func (m *Manager) Inbound() <-chan InboundMessage { return m.inbound }

// Serve runs the accept loop until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	for {
		conn, err := m.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("accept failed", "error", err)
			continue
		}
		go m.admitInbound(ctx, conn)
	}
}

func (m *Manager) admitInbound(ctx context.Context, conn *transport.Conn) {
	self, err := buildHello(m.self)
	if err != nil {
		m.log.Warn("build hello failed", "error", err)
		conn.Close()
		return
	}
	// Responder side of the QUIC stream reads first (initiator wrote first
	// on the handshake stream already; for hello, the dialer goes first).
	peerHello, err := exchangeHello(conn, self, false)
	if err != nil {
		m.log.Warn("hello exchange failed", "error", err)
		conn.Close()
		return
	}
	effect, rule := m.acl.Check(peerHello.DID, "*")
	if effect == acl.Deny {
		rejectErr := errs.New(errs.Acl, "peer denied by acl", errs.F("did", peerHello.DID), errs.F("rule", rule))
		m.log.Info("rejected inbound peer", "error", rejectErr, "did", peerHello.DID, "rule", rule)
		conn.Close()
		return
	}
	pc := &peerConn{
		conn:        conn,
		did:         peerHello.DID,
		nodeID:      peerHello.NodeID,
		address:     conn.RemoteAddr().String(),
		state:       StateConnected,
		connectedAt: time.Now(),
		sendCh:      make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}
	m.register(pc)
	go m.pump(ctx, pc)
	go m.serveStreams(ctx, pc)
}

// Connect dials address, completes the Noise+hello handshake, and
// registers the resulting peer. Returns the peer's DID as its peer_id.
func (m *Manager) Connect(ctx context.Context, address string) (string, error) {
	conn, err := transport.Dial(ctx, address, m.self.ExchangePrivate())
	if err != nil {
		return "", err
	}
	self, err := buildHello(m.self)
	if err != nil {
		conn.Close()
		return "", err
	}
	peerHello, err := exchangeHello(conn, self, true)
	if err != nil {
		conn.Close()
		return "", err
	}
	if effect, rule := m.acl.Check(peerHello.DID, "*"); effect == acl.Deny {
		conn.Close()
		return "", errs.New(errs.Acl, "peer denied by acl", errs.F("did", peerHello.DID), errs.F("rule", rule))
	}
	pc := &peerConn{
		conn:        conn,
		did:         peerHello.DID,
		nodeID:      peerHello.NodeID,
		address:     address,
		state:       StateConnected,
		connectedAt: time.Now(),
		sendCh:      make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}
	m.register(pc)
	go m.pump(ctx, pc)
	go m.serveStreams(ctx, pc)
	return pc.did, nil
}

// ConnectWithBackoff retries Connect with exponential backoff until it
// succeeds, policy.MaxAttempts attempts have failed, or ctx is cancelled,
// for bootstrap/reconnect scenarios.
func (m *Manager) ConnectWithBackoff(ctx context.Context, address string, policy resilience.RetryPolicy) (string, error) {
	var peerID string
	err := resilience.Do(ctx, policy, func(error) bool { return true }, func(ctx context.Context) error {
		id, err := m.Connect(ctx, address)
		if err != nil {
			return err
		}
		peerID = id
		return nil
	})
	return peerID, err
}

func (m *Manager) register(pc *peerConn) {
	m.mu.Lock()
	if existing, ok := m.peers[pc.did]; ok {
		existing.conn.Close()
		close(existing.done)
	}
	m.peers[pc.did] = pc
	m.mu.Unlock()
}

// pump drains pc's send queue onto the wire and reads inbound frames,
// until either direction fails or Disconnect closes pc.done.
func (m *Manager) pump(ctx context.Context, pc *peerConn) {
	go func() {
		for {
			select {
			case payload, ok := <-pc.sendCh:
				if !ok {
					return
				}
				if err := pc.conn.SendFrame(payload); err != nil {
					m.log.Warn("send failed, disconnecting peer", "did", pc.did, "error", err)
					m.Disconnect(pc.did)
					return
				}
			case <-pc.done:
				return
			}
		}
	}()

	for {
		payload, err := pc.conn.RecvFrame()
		if err != nil {
			m.log.Info("peer disconnected", "did", pc.did, "error", err)
			m.Disconnect(pc.did)
			return
		}
		select {
		case m.inbound <- InboundMessage{FromDID: pc.did, Payload: payload}:
		case <-pc.done:
			return
		}
	}
}

// PingPeer measures round-trip time to an already-connected peer via the
// DHT ping RPC, recording it for ListConnected's LastRTT field.
func (m *Manager) PingPeer(ctx context.Context, peerID string) (time.Duration, error) {
	m.mu.RLock()
	pc, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return 0, errs.New(errs.NotFound, "peer not connected", errs.F("peer_id", peerID))
	}
	start := time.Now()
	err := m.Ping(ctx, dht.Contact{ID: dht.NodeID(peerID), DID: peerID})
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	pc.mu.Lock()
	pc.lastRTT = rtt
	pc.mu.Unlock()
	return rtt, nil
}

// Disconnect closes and deregisters a peer, idempotently.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	pc.mu.Lock()
	pc.state = StateClosed
	pc.mu.Unlock()
	select {
	case <-pc.done:
	default:
		close(pc.done)
	}
	pc.conn.Close()
}

// ListConnected returns a snapshot of every currently connected peer.
func (m *Manager) ListConnected() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, pc := range m.peers {
		pc.mu.Lock()
		out = append(out, PeerInfo{
			PeerID: pc.did, NodeID: pc.nodeID, Address: pc.address,
			State: pc.state, ConnectedAt: pc.connectedAt, LastRTT: pc.lastRTT,
		})
		pc.mu.Unlock()
	}
	return out
}

// Send enqueues payload for peerID, dropping and logging on a full buffer
// rather than blocking the caller (per-peer backpressure, not whole-system).
func (m *Manager) Send(peerID string, payload []byte) error {
	m.mu.RLock()
	pc, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, "peer not connected", errs.F("peer_id", peerID))
	}
	select {
	case pc.sendCh <- payload:
		return nil
	default:
		m.log.Warn("peer send buffer full, dropping message", "peer_id", peerID)
		return errs.New(errs.Network, "peer send buffer full", errs.F("peer_id", peerID))
	}
}

// Broadcast enqueues payload for every connected peer, returning how many
// accepted it (a per-peer full buffer drops that peer only).
func (m *Manager) Broadcast(payload []byte) int {
	m.mu.RLock()
	peers := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.mu.RUnlock()

	sent := 0
	for _, pc := range peers {
		select {
		case pc.sendCh <- payload:
			sent++
		default:
			m.log.Warn("peer send buffer full during broadcast, dropping for peer", "peer_id", pc.did)
		}
	}
	return sent
}

// byID looks up a connected peer by its DHT-space ID (used by the RPC
// adapter, which only knows dht.Contact, not raw DIDs directly).
func (m *Manager) byID(id dht.ID) (*peerConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pc := range m.peers {
		if dht.NodeID(pc.did) == id {
			return pc, true
		}
	}
	return nil, false
}

func marshalRPC(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal rpc message", err)
	}
	return raw, nil
}
