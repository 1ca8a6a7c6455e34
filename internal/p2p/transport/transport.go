package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

const (
	ALPN             = "cis/1.0"
	KeepAlivePeriod  = 30 * time.Second
	IdleTimeout      = 60 * time.Second
)

// Config parameterizes a Transport for a single node.
type Config struct {
	ListenAddr   string // UDP address, e.g. "0.0.0.0:7677"
	StaticPriv   [32]byte // this node's X25519 private key (derived from its Ed25519 seed)
}

// Transport listens for and dials QUIC connections, authenticating each
// with Noise XX before handing back a Conn.
type Transport struct {
	cfg      Config
	listener *quic.Listener
	tlsConf  *tls.Config
}

// Listen starts accepting QUIC connections on cfg.ListenAddr.
func Listen(cfg Config) (*Transport, error) {
	tlsConf, err := ephemeralTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		KeepAlivePeriod: KeepAlivePeriod,
		MaxIdleTimeout:  IdleTimeout,
	}
	ln, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, quicConf)
	if err != nil {
		return nil, errs.Wrap(errs.Network, "listen quic", err, errs.F("addr", cfg.ListenAddr))
	}
	return &Transport{cfg: cfg, listener: ln, tlsConf: tlsConf}, nil
}

func (t *Transport) Close() error {
	return t.listener.Close()
}

// Addr returns the UDP address this Transport is actually listening on,
// useful when Config.ListenAddr requested an ephemeral port (":0").
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

// Accept waits for the next inbound connection, runs the Noise XX
// responder side, and returns a Conn carrying the peer's Noise static key
// in RemoteStatic. The ACL check is left to the caller (see
// internal/p2p/peermanager, which checks the DID from its hello exchange).
func (t *Transport) Accept(ctx context.Context) (*Conn, error) {
	qconn, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Network, "accept quic connection", err)
	}
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(0, "no handshake stream")
		return nil, errs.Wrap(errs.Network, "accept handshake stream", err)
	}
	hr, err := runResponder(stream, t.cfg.StaticPriv)
	if err != nil {
		qconn.CloseWithError(1, "handshake failed")
		return nil, err
	}
	return &Conn{qconn: qconn, stream: stream, hr: hr, remoteAddr: qconn.RemoteAddr()}, nil
}

// Dial connects to addr and runs the Noise XX initiator side.
func Dial(ctx context.Context, addr string, staticPriv [32]byte) (*Conn, error) {
	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPN}}
	quicConf := &quic.Config{KeepAlivePeriod: KeepAlivePeriod, MaxIdleTimeout: IdleTimeout}

	qconn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, errs.Wrap(errs.Network, "dial quic", err, errs.F("addr", addr))
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "no handshake stream")
		return nil, errs.Wrap(errs.Network, "open handshake stream", err)
	}
	hr, err := runInitiator(stream, staticPriv)
	if err != nil {
		qconn.CloseWithError(1, "handshake failed")
		return nil, err
	}
	return &Conn{qconn: qconn, stream: stream, hr: hr, remoteAddr: qconn.RemoteAddr()}, nil
}

// Conn is a mutually-authenticated QUIC connection: the handshake stream
// doubles as the default application stream, with additional streams
// available via OpenStream for concurrent logical requests.
type Conn struct {
	qconn      *quic.Conn
	stream     *quic.Stream
	hr         *HandshakeResult
	remoteAddr net.Addr
}

// RemoteStaticKey is the authenticated remote peer's X25519 static public
// key, established by the Noise handshake.
func (c *Conn) RemoteStaticKey() []byte { return c.hr.RemoteStatic }

func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }

// SendFrame seals payload with the handshake's send cipher state and writes
// it length-prefixed on the handshake stream.
func (c *Conn) SendFrame(payload []byte) error {
	sealed := c.hr.send.Encrypt(nil, nil, payload)
	return writeFrame(c.stream, sealed)
}

// RecvFrame reads and opens the next frame from the handshake stream.
func (c *Conn) RecvFrame() ([]byte, error) {
	sealed, err := readFrame(c.stream)
	if err != nil {
		return nil, err
	}
	pt, err := c.hr.recv.Decrypt(nil, nil, sealed)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "decrypt frame", err)
	}
	return pt, nil
}

// OpenStream opens an additional QUIC stream for a concurrent logical
// request (e.g. a parallel DHT RPC alongside an in-flight memory sync).
func (c *Conn) OpenStream(ctx context.Context) (*quic.Stream, error) {
	s, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Network, "open stream", err)
	}
	return s, nil
}

// AcceptStream waits for the peer to open a new stream on this connection,
// e.g. an inbound DHT RPC request.
func (c *Conn) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	s, err := c.qconn.AcceptStream(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Network, "accept stream", err)
	}
	return s, nil
}

func (c *Conn) Close() error {
	return c.qconn.CloseWithError(0, "closed")
}

// ephemeralTLSConfig generates a throwaway self-signed certificate: QUIC
// requires TLS for its own transport-level crypto, but actual peer
// authentication happens one layer up via the Noise XX handshake, so the
// certificate's identity is not meaningful.
func ephemeralTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate ephemeral tls key", err)
	}
	template := &x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "create ephemeral tls cert", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{ALPN}}, nil
}
