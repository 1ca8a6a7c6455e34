package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) [32]byte {
	t.Helper()
	var k [32]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

func TestHandshakeAndFrameRoundTrip(t *testing.T) {
	serverKey := randomKey(t)
	clientKey := randomKey(t)

	srv, err := Listen(Config{ListenAddr: "127.0.0.1:0", StaticPriv: serverKey})
	require.NoError(t, err)
	defer srv.Close()

	serverDone := make(chan *Conn, 1)
	serverErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := srv.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- conn
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dialCancel()
	clientConn, err := Dial(dialCtx, srv.Addr().String(), clientKey)
	require.NoError(t, err)
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-serverDone:
	case err := <-serverErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}
	defer serverConn.Close()

	require.NotEmpty(t, clientConn.RemoteStaticKey())
	require.NotEmpty(t, serverConn.RemoteStaticKey())

	require.NoError(t, clientConn.SendFrame([]byte("hello from client")))
	got, err := serverConn.RecvFrame()
	require.NoError(t, err)
	require.Equal(t, "hello from client", string(got))

	require.NoError(t, serverConn.SendFrame([]byte("hello from server")))
	got, err = clientConn.RecvFrame()
	require.NoError(t, err)
	require.Equal(t, "hello from server", string(got))
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		_ = writeFrame(w, []byte{})
		w.Close()
	}()
	got, err := readFrame(r)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], maxFrameSize+1)
		_, _ = w.Write(lenBuf[:])
		w.Close()
	}()
	_, err := readFrame(r)
	require.Error(t, err)
}
