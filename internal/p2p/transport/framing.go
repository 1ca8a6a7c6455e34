package transport

import (
	"encoding/binary"
	"io"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

const maxFrameSize = 16 * 1024 * 1024

// WriteFrame and ReadFrame expose the length-prefixed framing convention to
// callers multiplexing their own request/response protocol (e.g. DHT RPCs)
// across additional streams opened via Conn.OpenStream.
func WriteFrame(w io.Writer, payload []byte) error { return writeFrame(w, payload) }
func ReadFrame(r io.Reader) ([]byte, error)        { return readFrame(r) }

// writeFrame writes a 4-byte big-endian length prefix followed by payload,
// the application-frame convention multiplexed across QUIC streams.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.Network, "write frame length", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.Wrap(errs.Network, "write frame payload", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errs.Wrap(errs.Network, "read frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, errs.New(errs.Protocol, "frame exceeds maximum size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.Network, "read frame payload", err)
	}
	return buf, nil
}
