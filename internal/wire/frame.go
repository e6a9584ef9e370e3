package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// MaxFrameBytes bounds a single frame's payload to guard against a corrupt
// or hostile length prefix forcing an unbounded allocation.
const MaxFrameBytes = 16 * 1024 * 1024

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by exactly that many payload bytes, no trailer.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return trebuerr.Wrap(trebuerr.ConnectionFailed, "write frame length", err)
	}
	if _, err := w.Write(payload); err != nil {
		return trebuerr.Wrap(trebuerr.ConnectionFailed, "write frame payload", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame's payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // EOF propagates unchanged so callers can detect clean close
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, trebuerr.New(trebuerr.InvalidEnvelope, fmt.Sprintf("frame of %d bytes exceeds limit", n))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, trebuerr.Wrap(trebuerr.ConnectionFailed, "read frame payload", err)
	}
	return payload, nil
}

// WriteEnvelope encodes and frames one envelope onto w.
func WriteEnvelope(w io.Writer, e Envelope) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadEnvelope reads one frame from r and decodes it as an Envelope.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(b)
}
