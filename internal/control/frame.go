package control

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single control message.
const maxFrameSize = 4 * 1024 * 1024

// WriteFrame writes one length-delimited payload: a 4-byte big-endian
// length followed by the bytes.
func WriteFrame(w io.Writer, p []byte) error {
	if len(p) > maxFrameSize {
		return fmt.Errorf("control: frame too large: %d bytes", len(p))
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(p)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

// ReadFrame reads one length-delimited payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("control: frame too large: %d bytes", n)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, err
	}
	return p, nil
}
