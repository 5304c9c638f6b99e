package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderSize is the length of the big-endian frame length prefix.
const HeaderSize = 4

// MaxFrameSize is the largest payload accepted in one frame.
const MaxFrameSize = 1 << 20

// Frame returns payload prefixed with its 4-byte big-endian length.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, protocolErrorf(nil, "frame of %d bytes exceeds limit of %d", len(payload), MaxFrameSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes one frame with a single Write call so that frames from
// concurrent writers holding the same lock never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := Frame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame. It returns io.EOF when r is closed
// cleanly on a frame boundary and io.ErrUnexpectedEOF when it closes
// mid-frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, protocolErrorf(nil, "frame of %d bytes exceeds limit of %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadMessage reads one frame and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Decode(b)
}
