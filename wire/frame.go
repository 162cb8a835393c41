package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// FrameHeaderSize is the length prefix size.
	FrameHeaderSize = 4
	// MaxFrameSize is the maximum accepted frame payload size (16 MiB).
	MaxFrameSize = 16 * 1024 * 1024
)

// Frame prefixes an already-encoded payload with its length.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, FrameHeaderSize, FrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

// EncodeFrame encodes a message and wraps it in a frame.
func EncodeFrame(message Message) ([]byte, error) {
	payload, err := Encode(message)
	if err != nil {
		return nil, err
	}
	return Frame(payload)
}

// SplitFrame returns the payload of the first frame in buf and the number of bytes
// it occupies. ErrIncomplete means more bytes are needed; the oversize check runs
// on the header alone.
func SplitFrame(buf []byte) (payload []byte, n int, err error) {
	if len(buf) < FrameHeaderSize {
		return nil, 0, decodeErrorf(KindIncomplete, "have %d header bytes", len(buf))
	}
	length := binary.LittleEndian.Uint32(buf)
	if length > MaxFrameSize {
		return nil, 0, decodeErrorf(KindFrameTooLarge, "length prefix %d", length)
	}
	total := FrameHeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, decodeErrorf(KindIncomplete, "have %d of %d bytes", len(buf), total)
	}
	return buf[FrameHeaderSize:total], total, nil
}

// DecodeFrame decodes the first frame in buf and reports how many bytes it consumed.
func DecodeFrame(buf []byte) (Message, int, error) {
	payload, n, err := SplitFrame(buf)
	if err != nil {
		return nil, 0, err
	}
	message, err := Decode(payload)
	if err != nil {
		return nil, 0, err
	}
	return message, n, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := Frame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame payload. Oversized frames are rejected
// before the payload buffer is allocated.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, decodeErrorf(KindFrameTooLarge, "length prefix %d", length)
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
