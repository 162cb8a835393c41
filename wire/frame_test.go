package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("opaque ciphertext")

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSplitFrameRejectsOversizedPrefixFromHeaderAlone(t *testing.T) {
	header := binary.LittleEndian.AppendUint32(nil, 17*1024*1024)

	if _, _, err := SplitFrame(header); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge from ReadFrame, got %v", err)
	}
}

func TestSplitFrameReportsIncomplete(t *testing.T) {
	frame, err := EncodeFrame(Nack{Start: 1, End: 2})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	for _, cut := range []int{0, 3, FrameHeaderSize, len(frame) - 1} {
		_, _, err := SplitFrame(frame[:cut])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("cut at %d: expected ErrIncomplete, got %v", cut, err)
		}
		if errors.Is(err, ErrMalformed) {
			t.Fatalf("cut at %d: incomplete must not be reported as malformed", cut)
		}
	}
}

func TestDecodeFrameConsumesOneFrameAtATime(t *testing.T) {
	first, err := EncodeFrame(ChunkRequest{Start: 0, End: 40})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	second, err := EncodeFrame(Nack{Start: 40, End: 80})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	buf := append(append([]byte(nil), first...), second...)

	message, n, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if _, ok := message.(ChunkRequest); !ok || n != len(first) {
		t.Fatalf("expected ChunkRequest consuming %d bytes, got %T consuming %d", len(first), message, n)
	}

	message, n, err = DecodeFrame(buf[n:])
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if nack, ok := message.(Nack); !ok || nack.End != 80 || n != len(second) {
		t.Fatalf("unexpected second frame %#v (%d bytes)", message, n)
	}
}
