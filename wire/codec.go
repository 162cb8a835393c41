package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"peapod/crypto"
)

// Encode serializes a message payload (without the frame header).
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, errors.New("wire: nil message")
	}

	out := binary.LittleEndian.AppendUint32(nil, uint32(message.Type()))
	switch m := message.(type) {
	case Beacon:
		out = appendAnnouncement(out, m.Version, m.DeviceID, m.PublicKey, m.ListenPort)
	case DiscoveryResponse:
		out = appendAnnouncement(out, m.Version, m.DeviceID, m.PublicKey, m.ListenPort)
	case Join:
		out = appendBytes(out, m.DeviceID[:])
	case Leave:
		out = appendBytes(out, m.DeviceID[:])
	case Heartbeat:
		out = appendBytes(out, m.DeviceID[:])
	case ChunkRequest:
		out = appendRange(out, m.TransferID, m.Start, m.End)
	case ChunkData:
		out = appendRange(out, m.TransferID, m.Start, m.End)
		out = append(out, m.Hash[:]...)
		out = appendBytes(out, m.Payload)
	case Nack:
		out = appendRange(out, m.TransferID, m.Start, m.End)
	default:
		return nil, fmt.Errorf("wire: unsupported message %T", message)
	}
	return out, nil
}

func appendAnnouncement(out []byte, version uint8, id crypto.DeviceID, key crypto.PublicKey, port uint16) []byte {
	out = append(out, version)
	out = appendBytes(out, id[:])
	out = appendBytes(out, key[:])
	return binary.LittleEndian.AppendUint16(out, port)
}

func appendRange(out []byte, id TransferID, start, end uint64) []byte {
	out = append(out, id[:]...)
	out = binary.LittleEndian.AppendUint64(out, start)
	return binary.LittleEndian.AppendUint64(out, end)
}

func appendBytes(out, b []byte) []byte {
	out = binary.LittleEndian.AppendUint64(out, uint64(len(b)))
	return append(out, b...)
}

// Decode parses one message payload. Every failure is a *DecodeError.
func Decode(payload []byte) (Message, error) {
	r := &reader{buf: payload}
	tag := MessageType(r.u32())
	if r.err != nil {
		return nil, r.err
	}

	var message Message
	switch tag {
	case TypeBeacon:
		version, id, key, port, err := r.announcement()
		if err != nil {
			return nil, err
		}
		message = Beacon{Version: version, DeviceID: id, PublicKey: key, ListenPort: port}
	case TypeDiscoveryResponse:
		version, id, key, port, err := r.announcement()
		if err != nil {
			return nil, err
		}
		message = DiscoveryResponse{Version: version, DeviceID: id, PublicKey: key, ListenPort: port}
	case TypeJoin:
		message = Join{DeviceID: r.deviceID()}
	case TypeLeave:
		message = Leave{DeviceID: r.deviceID()}
	case TypeHeartbeat:
		message = Heartbeat{DeviceID: r.deviceID()}
	case TypeChunkRequest:
		id, start, end := r.transferRange()
		message = ChunkRequest{TransferID: id, Start: start, End: end}
	case TypeChunkData:
		data := ChunkData{}
		data.TransferID, data.Start, data.End = r.transferRange()
		copy(data.Hash[:], r.fixed(HashSize))
		data.Payload = r.bytes()
		message = data
	case TypeNack:
		id, start, end := r.transferRange()
		message = Nack{TransferID: id, Start: start, End: end}
	default:
		return nil, decodeErrorf(KindMalformed, "unknown message tag %d", uint32(tag))
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, decodeErrorf(KindMalformed, "%d trailing bytes after %s", r.remaining(), tag)
	}
	return message, nil
}

// reader walks a payload. The first failure sticks and later reads return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = decodeErrorf(KindMalformed, "truncated payload: need %d bytes at offset %d, have %d", n, r.off, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) fixed(n int) []byte {
	return r.take(n)
}

// bytes reads a u64 length prefix and copies that many bytes. The length is
// checked against what is buffered before anything is allocated.
func (r *reader) bytes() []byte {
	n := r.u64()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.remaining()) {
		r.err = decodeErrorf(KindMalformed, "byte field claims %d bytes, %d available", n, r.remaining())
		return nil
	}
	b := r.take(int(n))
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) sized(want int) []byte {
	n := r.u64()
	if r.err != nil {
		return nil
	}
	if n != uint64(want) {
		r.err = decodeErrorf(KindMalformed, "field length %d, want %d", n, want)
		return nil
	}
	return r.take(want)
}

func (r *reader) deviceID() crypto.DeviceID {
	var id crypto.DeviceID
	copy(id[:], r.sized(crypto.DeviceIDSize))
	return id
}

func (r *reader) publicKey() crypto.PublicKey {
	var key crypto.PublicKey
	copy(key[:], r.sized(crypto.PublicKeySize))
	return key
}

func (r *reader) transferRange() (TransferID, uint64, uint64) {
	var id TransferID
	copy(id[:], r.fixed(TransferIDSize))
	start := r.u64()
	end := r.u64()
	return id, start, end
}

// announcement reads the shared Beacon / DiscoveryResponse body. The version is
// checked before any other field is looked at.
func (r *reader) announcement() (uint8, crypto.DeviceID, crypto.PublicKey, uint16, error) {
	version := r.u8()
	if r.err != nil {
		return 0, crypto.DeviceID{}, crypto.PublicKey{}, 0, r.err
	}
	if version != ProtocolVersion {
		return 0, crypto.DeviceID{}, crypto.PublicKey{}, 0,
			decodeErrorf(KindUnsupportedVersion, "got %d want %d", version, ProtocolVersion)
	}
	id := r.deviceID()
	key := r.publicKey()
	port := r.u16()
	return version, id, key, port, r.err
}
