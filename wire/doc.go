// Package wire defines the PeaPod messages and their binary encoding.
//
// Every message is sent as one frame: a 4-byte little-endian payload length
// followed by the payload. Payloads larger than MaxFrameSize are rejected from
// the header alone, before any buffer for them is allocated.
//
// Payload layout (all integers little-endian):
//
//	tag        u32   variant index, Beacon=0 ... Nack=7
//	version    u8    Beacon and DiscoveryResponse only, checked before any other field
//	device_id  u64 length (16) + 16 bytes
//	public_key u64 length (32) + 32 bytes
//	port       u16
//	transfer   16 raw bytes
//	start, end u64
//	hash       32 raw bytes
//	payload    u64 length + bytes
//
// Before a session key exists the two sides exchange a fixed 49-byte handshake
// (version, device id, public key). Afterwards every frame payload is AEAD
// ciphertext produced by the crypto package.
package wire
