package discovery

import (
	"bytes"
	"sort"

	"peapod/crypto"
	"peapod/wire"
)

const (
	// EventPeerUpserted is emitted when a candidate appears or its advertisement changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a candidate stops advertising.
	EventPeerRemoved EventType = "peer_removed"

	// DefaultExpiryTicks is how long a candidate survives without a fresh beacon.
	DefaultExpiryTicks = 4
)

// EventType identifies roster updates.
type EventType string

// Event carries one roster update for the host.
type Event struct {
	Type EventType
	Peer Candidate
}

// Candidate is a LAN device that advertised itself but has not joined the pod yet.
type Candidate struct {
	DeviceID   crypto.DeviceID
	PublicKey  crypto.PublicKey
	Version    uint8
	ListenPort uint16
	// Responded is true when the last advertisement was a DiscoveryResponse.
	Responded bool
	LastSeen  uint64
}

// Fingerprint returns the grouped hex fingerprint users compare out of band.
func (c Candidate) Fingerprint() string {
	return crypto.FormatFingerprint(crypto.Fingerprint(c.DeviceID))
}

// Config controls a Roster.
type Config struct {
	SelfDeviceID crypto.DeviceID
	ExpiryTicks  uint64
}

func (c Config) withDefaults() Config {
	out := c
	if out.ExpiryTicks == 0 {
		out.ExpiryTicks = DefaultExpiryTicks
	}
	return out
}

// Roster collects candidates from Beacon and DiscoveryResponse messages. It performs
// no I/O and is not safe for concurrent use.
type Roster struct {
	cfg   Config
	peers map[crypto.DeviceID]Candidate
}

// NewRoster creates an empty roster with config defaults applied.
func NewRoster(config Config) *Roster {
	return &Roster{
		cfg:   config.withDefaults(),
		peers: make(map[crypto.DeviceID]Candidate),
	}
}

// Observe records an advertisement seen at tick. It returns an upsert event when the
// candidate is new or its advertisement changed. Non-discovery messages, our own
// beacons and advertisements whose device id is not derived from the key are ignored.
func (r *Roster) Observe(message wire.Message, tick uint64) (Event, bool) {
	var next Candidate
	switch m := message.(type) {
	case wire.Beacon:
		next = Candidate{DeviceID: m.DeviceID, PublicKey: m.PublicKey, Version: m.Version, ListenPort: m.ListenPort}
	case wire.DiscoveryResponse:
		next = Candidate{DeviceID: m.DeviceID, PublicKey: m.PublicKey, Version: m.Version, ListenPort: m.ListenPort, Responded: true}
	default:
		return Event{}, false
	}

	if next.DeviceID == r.cfg.SelfDeviceID {
		return Event{}, false
	}
	if crypto.DeviceIDFromPublicKey(next.PublicKey) != next.DeviceID {
		return Event{}, false
	}

	next.LastSeen = tick
	old, exists := r.peers[next.DeviceID]
	r.peers[next.DeviceID] = next
	if exists && candidatesEqual(old, next) {
		return Event{}, false
	}
	return Event{Type: EventPeerUpserted, Peer: next}, true
}

// Remove drops a candidate, e.g. once it joined the pod.
func (r *Roster) Remove(id crypto.DeviceID) (Event, bool) {
	peer, ok := r.peers[id]
	if !ok {
		return Event{}, false
	}
	delete(r.peers, id)
	return Event{Type: EventPeerRemoved, Peer: peer}, true
}

// Expire removes candidates not seen for ExpiryTicks and returns one removal event
// per candidate, ordered by device id.
func (r *Roster) Expire(tick uint64) []Event {
	var events []Event
	for id, peer := range r.peers {
		if tick >= peer.LastSeen && tick-peer.LastSeen >= r.cfg.ExpiryTicks {
			delete(r.peers, id)
			events = append(events, Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return bytes.Compare(events[i].Peer.DeviceID[:], events[j].Peer.DeviceID[:]) < 0
	})
	return events
}

// Get returns one candidate.
func (r *Roster) Get(id crypto.DeviceID) (Candidate, bool) {
	peer, ok := r.peers[id]
	return peer, ok
}

// List returns the current candidates ordered by device id.
func (r *Roster) List() []Candidate {
	out := make([]Candidate, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].DeviceID[:], out[j].DeviceID[:]) < 0
	})
	return out
}

func candidatesEqual(a, b Candidate) bool {
	return a.DeviceID == b.DeviceID &&
		a.PublicKey == b.PublicKey &&
		a.Version == b.Version &&
		a.ListenPort == b.ListenPort
}
