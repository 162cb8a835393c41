package discovery

import (
	"testing"

	"peapod/crypto"
	"peapod/wire"
)

func testBeacon(t *testing.T, port uint16) wire.Beacon {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	return wire.Beacon{
		Version:    wire.ProtocolVersion,
		DeviceID:   kp.DeviceID(),
		PublicKey:  kp.PublicKey(),
		ListenPort: port,
	}
}

func TestRosterFiltersSelfAndSpoofedBeacons(t *testing.T) {
	self := testBeacon(t, 1)
	roster := NewRoster(Config{SelfDeviceID: self.DeviceID})

	if _, ok := roster.Observe(self, 0); ok {
		t.Fatalf("expected own beacon to be ignored")
	}

	spoofed := testBeacon(t, 2)
	spoofed.DeviceID = crypto.DeviceID{0xde, 0xad}
	if _, ok := roster.Observe(spoofed, 0); ok {
		t.Fatalf("expected beacon with mismatched device id to be ignored")
	}

	if _, ok := roster.Observe(wire.Heartbeat{DeviceID: self.DeviceID}, 0); ok {
		t.Fatalf("expected non-discovery message to be ignored")
	}

	if got := len(roster.List()); got != 0 {
		t.Fatalf("expected empty roster, got %d peers", got)
	}
}

func TestRosterUpsertEvents(t *testing.T) {
	roster := NewRoster(Config{})
	beacon := testBeacon(t, 45679)

	event, ok := roster.Observe(beacon, 1)
	if !ok || event.Type != EventPeerUpserted || event.Peer.DeviceID != beacon.DeviceID {
		t.Fatalf("expected upsert event for new peer, got %+v (%v)", event, ok)
	}

	if _, ok := roster.Observe(beacon, 2); ok {
		t.Fatalf("expected no event for unchanged advertisement")
	}
	peer, found := roster.Get(beacon.DeviceID)
	if !found || peer.LastSeen != 2 {
		t.Fatalf("expected last seen to be refreshed, got %+v", peer)
	}

	beacon.ListenPort = 50000
	event, ok = roster.Observe(beacon, 3)
	if !ok || event.Peer.ListenPort != 50000 {
		t.Fatalf("expected upsert after port change, got %+v (%v)", event, ok)
	}

	response := wire.DiscoveryResponse(beacon)
	if _, ok := roster.Observe(response, 4); ok {
		t.Fatalf("expected response with same advertisement to be silent")
	}
	peer, _ = roster.Get(beacon.DeviceID)
	if !peer.Responded {
		t.Fatalf("expected candidate to be marked as responded")
	}
	if peer.Fingerprint() == "" {
		t.Fatalf("expected fingerprint")
	}
}

func TestRosterExpiryAndRemoval(t *testing.T) {
	roster := NewRoster(Config{ExpiryTicks: 2})
	stale := testBeacon(t, 1)
	fresh := testBeacon(t, 2)
	roster.Observe(stale, 0)
	roster.Observe(fresh, 1)

	if events := roster.Expire(1); len(events) != 0 {
		t.Fatalf("expected no expiry yet, got %+v", events)
	}

	events := roster.Expire(2)
	if len(events) != 1 || events[0].Type != EventPeerRemoved || events[0].Peer.DeviceID != stale.DeviceID {
		t.Fatalf("expected stale peer removal, got %+v", events)
	}

	if _, ok := roster.Remove(fresh.DeviceID); !ok {
		t.Fatalf("expected remove of known peer to succeed")
	}
	if _, ok := roster.Remove(fresh.DeviceID); ok {
		t.Fatalf("expected second remove to be a no-op")
	}
}
