package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peapod/crypto"
	"peapod/wire"
)

func TestOnPeerJoinedRejectsBadKeys(t *testing.T) {
	c := newTestCore(t, Options{})
	other := newTestCore(t, Options{})
	pub := other.PublicKey()
	own := c.PublicKey()

	_, err := c.OnPeerJoined(other.DeviceID(), pub[:31])
	assert.ErrorIs(t, err, crypto.ErrInvalidPeerKey)

	_, err = c.OnPeerJoined(crypto.DeviceID{1, 2, 3}, pub[:])
	assert.ErrorIs(t, err, crypto.ErrInvalidPeerKey)

	_, err = c.OnPeerJoined(c.DeviceID(), own[:])
	assert.ErrorIs(t, err, crypto.ErrInvalidPeerKey)

	assert.Empty(t, c.Peers())
}

func TestEncryptedFramesRejectTamperingAndReplay(t *testing.T) {
	a := newTestCore(t, Options{})
	b := newTestCore(t, Options{})
	connect(t, a, b)

	_, err := a.OnMessageReceived(crypto.DeviceID{9}, []byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = a.OnMessageReceived(b.DeviceID(), []byte{1, 0})
	assert.ErrorIs(t, err, wire.ErrIncomplete)

	first := sendsTo(b.Tick(), a.DeviceID())
	require.Len(t, first, 1)

	tampered := append([]byte(nil), first[0].Frame...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = a.OnMessageReceived(b.DeviceID(), tampered)
	assert.ErrorIs(t, err, crypto.ErrAuthFailed)

	// The failed attempt did not consume the receive nonce.
	_, err = a.OnMessageReceived(b.DeviceID(), first[0].Frame)
	require.NoError(t, err)

	_, err = a.OnMessageReceived(b.DeviceID(), first[0].Frame)
	assert.ErrorIs(t, err, crypto.ErrAuthFailed, "replayed frames must not authenticate")

	_, err = a.OnMessageReceived(b.DeviceID(), append(first[0].Frame, 0))
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestOnMessageReceivedRejectsForeignSender(t *testing.T) {
	a := newTestCore(t, Options{})
	b := newTestCore(t, Options{})
	connect(t, a, b)

	frame := sealRaw(t, b, a.DeviceID(), wire.Heartbeat{DeviceID: crypto.DeviceID{7}})
	_, err := a.OnMessageReceived(b.DeviceID(), frame)
	assert.ErrorIs(t, err, ErrSenderMismatch)

	frame = sealRaw(t, b, a.DeviceID(), wire.ChunkRequest{Start: 10, End: 10})
	_, err = a.OnMessageReceived(b.DeviceID(), frame)
	assert.ErrorIs(t, err, ErrInvalidRange)

	// Discovery variants on a session are ignored.
	frame = sealRaw(t, b, a.DeviceID(), wire.Beacon{Version: wire.ProtocolVersion, DeviceID: b.DeviceID(), PublicKey: b.PublicKey()})
	res, err := a.OnMessageReceived(b.DeviceID(), frame)
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
	assert.Len(t, a.Peers(), 1)
}

func TestLeaveMessageRedistributes(t *testing.T) {
	self := newTestCore(t, Options{})
	peer := newTestCore(t, Options{})
	connect(t, self, peer)

	acc := accelerate(t, self, 100)
	leave := sealRaw(t, peer, self.DeviceID(), wire.Leave{DeviceID: peer.DeviceID()})
	res, err := self.OnMessageReceived(peer.DeviceID(), leave)
	require.NoError(t, err)
	assert.Equal(t, []FetchChunk{{TransferID: acc.TransferID, URL: testURL, Start: 40, End: 80}}, fetches(res.Actions))
	assert.Empty(t, self.Peers())
}

func TestSilentPeerTimesOutAndLosesChunks(t *testing.T) {
	self := newTestCore(t, Options{})
	peer := newTestCore(t, Options{})
	connect(t, self, peer)
	acc := accelerate(t, self, 100)

	first := self.Tick()
	assert.Len(t, sendsTo(first, peer.DeviceID()), 1, "heartbeat to the peer")
	assert.Empty(t, fetches(first))

	second := self.Tick()
	assert.Len(t, sendsTo(second, peer.DeviceID()), 1)
	peers := self.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, PeerSuspect, peers[0].State)

	chunks, ok := self.Assignment(acc.TransferID)
	require.True(t, ok)
	assert.Equal(t, peer.DeviceID(), chunks[1].Assignee, "suspect peers keep their chunks")

	third := self.Tick()
	assert.Empty(t, sendsTo(third, peer.DeviceID()))
	assert.Equal(t, []FetchChunk{{TransferID: acc.TransferID, URL: testURL, Start: 40, End: 80}}, fetches(third))
	assert.Empty(t, self.Peers())
}

func TestHeartbeatsKeepPeersAlive(t *testing.T) {
	a := newTestCore(t, Options{})
	b := newTestCore(t, Options{})
	connect(t, a, b)

	for i := 0; i < 6; i++ {
		fromA := sendsTo(a.Tick(), b.DeviceID())
		fromB := sendsTo(b.Tick(), a.DeviceID())
		require.Len(t, fromA, 1, "tick %d", i)
		require.Len(t, fromB, 1, "tick %d", i)

		_, err := b.OnMessageReceived(a.DeviceID(), fromA[0].Frame)
		require.NoError(t, err)
		_, err = a.OnMessageReceived(b.DeviceID(), fromB[0].Frame)
		require.NoError(t, err)
	}

	peers := a.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, PeerAlive, peers[0].State)
	assert.Equal(t, uint64(6), peers[0].LastSeenTick)
}

func TestJoinMessageDoesNotLiftIsolation(t *testing.T) {
	self := newTestCore(t, Options{MaxIntegrityFailures: 1})
	peer := newTestCore(t, Options{})
	connect(t, self, peer)

	self.mu.Lock()
	self.trust.RecordFailure(peer.DeviceID())
	self.mu.Unlock()
	require.True(t, self.Peers()[0].Isolated)

	join := sealRaw(t, peer, self.DeviceID(), wire.Join{DeviceID: peer.DeviceID()})
	_, err := self.OnMessageReceived(peer.DeviceID(), join)
	require.NoError(t, err)
	assert.True(t, self.Peers()[0].Isolated)

	pub := peer.PublicKey()
	_, err = self.OnPeerJoined(peer.DeviceID(), pub[:])
	require.NoError(t, err)
	assert.False(t, self.Peers()[0].Isolated)
}
