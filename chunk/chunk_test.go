package chunk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peapod/crypto"
	"peapod/integrity"
	"peapod/wire"
)

func TestPlanTilesTheBody(t *testing.T) {
	cases := []struct {
		total, size uint64
		count       int
	}{
		{total: 100, size: 40, count: 3},
		{total: 80, size: 40, count: 2},
		{total: 1, size: 40, count: 1},
		{total: DefaultChunkSize*3 + 7, size: 0, count: 4},
		{total: 0, size: 40, count: 0},
	}

	for _, tc := range cases {
		ranges := Plan(tc.total, tc.size)
		require.Len(t, ranges, tc.count, "total=%d size=%d", tc.total, tc.size)

		var next uint64
		for i, r := range ranges {
			assert.Equal(t, next, r.Start, "range %d must start where the previous ended", i)
			assert.Greater(t, r.End, r.Start)
			next = r.End
		}
		assert.Equal(t, tc.total, next)
	}

	assert.Equal(t, []Range{{0, 40}, {40, 80}, {80, 100}}, Plan(100, 40))
}

func body(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

func receive(t *testing.T, tr *Transfer, data []byte, r Range) ([]byte, error) {
	t.Helper()
	payload := data[r.Start:r.End]
	return tr.Receive(r.Start, r.End, payload, integrity.Hash(payload))
}

func TestReceiveReassemblesInOffsetOrder(t *testing.T) {
	data := body(100)
	tr := NewTransfer(wire.TransferID{1}, 100, 40)

	got, err := receive(t, tr, data, Range{80, 100})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = receive(t, tr, data, Range{0, 40})
	require.NoError(t, err)
	assert.Nil(t, got)
	received, total := tr.Progress()
	assert.Equal(t, 2, received)
	assert.Equal(t, 3, total)

	got, err = receive(t, tr, data, Range{40, 80})
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, tr.IsComplete())
}

func TestReceiveIsIdempotent(t *testing.T) {
	data := body(80)
	tr := NewTransfer(wire.TransferID{2}, 80, 40)

	_, err := receive(t, tr, data, Range{0, 40})
	require.NoError(t, err)
	before := tr.Chunks()

	got, err := receive(t, tr, data, Range{0, 40})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, before, tr.Chunks())

	// A duplicate with a bogus hash is still a no-op, not an integrity failure.
	got, err = tr.Receive(0, 40, make([]byte, 40), integrity.Digest{})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, before, tr.Chunks())

	full, err := receive(t, tr, data, Range{40, 80})
	require.NoError(t, err)
	again, err := receive(t, tr, data, Range{40, 80})
	require.NoError(t, err)
	assert.Equal(t, full, again)
}

func TestReceiveRejectsBadPayloadAndKeepsChunkAssignable(t *testing.T) {
	data := body(100)
	peer := crypto.DeviceID{9}
	tr := NewTransfer(wire.TransferID{3}, 100, 40)
	require.NoError(t, tr.Assign(Range{40, 80}, peer))

	corrupted := append([]byte(nil), data[40:80]...)
	corrupted[0] ^= 0xff
	_, err := tr.Receive(40, 80, corrupted, integrity.Hash(data[40:80]))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrityFailure))

	var integrityErr *IntegrityError
	require.True(t, errors.As(err, &integrityErr))
	assert.Equal(t, Range{40, 80}, integrityErr.Range)

	c, ok := tr.Chunk(40, 80)
	require.True(t, ok)
	assert.Equal(t, StateFailed, c.State)
	assert.True(t, c.Assignee.IsZero())
	assert.Contains(t, tr.Unassigned(), Range{40, 80})

	short := data[40:79]
	_, err = tr.Receive(40, 80, short, integrity.Hash(short))
	assert.ErrorIs(t, err, ErrIntegrityFailure)
}

func TestReceiveUnknownRange(t *testing.T) {
	tr := NewTransfer(wire.TransferID{4}, 100, 40)
	_, err := tr.Receive(0, 50, make([]byte, 50), integrity.Digest{})
	assert.ErrorIs(t, err, ErrUnknownChunk)
	assert.ErrorIs(t, tr.Assign(Range{1, 2}, crypto.DeviceID{}), ErrUnknownChunk)
}

func TestAssignmentBookkeeping(t *testing.T) {
	data := body(100)
	a, b := crypto.DeviceID{0xa}, crypto.DeviceID{0xb}
	tr := NewTransfer(wire.TransferID{5}, 100, 40)

	require.NoError(t, tr.Assign(Range{0, 40}, a))
	require.NoError(t, tr.Assign(Range{40, 80}, b))
	require.NoError(t, tr.Assign(Range{80, 100}, a))
	assert.Equal(t, []Range{{0, 40}, {80, 100}}, tr.AssignedTo(a))
	assert.Empty(t, tr.Unassigned())

	_, err := receive(t, tr, data, Range{0, 40})
	require.NoError(t, err)
	assert.Equal(t, []Range{{80, 100}}, tr.AssignedTo(a))
	assert.ErrorIs(t, tr.Assign(Range{0, 40}, b), ErrChunkReceived)

	holder, err := tr.MarkFailed(Range{40, 80})
	require.NoError(t, err)
	assert.Equal(t, b, holder)

	require.NoError(t, tr.Unassign(Range{80, 100}))
	assert.Equal(t, []Range{{40, 80}, {80, 100}}, tr.Unassigned())

	c, ok := tr.Chunk(0, 40)
	require.True(t, ok)
	assert.Equal(t, StateReceived, c.State)
	assert.Equal(t, 1, c.Attempts)
}
