// Package heartbeat tracks peer liveness in host ticks.
package heartbeat

import (
	"bytes"
	"fmt"
	"sort"

	"peapod/crypto"
)

const (
	// DefaultSuspectAfter is the silence, in ticks, after which a peer becomes Suspect.
	DefaultSuspectAfter = 2
	// DefaultTimeoutAfter is the silence, in ticks, after which a peer is Left.
	DefaultTimeoutAfter = 3
)

// Liveness is the monotonic liveness of a tracked peer.
type Liveness int

const (
	Alive Liveness = iota
	Suspect
	Left
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("Liveness(%d)", int(l))
	}
}

type entry struct {
	lastSeen uint64
	state    Liveness
}

// Monitor records when each peer was last heard from. Liveness only moves forward:
// a Suspect peer that is heard from again stays Suspect but is no longer at risk of
// timing out. It is not safe for concurrent use.
type Monitor struct {
	SuspectAfter uint64
	TimeoutAfter uint64

	peers map[crypto.DeviceID]*entry
}

// NewMonitor returns a monitor with the given thresholds. Zero values select the defaults.
func NewMonitor(suspectAfter, timeoutAfter uint64) *Monitor {
	if timeoutAfter == 0 {
		timeoutAfter = DefaultTimeoutAfter
	}
	if suspectAfter == 0 {
		suspectAfter = DefaultSuspectAfter
	}
	if suspectAfter > timeoutAfter {
		suspectAfter = timeoutAfter
	}
	return &Monitor{
		SuspectAfter: suspectAfter,
		TimeoutAfter: timeoutAfter,
		peers:        make(map[crypto.DeviceID]*entry),
	}
}

// Track starts a fresh Alive record for the peer, replacing any previous one.
func (m *Monitor) Track(id crypto.DeviceID, tick uint64) {
	m.peers[id] = &entry{lastSeen: tick, state: Alive}
}

// Seen refreshes the peer's last-seen tick. It reports false for untracked peers.
func (m *Monitor) Seen(id crypto.DeviceID, tick uint64) bool {
	e, ok := m.peers[id]
	if !ok {
		return false
	}
	if tick > e.lastSeen {
		e.lastSeen = tick
	}
	return true
}

// Forget stops tracking the peer.
func (m *Monitor) Forget(id crypto.DeviceID) {
	delete(m.peers, id)
}

// State returns the peer's liveness and whether it is tracked.
func (m *Monitor) State(id crypto.DeviceID) (Liveness, bool) {
	e, ok := m.peers[id]
	if !ok {
		return Left, false
	}
	return e.state, true
}

// LastSeen returns the tick the peer was last heard from.
func (m *Monitor) LastSeen(id crypto.DeviceID) (uint64, bool) {
	e, ok := m.peers[id]
	if !ok {
		return 0, false
	}
	return e.lastSeen, true
}

// Advance evaluates every peer at tick. Peers newly past SuspectAfter are returned in
// suspected; peers past TimeoutAfter are returned in expired and stop being tracked.
// Both lists are ordered by device id.
func (m *Monitor) Advance(tick uint64) (suspected, expired []crypto.DeviceID) {
	for id, e := range m.peers {
		var silence uint64
		if tick > e.lastSeen {
			silence = tick - e.lastSeen
		}
		switch {
		case silence >= m.TimeoutAfter:
			expired = append(expired, id)
			delete(m.peers, id)
		case silence >= m.SuspectAfter && e.state == Alive:
			e.state = Suspect
			suspected = append(suspected, id)
		}
	}
	sortIDs(suspected)
	sortIDs(expired)
	return suspected, expired
}

func sortIDs(ids []crypto.DeviceID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
