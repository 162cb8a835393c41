// Package scheduler decides which pod member fetches which chunk.
//
// Assignment is deterministic for a given worker list and metrics so that a
// replayed sequence of events produces the same plan.
package scheduler

import (
	"bytes"
	"sort"

	"peapod/chunk"
	"peapod/crypto"
	"peapod/integrity"
)

// PeerMetrics are host-supplied link measurements for one worker.
type PeerMetrics struct {
	// BandwidthBps is the observed throughput in bytes per second.
	BandwidthBps uint64
	// LatencyMs is the observed round trip in milliseconds.
	LatencyMs uint32
}

// Assignment is one chunk handed to one worker.
type Assignment struct {
	Range  chunk.Range
	Worker crypto.DeviceID
}

// Workers returns the eligible worker list: self first (when includeSelf), then
// every peer that is not isolated, ordered by device id bytes.
func Workers(self crypto.DeviceID, includeSelf bool, peers []crypto.DeviceID, trust *integrity.TrustTracker) []crypto.DeviceID {
	eligible := make([]crypto.DeviceID, 0, len(peers))
	for _, id := range peers {
		if id == self {
			continue
		}
		if trust != nil && trust.IsIsolated(id) {
			continue
		}
		eligible = append(eligible, id)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return bytes.Compare(eligible[i][:], eligible[j][:]) < 0
	})

	if !includeSelf {
		return eligible
	}
	return append([]crypto.DeviceID{self}, eligible...)
}

// Assign hands every Unassigned chunk of t to a worker and returns the assignments
// in chunk order. Without metrics chunks go round-robin in worker order. With
// metrics each worker first gets one chunk, then the rest follow smooth weighted
// round-robin on bandwidth. No workers means nothing is assigned.
func Assign(t *chunk.Transfer, workers []crypto.DeviceID, metrics map[crypto.DeviceID]PeerMetrics) []Assignment {
	return assignRanges(t, t.Unassigned(), workers, metrics)
}

// Redistribute takes back every unfinished chunk held by peer and assigns only those
// among workers. Chunks held by anyone else are not touched.
func Redistribute(t *chunk.Transfer, peer crypto.DeviceID, workers []crypto.DeviceID, metrics map[crypto.DeviceID]PeerMetrics) []Assignment {
	ranges := t.AssignedTo(peer)
	for _, r := range ranges {
		_ = t.Unassign(r)
	}
	return assignRanges(t, ranges, workers, metrics)
}

// Reassign assigns the given ranges (already returned to Unassigned, e.g. after an
// integrity failure or a Nack) among workers other than exclude.
func Reassign(t *chunk.Transfer, ranges []chunk.Range, workers []crypto.DeviceID, exclude crypto.DeviceID, metrics map[crypto.DeviceID]PeerMetrics) []Assignment {
	remaining := make([]crypto.DeviceID, 0, len(workers))
	for _, w := range workers {
		if w != exclude {
			remaining = append(remaining, w)
		}
	}
	return assignRanges(t, ranges, remaining, metrics)
}

func assignRanges(t *chunk.Transfer, ranges []chunk.Range, workers []crypto.DeviceID, metrics map[crypto.DeviceID]PeerMetrics) []Assignment {
	if len(workers) == 0 || len(ranges) == 0 {
		return nil
	}

	var pick func(i int) crypto.DeviceID
	if len(metrics) == 0 {
		pick = func(i int) crypto.DeviceID { return workers[i%len(workers)] }
	} else {
		pick = newWeightedPicker(workers, metrics).pick
	}

	out := make([]Assignment, 0, len(ranges))
	for i, r := range ranges {
		worker := pick(i)
		if err := t.Assign(r, worker); err != nil {
			continue
		}
		out = append(out, Assignment{Range: r, Worker: worker})
	}
	return out
}

// weightedPicker is smooth weighted round-robin seeded with one pass over every worker.
type weightedPicker struct {
	workers []crypto.DeviceID
	weights []int64
	current []int64
	total   int64
}

func newWeightedPicker(workers []crypto.DeviceID, metrics map[crypto.DeviceID]PeerMetrics) *weightedPicker {
	var known, sum uint64
	for _, w := range workers {
		if m, ok := metrics[w]; ok && m.BandwidthBps > 0 {
			known++
			sum += m.BandwidthBps
		}
	}
	fallback := uint64(1)
	if known > 0 {
		fallback = sum / known
	}

	p := &weightedPicker{
		workers: workers,
		weights: make([]int64, len(workers)),
		current: make([]int64, len(workers)),
	}
	for i, w := range workers {
		bw := fallback
		if m, ok := metrics[w]; ok && m.BandwidthBps > 0 {
			bw = m.BandwidthBps
		}
		weight := int64(bw / 1024)
		if weight < 1 {
			weight = 1
		}
		p.weights[i] = weight
		p.total += weight
	}
	return p
}

func (p *weightedPicker) pick(i int) crypto.DeviceID {
	if i < len(p.workers) {
		return p.workers[i]
	}
	best := 0
	for j := range p.workers {
		p.current[j] += p.weights[j]
		if p.current[j] > p.current[best] {
			best = j
		}
	}
	p.current[best] -= p.total
	return p.workers[best]
}
