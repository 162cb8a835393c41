package commands

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peapod/core"
	"peapod/crypto"
	"peapod/integrity"
)

const simulationURL = "sim://pod/body"

type simulationConfig struct {
	Peers     int
	Size      uint64
	ChunkSize uint64
	// LosePeer is the 1-based index of a peer that goes silent after joining. Zero disables it.
	LosePeer  int
	MaxRounds int
}

type simulationReport struct {
	Completed bool
	Abandoned bool
	Fallback  core.FallbackReason
	BodyOK    bool
	Ticks     int
	// Served counts chunks fetched per device, the origin included.
	Served    map[crypto.DeviceID]int
	Origin    crypto.DeviceID
}

type envelope struct {
	owner  *core.Core
	action core.Action
}

// pod is a set of cores wired together in memory.
type pod struct {
	origin *core.Core
	peers  map[crypto.DeviceID]*core.Core
	lost   map[crypto.DeviceID]bool
	body   []byte
	report *simulationReport
	result []byte
}

func runSimulation(cfg simulationConfig, log *zap.Logger) (*simulationReport, error) {
	if cfg.Peers < 0 || cfg.LosePeer < 0 || cfg.LosePeer > cfg.Peers {
		return nil, errors.New("invalid peer settings")
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = 32
	}

	origin, err := core.New(core.Options{Logger: log.Named("origin"), ChunkSize: cfg.ChunkSize})
	if err != nil {
		return nil, err
	}
	p := &pod{
		origin: origin,
		peers:  make(map[crypto.DeviceID]*core.Core),
		lost:   make(map[crypto.DeviceID]bool),
		body:   syntheticBody(cfg.Size),
		report: &simulationReport{Served: make(map[crypto.DeviceID]int), Origin: origin.DeviceID()},
	}

	for i := 1; i <= cfg.Peers; i++ {
		peer, err := core.New(core.Options{Logger: log.Named(fmt.Sprintf("peer%d", i)), ChunkSize: cfg.ChunkSize})
		if err != nil {
			return nil, err
		}
		if err := join(origin, peer); err != nil {
			return nil, err
		}
		p.peers[peer.DeviceID()] = peer
		if i == cfg.LosePeer {
			p.lost[peer.DeviceID()] = true
		}
	}

	decision := origin.OnIncomingRequest(core.Request{URL: simulationURL, Length: cfg.Size})
	switch d := decision.(type) {
	case core.Fallback:
		p.report.Fallback = d.Reason
		return p.report, nil
	case core.Accelerate:
		if err := p.run(origin, d.Actions); err != nil {
			return nil, err
		}
	}

	for round := 0; round < cfg.MaxRounds && !p.done(); round++ {
		p.report.Ticks++
		if err := p.run(origin, origin.Tick()); err != nil {
			return nil, err
		}
		for id, peer := range p.peers {
			if p.lost[id] {
				continue
			}
			if err := p.run(peer, peer.Tick()); err != nil {
				return nil, err
			}
		}
	}

	p.report.BodyOK = p.report.Completed && bytes.Equal(p.result, p.body)
	return p.report, nil
}

func join(a, b *core.Core) error {
	pa, pb := a.PublicKey(), b.PublicKey()
	if _, err := a.OnPeerJoined(b.DeviceID(), pb[:]); err != nil {
		return err
	}
	_, err := b.OnPeerJoined(a.DeviceID(), pa[:])
	return err
}

func (p *pod) done() bool {
	return p.report.Completed || p.report.Abandoned
}

func (p *pod) member(id crypto.DeviceID) *core.Core {
	if id == p.origin.DeviceID() {
		return p.origin
	}
	return p.peers[id]
}

// run executes actions breadth first until no new ones appear.
func (p *pod) run(owner *core.Core, actions []core.Action) error {
	queue := make([]envelope, 0, len(actions))
	for _, a := range actions {
		queue = append(queue, envelope{owner: owner, action: a})
	}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		produced, err := p.execute(next.owner, next.action)
		if err != nil {
			return err
		}
		queue = append(queue, produced...)
	}
	return nil
}

func (p *pod) execute(owner *core.Core, action core.Action) ([]envelope, error) {
	switch a := action.(type) {
	case core.FetchChunk:
		payload := p.body[a.Offset+a.Start : a.Offset+a.End]
		p.report.Served[owner.DeviceID()]++
		body, actions, err := owner.OnChunkReceived(a.TransferID, a.Start, a.End, integrity.Hash(payload), payload)
		if err != nil {
			return nil, err
		}
		p.complete(body)
		return wrap(owner, actions), nil

	case core.SendMessage:
		if p.lost[a.Peer] || p.lost[owner.DeviceID()] {
			return nil, nil
		}
		target := p.member(a.Peer)
		if target == nil {
			return nil, nil
		}
		res, err := target.OnMessageReceived(owner.DeviceID(), a.Frame)
		if err != nil {
			return nil, err
		}
		if res.Completed != nil {
			p.complete(res.Completed.Body)
		}
		return wrap(target, res.Actions), nil

	case core.ServeChunk:
		payload := p.body[a.Start:a.End]
		p.report.Served[owner.DeviceID()]++
		msg, err := owner.ChunkDataFrame(a.Peer, a.TransferID, a.Start, a.End, payload)
		if err != nil {
			return nil, err
		}
		return wrap(owner, []core.Action{msg}), nil

	case core.TransferAbandoned:
		p.report.Abandoned = true
		return nil, nil

	default:
		return nil, fmt.Errorf("unexpected action %T", action)
	}
}

func (p *pod) complete(body []byte) {
	if body == nil {
		return
	}
	p.report.Completed = true
	p.result = body
}

func wrap(owner *core.Core, actions []core.Action) []envelope {
	out := make([]envelope, 0, len(actions))
	for _, a := range actions {
		out = append(out, envelope{owner: owner, action: a})
	}
	return out
}

func syntheticBody(n uint64) []byte {
	out := make([]byte, n)
	var x uint32 = 2463534242
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = byte(x)
	}
	return out
}

func simulateCmd() *cobra.Command {
	cfg := simulationConfig{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Accelerate a synthetic download across an in-memory pod",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runSimulation(cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if report.Fallback != "" {
				fmt.Fprintf(out, "Fallback: %s\n", report.Fallback)
				return nil
			}
			fmt.Fprintf(out, "Completed: %v (body verified: %v)\n", report.Completed, report.BodyOK)
			fmt.Fprintf(out, "Abandoned: %v\n", report.Abandoned)
			fmt.Fprintf(out, "Ticks:     %d\n", report.Ticks)
			ids := make([]crypto.DeviceID, 0, len(report.Served))
			for id := range report.Served {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
			for _, id := range ids {
				role := "peer"
				if id == report.Origin {
					role = "self"
				}
				fmt.Fprintf(out, "  %s %-4s %d chunks\n", id.Short(), role, report.Served[id])
			}
			if !report.Completed {
				return errors.New("transfer did not complete")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cfg.Peers, "peers", 2, "number of peers besides this device")
	cmd.Flags().Uint64Var(&cfg.Size, "size", 4<<20, "body size in bytes")
	cmd.Flags().Uint64Var(&cfg.ChunkSize, "chunk-size", 0, "chunk size in bytes (default 256 KiB)")
	cmd.Flags().IntVar(&cfg.LosePeer, "lose", 0, "1-based index of a peer that goes silent after joining")
	cmd.Flags().IntVar(&cfg.MaxRounds, "rounds", 32, "maximum number of ticks to run")
	return cmd
}
