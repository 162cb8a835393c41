package core

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peapod/chunk"
	"peapod/crypto"
	"peapod/discovery"
	"peapod/heartbeat"
	"peapod/integrity"
	"peapod/wire"
)

const (
	// DefaultCompletedMemory is how many finished transfer ids are remembered so late
	// chunks can be answered with chunk.ErrAlreadyComplete.
	DefaultCompletedMemory = 256

	// chunkDataOverhead is the encoded ChunkData size without payload plus the AEAD tag.
	chunkDataOverhead = 4 + wire.TransferIDSize + 8 + 8 + wire.HashSize + 8 + crypto.Overhead

	// MaxChunkSize is the largest chunk whose ChunkData still fits in one frame.
	MaxChunkSize = wire.MaxFrameSize - chunkDataOverhead
)

// Options configures a Core. The zero value is usable.
type Options struct {
	// Keypair is the local identity. A fresh one is generated when nil.
	Keypair *crypto.Keypair
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
	// Clock stamps wall-clock last-seen times. Protocol timing is tick based.
	Clock clock.Clock
	// Registerer receives the core metrics. Metrics are kept but not exported when nil.
	Registerer prometheus.Registerer

	// ListenPort is advertised in beacons and discovery responses.
	ListenPort uint16

	ChunkSize            uint64
	SuspectAfterTicks    uint64
	TimeoutTicks         uint64
	DiscoveryExpiryTicks uint64
	MaxIntegrityFailures int
	CompletedMemory      int

	// SelfFetch lets the local device fetch chunks itself. Defaults to true.
	SelfFetch *bool
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = chunk.DefaultChunkSize
	}
	if out.SuspectAfterTicks == 0 {
		out.SuspectAfterTicks = heartbeat.DefaultSuspectAfter
	}
	if out.TimeoutTicks == 0 {
		out.TimeoutTicks = heartbeat.DefaultTimeoutAfter
	}
	if out.DiscoveryExpiryTicks == 0 {
		out.DiscoveryExpiryTicks = discovery.DefaultExpiryTicks
	}
	if out.MaxIntegrityFailures == 0 {
		out.MaxIntegrityFailures = integrity.DefaultMaxFailures
	}
	if out.CompletedMemory == 0 {
		out.CompletedMemory = DefaultCompletedMemory
	}
	return out
}

func (o Options) validate() error {
	var err error
	if o.ChunkSize > MaxChunkSize {
		err = multierr.Append(err, fmt.Errorf("chunk size %d exceeds %d", o.ChunkSize, MaxChunkSize))
	}
	if o.SuspectAfterTicks > o.TimeoutTicks {
		err = multierr.Append(err, fmt.Errorf("suspect after %d ticks is later than timeout after %d ticks", o.SuspectAfterTicks, o.TimeoutTicks))
	}
	if o.MaxIntegrityFailures < 0 {
		err = multierr.Append(err, errors.New("max integrity failures must not be negative"))
	}
	if o.CompletedMemory < 0 {
		err = multierr.Append(err, errors.New("completed memory must not be negative"))
	}
	return err
}

func (o Options) selfFetchEnabled() bool {
	if o.SelfFetch == nil {
		return true
	}
	return *o.SelfFetch
}
