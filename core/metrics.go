package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const metricsNamespace = "peapod"

type metrics struct {
	decisions      *prometheus.CounterVec
	transfers      *prometheus.CounterVec
	chunks         *prometheus.CounterVec
	framesIn       *prometheus.CounterVec
	framesOut      prometheus.Counter
	redistributed  prometheus.Counter
	peerEvents     *prometheus.CounterVec
	peers          prometheus.Gauge
	activeTransfer prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_decisions_total",
			Help:      "Incoming request decisions by outcome.",
		}, []string{"decision"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_finished_total",
			Help:      "Accelerated transfers that left the active set, by outcome.",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunks_received_total",
			Help:      "Chunk payloads received, by verification result.",
		}, []string{"result"}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Encrypted frames received from peers, by result.",
		}, []string{"result"}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Encrypted frames handed to the host for sending.",
		}),
		redistributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunks_redistributed_total",
			Help:      "Chunks moved to another worker after loss, failure or nack.",
		}),
		peerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "peer_events_total",
			Help:      "Peer lifecycle events.",
		}, []string{"event"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pod_peers",
			Help:      "Peers with a live session.",
		}),
		activeTransfer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_transfers",
			Help:      "Transfers currently in progress.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	for _, c := range []prometheus.Collector{
		m.decisions, m.transfers, m.chunks, m.framesIn, m.framesOut,
		m.redistributed, m.peerEvents, m.peers, m.activeTransfer,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
