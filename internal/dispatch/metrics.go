package dispatch

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// metricSet is the counters internal/trace's /metrics endpoint scrapes
//: bytes
// forwarded per edge, nodes spawned, and pipeline cancellations.
type metricSet struct {
	set *metrics.Set
}

func newMetricSet() *metricSet {
	return &metricSet{set: metrics.NewSet()}
}

// Set exposes the underlying VictoriaMetrics set so internal/trace can
// register it with its own HTTP handler.
func (m *metricSet) Set() *metrics.Set { return m.set }

func (m *metricSet) bytesForwarded(edgeID string, n int) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`posh_edge_bytes_total{edge=%q}`, edgeID)).Add(n)
}

func (m *metricSet) nodeSpawned(nodeID string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`posh_node_spawned_total{node=%q}`, nodeID)).Inc()
}

func (m *metricSet) pipelineCanceled(pipelineID string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`posh_pipeline_canceled_total{pipeline=%q}`, pipelineID)).Inc()
}
