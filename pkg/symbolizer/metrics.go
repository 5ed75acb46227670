package symbolizer

import "github.com/prometheus/client_golang/prometheus"

const (
	sourceDWARF     = "dwarf"
	sourceObjectMap = "object_map"
	sourceSymtab    = "symtab"
	sourceNone      = "none"
)

type metrics struct {
	cacheOperations *prometheus.CounterVec
	resolvedFrames  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machosym_symbolizer_cache_operations_total",
			Help: "Total number of image cache operations by operation",
		}, []string{"op"}),
		resolvedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machosym_symbolizer_resolved_frames_total",
			Help: "Total number of resolved addresses by the source of the answer",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheOperations, m.resolvedFrames)
	}
	return m
}
