package dsym

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters updated by a Loader.
type Metrics struct {
	FilesMapped          prometheus.Counter
	LoadErrors           *prometheus.CounterVec
	DSYMLookups          *prometheus.CounterVec
	ObjectMapResolutions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FilesMapped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "machosym_files_mapped_total",
			Help: "Total number of files mapped into memory",
		}),
		LoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machosym_load_errors_total",
			Help: "Total number of errors while loading images, archives and debug bundles",
		}, []string{"kind"}),
		DSYMLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machosym_dsym_lookups_total",
			Help: "Total number of debug bundle lookups by result",
		}, []string{"result"}),
		ObjectMapResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machosym_object_map_resolutions_total",
			Help: "Total number of debug map objects loaded by result",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FilesMapped,
			m.LoadErrors,
			m.DSYMLookups,
			m.ObjectMapResolutions,
		)
	}
	return m
}
