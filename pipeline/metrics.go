package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the pipeline does.
type Metrics struct {
	Harvested  *prometheus.CounterVec
	Extracted  *prometheus.CounterVec
	Failed     *prometheus.CounterVec
	Registered prometheus.Counter
	Indexed    prometheus.Counter
}

// NewMetrics creates the pipeline counters and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Harvested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nmrfairdos",
			Name:      "harvested_resources_total",
			Help:      "Number of resources listed by the repositories.",
		}, []string{"repository"}),
		Extracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nmrfairdos",
			Name:      "extracted_records_total",
			Help:      "Number of PID records extracted from resources.",
		}, []string{"repository"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nmrfairdos",
			Name:      "extraction_errors_total",
			Help:      "Number of resources that could not be extracted.",
		}, []string{"repository"}),
		Registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nmrfairdos",
			Name:      "registered_records_total",
			Help:      "Number of PID records registered with the Typed PID-Maker.",
		}),
		Indexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nmrfairdos",
			Name:      "indexed_records_total",
			Help:      "Number of PID records sent to Elasticsearch.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Harvested, m.Extracted, m.Failed, m.Registered, m.Indexed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
