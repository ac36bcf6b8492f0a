package transcache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	responses    *prometheus.CounterVec
	transcodes   *prometheus.CounterVec
	fillDuration prometheus.Histogram
	writeBacks   *prometheus.CounterVec
}

// newMetrics creates the middleware collectors and registers them with reg.
// With a nil reg the collectors still count but are not exported.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcache_responses_total",
			Help: "Responses sent, by cache status",
		}, []string{"cache_status"}),
		transcodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcache_transcodes_total",
			Help: "Cached representations transcoded to another encoding",
		}, []string{"from", "to", "result"}),
		fillDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcache_fill_duration_seconds",
			Help:    "Time spent in the upstream handler on cache fills",
			Buckets: prometheus.DefBuckets,
		}),
		writeBacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcache_write_backs_total",
			Help: "Write-backs of transcoded representations, by result",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.responses, m.transcodes, m.fillDuration, m.writeBacks} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return m, nil
}
