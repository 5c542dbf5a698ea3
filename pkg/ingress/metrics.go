package ingress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered per Ingester so several instances can coexist.
type metrics struct {
	requestsTotal   prometheus.Counter
	rejectedTotal   *prometheus.CounterVec
	bodySize        prometheus.Histogram
	batchSize       prometheus.Histogram
	connections     prometheus.GaugeFunc
	buffersLive     prometheus.GaugeFunc
	buffersIdle     prometheus.GaugeFunc
	requestsPending prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, ing *Ingester) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requestsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ingress_requests_total",
			Help: "Total number of request bodies decoded and accepted",
		}),
		rejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingress_rejected_total",
				Help: "Total number of rejected requests by kind",
			},
			[]string{"kind"},
		),
		bodySize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingress_body_size_bytes",
			Help:    "Decoded request body size in bytes",
			Buckets: []float64{0, 100, 1000, 10000, 100000, 1000000, 10000000},
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingress_batch_size",
			Help:    "Number of entries per flushed batch",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		connections: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ingress_connections",
			Help: "Current number of registered connections",
		}, func() float64 { return float64(ing.registry.Len()) }),
		buffersLive: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ingress_buffers_live",
			Help: "Current number of checked-out arena buffers",
		}, func() float64 { return float64(ing.arena.Stats().Live) }),
		buffersIdle: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ingress_buffers_idle",
			Help: "Current number of pooled arena buffers",
		}, func() float64 { return float64(ing.arena.Stats().Idle) }),
		requestsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingress_requests_pending",
			Help: "Current number of requests whose body is being decoded",
		}),
	}
}
