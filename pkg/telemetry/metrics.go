package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the dispatcher's prometheus metric set.
type Metrics struct {
	DispatchCycles     prometheus.Counter
	RecordsPublished   *prometheus.CounterVec
	RecordsSkipped     *prometheus.CounterVec
	RecordsRetried     prometheus.Counter
	RecordsDeadLetters prometheus.Counter
	PublishDuration    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DispatchCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dispatch_cycles_total",
			Help: "Number of completed dispatch cycles.",
		}),
		RecordsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_records_published_total",
			Help: "Records published, by event type.",
		}, []string{"event_type"}),
		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_records_skipped_total",
			Help: "Records skipped (no topic mapping), by event type.",
		}, []string{"event_type"}),
		RecordsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_retried_total",
			Help: "Records left unprocessed for a later attempt.",
		}),
		RecordsDeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_dead_lettered_total",
			Help: "Records taken out of rotation after exhausting retries.",
		}),
		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_publish_duration_seconds",
			Help:    "Duration of the publish step per record.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
