package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handler owns every pipeline metric. It carries its own registry so tests can
// construct handlers without tripping duplicate registration.
type Handler struct {
	Registry *prometheus.Registry

	WritesTotal          *prometheus.CounterVec
	MirrorEnqueuedTotal  *prometheus.CounterVec
	MirrorDroppedTotal   *prometheus.CounterVec
	MirrorFlushTotal     *prometheus.CounterVec
	MirrorFlushLatency   prometheus.Histogram
	ForwardDispatchTotal *prometheus.CounterVec
	ForwardDroppedTotal  prometheus.Counter
	QueriesTotal         *prometheus.CounterVec
	QueryDegradedTotal   prometheus.Counter
	ArchiveRunsTotal     *prometheus.CounterVec
	ArchiveRowsExported  prometheus.Counter
	ArchiveRowsDeleted   prometheus.Counter
	HTTPRequestLatency   *prometheus.HistogramVec
}

type Options struct {
	// Additional labels necessary
}

func New(name string) (*Handler, error) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Handler{
		Registry: reg,
		WritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: name,
			Name:      "audit_writes_total",
			Help:      "Audit write attempts by outcome",
		}, []string{"outcome"}),
		MirrorEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: name,
			Name:      "mirror_enqueued_total",
			Help:      "Records accepted into the mirror buffer",
		}, []string{"domain"}),
		MirrorDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: name,
			Name:      "mirror_dropped_total",
			Help:      "Records dropped by the mirror path",
		}, []string{"reason"}),
		MirrorFlushTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: name,
			Name:      "mirror_flush_total",
			Help:      "Mirror buffer flushes by status",
		}, []string{"status"}),
		MirrorFlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: name,
			Name:      "mirror_flush_latency_seconds",
			Help:      "Latency of mirror flush pushes",
			Buckets:   prometheus.DefBuckets,
		}),
		ForwardDispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: name,
			Name:      "forward_dispatch_total",
			Help:      "Forwarding dispatch attempts by target type and outcome",
		}, []string{"target", "outcome"}),
		ForwardDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: name,
			Name:      "forward_dropped_total",
			Help:      "Events dropped because the forwarding queue was full",
		}),
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: name,
			Name:      "audit_queries_total",
			Help:      "Audit queries by source mode and outcome",
		}, []string{"source", "outcome"}),
		QueryDegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: name,
			Name:      "audit_query_degraded_total",
			Help:      "Queries degraded to primary-only because the stream backend was unavailable",
		}),
		ArchiveRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: name,
			Name:      "archive_runs_total",
			Help:      "Archiver runs by outcome",
		}, []string{"outcome"}),
		ArchiveRowsExported: factory.NewCounter(prometheus.CounterOpts{
			Namespace: name,
			Name:      "archive_rows_exported_total",
			Help:      "Rows exported to cold storage",
		}),
		ArchiveRowsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: name,
			Name:      "archive_rows_deleted_total",
			Help:      "Rows deleted from the primary store after export",
		}),
		HTTPRequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: name,
			Name:      "http_request_latency_seconds",
			Help:      "Latency of HTTP handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}, nil
}

// IncWrite increments the write counter for an outcome.
func (h *Handler) IncWrite(outcome string) {
	h.WritesTotal.WithLabelValues(outcome).Inc()
}

// IncMirrorEnqueued increments the mirror enqueue counter for a domain.
func (h *Handler) IncMirrorEnqueued(domain string) {
	h.MirrorEnqueuedTotal.WithLabelValues(domain).Inc()
}

// IncMirrorDropped increments the mirror drop counter for a reason.
func (h *Handler) IncMirrorDropped(reason string) {
	h.MirrorDroppedTotal.WithLabelValues(reason).Inc()
}

// IncMirrorFlush increments the mirror flush counter for a status.
func (h *Handler) IncMirrorFlush(status string) {
	h.MirrorFlushTotal.WithLabelValues(status).Inc()
}

// ObserveMirrorFlushLatency records the duration of one mirror push.
func (h *Handler) ObserveMirrorFlushLatency(d time.Duration) {
	h.MirrorFlushLatency.Observe(d.Seconds())
}

// IncForwardDispatch increments the forwarding counter for a target/outcome.
func (h *Handler) IncForwardDispatch(target, outcome string) {
	h.ForwardDispatchTotal.WithLabelValues(target, outcome).Inc()
}

// IncQuery increments the query counter for a source mode and outcome.
func (h *Handler) IncQuery(source, outcome string) {
	h.QueriesTotal.WithLabelValues(source, outcome).Inc()
}

// IncArchiveRun increments the archiver run counter for an outcome.
func (h *Handler) IncArchiveRun(outcome string) {
	h.ArchiveRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPLatency records a handler latency sample.
func (h *Handler) ObserveHTTPLatency(route, status string, d time.Duration) {
	h.HTTPRequestLatency.WithLabelValues(route, status).Observe(d.Seconds())
}
