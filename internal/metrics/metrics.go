package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "forwardctl"

// Metrics holds every collector the daemon exports. A nil *Metrics is valid
// and records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	TrafficEvents      *prometheus.CounterVec
	TrafficBytes       prometheus.Counter
	SerializerDropped  prometheus.Counter
	SerializerWaits    prometheus.Histogram
	QuotaDecisions     *prometheus.CounterVec
	QuotaFlips         *prometheus.CounterVec
	SyncRequests       *prometheus.CounterVec
	SyncDuration       prometheus.Histogram
	SyncQueueDepth     prometheus.Gauge
	EnginePushes       *prometheus.CounterVec
	MonitorChecks      *prometheus.CounterVec
	DirectoryRebuilds  prometheus.Counter
	DirectoryPortCount prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TrafficEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "traffic",
			Name:      "events_total",
			Help:      "Traffic report events by processing outcome.",
		}, []string{"outcome"}),
		TrafficBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "traffic",
			Name:      "bytes_total",
			Help:      "Bytes credited to accounts.",
		}),
		SerializerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serializer",
			Name:      "dropped_total",
			Help:      "Increments dropped after exhausting storage retries.",
		}),
		SerializerWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "serializer",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for an account's update token.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		QuotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "decisions_total",
			Help:      "Quota decisions by reason.",
		}, []string{"reason"}),
		QuotaFlips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "flips_total",
			Help:      "Allow/deny transitions by direction and source.",
		}, []string{"direction", "source"}),
		SyncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "Sync requests by outcome.",
		}, []string{"outcome"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of executed syncs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Queued sync requests.",
		}),
		EnginePushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pushes_total",
			Help:      "Configuration pushes by path (reload, restart, start) and result.",
		}, []string{"path", "result"}),
		MonitorChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "checks_total",
			Help:      "Realtime monitor account checks by tier.",
		}, []string{"tier"}),
		DirectoryRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "rebuilds_total",
			Help:      "Wholesale port directory rebuilds.",
		}),
		DirectoryPortCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "ports",
			Help:      "Ports in the directory after the last rebuild.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TrafficEvents, m.TrafficBytes,
			m.SerializerDropped, m.SerializerWaits,
			m.QuotaDecisions, m.QuotaFlips,
			m.SyncRequests, m.SyncDuration, m.SyncQueueDepth,
			m.EnginePushes, m.MonitorChecks,
			m.DirectoryRebuilds, m.DirectoryPortCount,
		)
	}
	return m
}

func (m *Metrics) TrafficEvent(outcome string) {
	if m == nil {
		return
	}
	m.TrafficEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CreditedBytes(n int64) {
	if m == nil {
		return
	}
	m.TrafficBytes.Add(float64(n))
}

func (m *Metrics) DroppedIncrement() {
	if m == nil {
		return
	}
	m.SerializerDropped.Inc()
}

func (m *Metrics) SerializerWait(seconds float64) {
	if m == nil {
		return
	}
	m.SerializerWaits.Observe(seconds)
}

func (m *Metrics) QuotaDecision(reason string) {
	if m == nil {
		return
	}
	m.QuotaDecisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) QuotaFlip(direction, source string) {
	if m == nil {
		return
	}
	m.QuotaFlips.WithLabelValues(direction, source).Inc()
}

func (m *Metrics) SyncRequest(outcome string) {
	if m == nil {
		return
	}
	m.SyncRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SyncExecuted(seconds float64) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(seconds)
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.SyncQueueDepth.Set(float64(n))
}

func (m *Metrics) EnginePush(path, result string) {
	if m == nil {
		return
	}
	m.EnginePushes.WithLabelValues(path, result).Inc()
}

func (m *Metrics) MonitorCheck(tier string) {
	if m == nil {
		return
	}
	m.MonitorChecks.WithLabelValues(tier).Inc()
}

func (m *Metrics) DirectoryRebuilt(ports int) {
	if m == nil {
		return
	}
	m.DirectoryRebuilds.Inc()
	m.DirectoryPortCount.Set(float64(ports))
}
