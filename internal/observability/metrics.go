package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/hostbridge/internal/client"
	"github.com/danmuck/hostbridge/internal/queue"
)

const namespace = "hostbridge"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control API requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// BridgeSource is read at scrape time.
type BridgeSource struct {
	QueueStats func() queue.Stats
	Connection func() client.State
	Reloads    func() uint64
	Generation func() uint64
}

var connectionModes = []client.Mode{
	client.ModeDisconnected,
	client.ModeConnecting,
	client.ModeRegistered,
	client.ModeActive,
	client.ModeDegraded,
}

// BridgeCollector exports queue, connection and reload state without keeping its own
// counters.
type BridgeCollector struct {
	src BridgeSource

	queueDepth    *prometheus.Desc
	queueBacklog  *prometheus.Desc
	queueActions  *prometheus.Desc
	queueRejected *prometheus.Desc
	connMode      *prometheus.Desc
	connFailures  *prometheus.Desc
	connDegraded  *prometheus.Desc
	connPending   *prometheus.Desc
	reloads       *prometheus.Desc
	generation    *prometheus.Desc
}

var _ prometheus.Collector = (*BridgeCollector)(nil)

func NewBridgeCollector(src BridgeSource) *BridgeCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &BridgeCollector{
		src:           src,
		queueDepth:    desc("queue", "depth", "Live pending actions."),
		queueBacklog:  desc("queue", "backlog", "Entries held by the backing FIFO, expired ones included."),
		queueActions:  desc("queue", "actions_total", "Actions by outcome.", "outcome"),
		queueRejected: desc("queue", "rejected_total", "Submissions refused at capacity."),
		connMode:      desc("connection", "mode", "1 for the current connection mode.", "mode", "transport"),
		connFailures:  desc("connection", "consecutive_failures", "Consecutive failed exchanges."),
		connDegraded:  desc("connection", "degraded_transitions_total", "Times the link entered degraded mode."),
		connPending:   desc("connection", "pending_results", "Results waiting in the outbox."),
		reloads:       desc("update", "reloads_total", "Completed hot reloads."),
		generation:    desc("update", "generation", "Current reload generation."),
	}
}

func (c *BridgeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueDepth, c.queueBacklog, c.queueActions, c.queueRejected,
		c.connMode, c.connFailures, c.connDegraded, c.connPending,
		c.reloads, c.generation,
	} {
		ch <- d
	}
}

func (c *BridgeCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src.QueueStats != nil {
		st := c.src.QueueStats()
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(st.Depth))
		ch <- prometheus.MustNewConstMetric(c.queueBacklog, prometheus.GaugeValue, float64(st.Backlog))
		for outcome, v := range map[string]uint64{
			"submitted": st.Submitted,
			"drained":   st.Drained,
			"completed": st.Completed,
			"failed":    st.Failed,
			"timed_out": st.TimedOut,
			"discarded": st.Discarded,
		} {
			ch <- prometheus.MustNewConstMetric(c.queueActions, prometheus.CounterValue, float64(v), outcome)
		}
		ch <- prometheus.MustNewConstMetric(c.queueRejected, prometheus.CounterValue, float64(st.Rejected))
	}
	if c.src.Connection != nil {
		st := c.src.Connection()
		for _, m := range connectionModes {
			v := 0.0
			if st.Mode == m {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.connMode, prometheus.GaugeValue, v, string(m), st.Transport)
		}
		ch <- prometheus.MustNewConstMetric(c.connFailures, prometheus.GaugeValue, float64(st.ConsecutiveFailures))
		ch <- prometheus.MustNewConstMetric(c.connDegraded, prometheus.CounterValue, float64(st.DegradedTransitions))
		ch <- prometheus.MustNewConstMetric(c.connPending, prometheus.GaugeValue, float64(st.PendingResults))
	}
	if c.src.Reloads != nil {
		ch <- prometheus.MustNewConstMetric(c.reloads, prometheus.CounterValue, float64(c.src.Reloads()))
	}
	if c.src.Generation != nil {
		ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(c.src.Generation()))
	}
}
