// Package metrics exposes chat activity as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GetStream/duochat/attachment"
	"github.com/GetStream/duochat/chat"
)

const namespace = "duochat"

// Metrics records channel, upload and session activity.
type Metrics struct {
	appended     *prometheus.CounterVec
	snapshots    *prometheus.CounterVec
	snapshotSize prometheus.Histogram
	resubscribes prometheus.Counter
	uploads      *prometheus.CounterVec
	uploadBytes  *prometheus.HistogramVec
	sessions     prometheus.Gauge
}

var (
	_ chat.Observer       = (*Metrics)(nil)
	_ attachment.Observer = (*Metrics)(nil)
)

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended, by result.",
		}, []string{"result"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshots received from live queries, by outcome.",
		}, []string{"outcome"}),
		snapshotSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_messages",
			Help:      "Number of messages in applied snapshots.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribes_total",
			Help:      "Live queries reopened after they dropped.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Attachment uploads, by category and result.",
		}, []string{"category", "result"}),
		uploadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of stored attachments.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"category"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Open conversation sessions.",
		}),
	}
	reg.MustRegister(
		m.appended,
		m.snapshots,
		m.snapshotSize,
		m.resubscribes,
		m.uploads,
		m.uploadBytes,
		m.sessions,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) MessageAppended(err error) {
	m.appended.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) SnapshotApplied(messages int) {
	m.snapshots.WithLabelValues("applied").Inc()
	m.snapshotSize.Observe(float64(messages))
}

func (m *Metrics) SnapshotDiscarded() {
	m.snapshots.WithLabelValues("discarded").Inc()
}

func (m *Metrics) Resubscribed() {
	m.resubscribes.Inc()
}

func (m *Metrics) Uploaded(category attachment.Category, size int64, err error) {
	res := result(err)
	var ue *attachment.UploadError
	if errors.As(err, &ue) {
		res = ue.Kind.String()
	}
	m.uploads.WithLabelValues(category.String(), res).Inc()
	if err == nil {
		m.uploadBytes.WithLabelValues(category.String()).Observe(float64(size))
	}
}

// SessionOpened counts an opened conversation session.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }

// SessionClosed counts a closed conversation session.
func (m *Metrics) SessionClosed() { m.sessions.Dec() }
