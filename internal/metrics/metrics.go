// Package metrics holds the Prometheus collectors of the hub. A nil *Metrics
// is valid and records nothing, so components can be built without it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "calhub"

// Metrics groups every collector the daemon exports.
type Metrics struct {
	syncPasses     *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	eventsMerged   *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	remoteWrites   *prometheus.CounterVec
	ruleRuns       *prometheus.CounterVec
	eventsCopied   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Account sync passes by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of one account sync pass.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		eventsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_merged_total",
			Help:      "Local event writes made by sync passes.",
		}, []string{"op"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth token refresh attempts by result.",
		}, []string{"result"}),
		remoteWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_writes_total",
			Help:      "Event writes issued to remote servers.",
		}, []string{"op", "result"}),
		ruleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copy_rule_executions_total",
			Help:      "Copy rule executions by result.",
		}, []string{"result"}),
		eventsCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_copied_total",
			Help:      "Destination event changes made by copy rules.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.syncPasses, m.syncDuration, m.eventsMerged, m.tokenRefreshes,
		m.remoteWrites, m.ruleRuns, m.eventsCopied)
	return m
}

// SyncPass records one finished pass.
func (m *Metrics) SyncPass(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncPasses.WithLabelValues(result).Inc()
	m.syncDuration.Observe(d.Seconds())
}

// EventsMerged counts local writes of one merge.
func (m *Metrics) EventsMerged(inserted, updated, deleted int) {
	if m == nil {
		return
	}
	m.eventsMerged.WithLabelValues("insert").Add(float64(inserted))
	m.eventsMerged.WithLabelValues("update").Add(float64(updated))
	m.eventsMerged.WithLabelValues("delete").Add(float64(deleted))
}

// TokenRefresh counts a refresh attempt: ok, revoked or failed.
func (m *Metrics) TokenRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// RemoteWrite counts one create, update or delete sent to a server.
func (m *Metrics) RemoteWrite(op string, err error) {
	if m == nil {
		return
	}
	m.remoteWrites.WithLabelValues(op, resultOf(err)).Inc()
}

// RuleRun records one copy rule execution.
func (m *Metrics) RuleRun(created, updated, deleted int, err error) {
	if m == nil {
		return
	}
	m.ruleRuns.WithLabelValues(resultOf(err)).Inc()
	m.eventsCopied.WithLabelValues("create").Add(float64(created))
	m.eventsCopied.WithLabelValues("update").Add(float64(updated))
	m.eventsCopied.WithLabelValues("delete").Add(float64(deleted))
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
