package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync-layer collectors. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	remoteEvents  *prometheus.CounterVec
	conflicts     prometheus.Counter
	commits       *prometheus.CounterVec
	commitLatency *prometheus.HistogramVec
	resyncs       prometheus.Counter
	feedState     *prometheus.GaugeVec
	presenceSent  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		remoteEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "easel_remote_events_total",
				Help: "Change-feed events processed by the element store",
			},
			[]string{"operation", "outcome"},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "easel_conflicts_dropped_total",
				Help: "Remote updates discarded because local state was at or ahead of their version",
			},
		),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "easel_gateway_requests_total",
				Help: "Mutation gateway round trips by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		commitLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "easel_gateway_request_duration_seconds",
				Help:    "Duration of mutation gateway round trips",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		resyncs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "easel_feed_resyncs_total",
				Help: "Full board reloads performed after (re)subscribing",
			},
		),
		feedState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "easel_feed_state",
				Help: "1 for the change feed's current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		presenceSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "easel_presence_published_total",
				Help: "Presence broadcasts published",
			},
		),
	}

	reg.MustRegister(
		m.remoteEvents,
		m.conflicts,
		m.commits,
		m.commitLatency,
		m.resyncs,
		m.feedState,
		m.presenceSent,
	)

	return m
}

// RemoteEvent counts one change-feed event and what the store did with it
// (applied, echo, stale, ignored).
func (m *Metrics) RemoteEvent(operation, outcome string) {
	if m == nil {
		return
	}
	m.remoteEvents.WithLabelValues(operation, outcome).Inc()
}

// ConflictDropped counts one discarded stale remote update.
func (m *Metrics) ConflictDropped() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// GatewayRequest records one gateway round trip.
func (m *Metrics) GatewayRequest(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commits.WithLabelValues(operation, outcome).Inc()
	m.commitLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Resync counts one full board reload.
func (m *Metrics) Resync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

// FeedState marks state as current among all known states.
func (m *Metrics) FeedState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.feedState.WithLabelValues(s).Set(v)
	}
}

// PresencePublished counts one presence broadcast.
func (m *Metrics) PresencePublished() {
	if m == nil {
		return
	}
	m.presenceSent.Inc()
}
