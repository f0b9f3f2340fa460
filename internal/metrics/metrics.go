package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes Prometheus collectors for the sync layer. A nil *Recorder
// is valid and records nothing, so components can run without metrics.
type Recorder struct {
	connectionsOpen *prometheus.GaugeVec
	subscribers     *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	eventsApplied   *prometheus.CounterVec
	duplicateDrops  prometheus.Counter
	malformedDrops  prometheus.Counter
	pollFetches     *prometheus.CounterVec
	coalescedHits   prometheus.Counter
}

// New registers the sync-layer collectors on reg (the default registerer
// when nil) and returns a recorder.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		connectionsOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessionsync_connections_open",
				Help: "Open streaming connections by channel kind",
			},
			[]string{"channel"},
		),
		subscribers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessionsync_subscribers",
				Help: "Live subscription handles by channel kind",
			},
			[]string{"channel"},
		),
		reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsync_reconnects_total",
				Help: "Reconnect attempts by channel kind",
			},
			[]string{"channel"},
		),
		eventsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsync_events_applied_total",
				Help: "Stream events applied to aggregates by event type",
			},
			[]string{"type"},
		),
		duplicateDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionsync_duplicate_drops_total",
				Help: "Events dropped by the dedup window",
			},
		),
		malformedDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionsync_malformed_drops_total",
				Help: "Frames dropped because they could not be decoded",
			},
		),
		pollFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsync_poll_fetches_total",
				Help: "Active-session poll round trips by outcome",
			},
			[]string{"outcome"},
		),
		coalescedHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionsync_poll_coalesced_total",
				Help: "Poll fetch calls served from the coalescing window",
			},
		),
	}
}

func (r *Recorder) ConnectionOpened(channel string) {
	if r == nil {
		return
	}
	r.connectionsOpen.WithLabelValues(channel).Inc()
}

func (r *Recorder) ConnectionClosed(channel string) {
	if r == nil {
		return
	}
	r.connectionsOpen.WithLabelValues(channel).Dec()
}

func (r *Recorder) SubscriberAdded(channel string) {
	if r == nil {
		return
	}
	r.subscribers.WithLabelValues(channel).Inc()
}

func (r *Recorder) SubscriberRemoved(channel string) {
	if r == nil {
		return
	}
	r.subscribers.WithLabelValues(channel).Dec()
}

func (r *Recorder) Reconnect(channel string) {
	if r == nil {
		return
	}
	r.reconnects.WithLabelValues(channel).Inc()
}

func (r *Recorder) EventApplied(eventType string) {
	if r == nil {
		return
	}
	r.eventsApplied.WithLabelValues(eventType).Inc()
}

func (r *Recorder) DuplicateDropped() {
	if r == nil {
		return
	}
	r.duplicateDrops.Inc()
}

func (r *Recorder) MalformedDropped() {
	if r == nil {
		return
	}
	r.malformedDrops.Inc()
}

func (r *Recorder) PollFetch(outcome string) {
	if r == nil {
		return
	}
	r.pollFetches.WithLabelValues(outcome).Inc()
}

func (r *Recorder) PollCoalesced() {
	if r == nil {
		return
	}
	r.coalescedHits.Inc()
}
