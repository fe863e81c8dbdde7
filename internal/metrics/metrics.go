package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Channel sessions currently open",
	})
	PublishedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_published_events_total",
		Help: "Events published to the realtime transport",
	})
	FallbackAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_fallback_appends_total",
		Help: "Messages appended via the store fallback path",
	})
	FailedSends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_failed_sends_total",
		Help: "Sends that failed both publish and fallback append",
	})
	ArchivedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_archived_messages_total",
		Help: "Messages persisted by the event archiver",
	})
)

func Init() {
	prometheus.MustRegister(ActiveSessions, PublishedEvents, FallbackAppends, FailedSends, ArchivedMessages)
}
