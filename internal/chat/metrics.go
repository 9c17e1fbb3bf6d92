package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_connected_sessions",
		Help: "Number of currently attached sessions",
	})

	KnownUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_known_users",
		Help: "Number of user names seen since start",
	})

	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_events_total",
		Help: "Total router events processed by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_event_processing_seconds",
		Help:    "Time to process each router event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	OutboundDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_outbound_dropped_total",
		Help: "Queued frames discarded because a session's outbound buffer was full",
	})

	ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_protocol_errors_total",
		Help: "Malformed frames and payloads by kind",
	}, []string{"op"})

	HistoryEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatrelay_history_entries",
		Help: "Events held in each history view",
	}, []string{"store"})
)

func init() {
	prometheus.MustRegister(ConnectedSessions)
	prometheus.MustRegister(KnownUsers)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(OutboundDropped)
	prometheus.MustRegister(ProtocolErrors)
	prometheus.MustRegister(HistoryEntries)
}
