// Package metrics provides Prometheus metrics for the bot.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Command dispatch.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusbot",
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Commands handled, by command and result.",
	}, []string{"command", "result"})
	MaintenanceRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campusbot",
		Subsystem: "dispatch",
		Name:      "maintenance_rejections_total",
		Help:      "Messages from non-admins rejected while in maintenance mode.",
	})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "campusbot",
		Subsystem: "dispatch",
		Name:      "sessions_active",
		Help:      "Number of open per-chat sessions.",
	})
	DroppedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campusbot",
		Subsystem: "dispatch",
		Name:      "updates_dropped_total",
		Help:      "Updates dropped because their chat's queue was full.",
	})

	// Fan-out.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusbot",
		Subsystem: "fanout",
		Name:      "deliveries_total",
		Help:      "Broadcast deliveries attempted, by outcome.",
	}, []string{"outcome"}) // "sent" or "failed"

	// Feed listener.
	FeedPollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusbot",
		Subsystem: "feed",
		Name:      "polls_total",
		Help:      "Feed polls, by outcome.",
	}, []string{"outcome"}) // "ok", "not_modified" or "error"
	FeedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusbot",
		Subsystem: "feed",
		Name:      "events_total",
		Help:      "Feed events seen, by verdict.",
	}, []string{"verdict"}) // "relayed", "repost" or "old"

	// HTTP surface.
	WebhookRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusbot",
		Subsystem: "web",
		Name:      "webhook_requests_total",
		Help:      "Telegram webhook requests, by outcome.",
	}, []string{"outcome"}) // "accepted", "unauthorized" or "bad_request"
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		MaintenanceRejections,
		ActiveSessions,
		DroppedUpdates,

		DeliveriesTotal,

		FeedPollsTotal,
		FeedEventsTotal,

		WebhookRequestsTotal,
	)
}
