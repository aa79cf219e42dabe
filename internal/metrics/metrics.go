package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tasksync"
)

var (
	// ConnectedSessions tracks attached websocket sessions
	ConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_sessions",
			Help:      "Number of currently attached sessions",
		},
	)

	// ActiveRooms tracks rooms with at least one member
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member",
		},
	)

	// FramesTotal counts frames by direction and event type
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames processed",
		},
		[]string{"direction", "type"}, // direction: in/out
	)

	// FramesDropped counts best-effort frames that could not be enqueued
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a session buffer was full or the session was gone",
		},
		[]string{"type"},
	)

	// PresenceSnapshots counts snapshot broadcasts
	PresenceSnapshots = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_snapshots_total",
			Help:      "Total number of presence snapshots broadcast",
		},
	)

	// PresencePruned counts entries removed by the liveness timeout
	PresencePruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_pruned_total",
			Help:      "Presence entries dropped after the liveness timeout",
		},
	)

	// Notifications counts notification routing outcomes
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications routed by outcome",
		},
		[]string{"outcome"}, // delivered/offline/acknowledged
	)

	// Reconnects counts client reconnect attempts
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_reconnects_total",
			Help:      "Client reconnect attempts by result",
		},
		[]string{"result"}, // success/error
	)

	// Mutations counts optimistic mutations by outcome
	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_mutations_total",
			Help:      "Optimistic cache mutations by outcome",
		},
		[]string{"outcome"}, // confirmed/rolled_back/timeout
	)

	// MutationDuration measures request round trips behind optimistic mutations
	MutationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_mutation_duration_seconds",
			Help:      "Mutation request latency in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// StaleWrites counts reorder guesses corrected by the server
	StaleWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorder_stale_writes_total",
			Help:      "Optimistic task positions replaced by a different server position",
		},
	)

	// HTTPRequests counts API requests by route and status code
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
