package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "zones"

// Config configures the collector set.
type Config struct {
	// Namespace prefixes every metric name (default: "zones").
	Namespace string
	// Registry receives the collectors (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// Collectors holds the service metrics. A nil *Collectors is valid and
// records nothing, so components can run without metrics in tests.
type Collectors struct {
	namespace string
	registry  prometheus.Registerer

	socketConnections prometheus.Counter
	activeConnections prometheus.Gauge
	socketMessages    *prometheus.CounterVec
	syncMessages      *prometheus.CounterVec
	droppedFrames     *prometheus.CounterVec
	lockAttempts      *prometheus.CounterVec
}

// New registers the collectors with cfg.Registry.
func New(cfg Config) *Collectors {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Collectors{
		namespace: namespace,
		registry:  registry,

		socketConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_connections_total",
			Help:      "Total WebSocket connections accepted",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		}),
		socketMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_messages_total",
			Help:      "Total inbound WebSocket messages by event type",
		}, []string{"type"}),
		syncMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_messages_total",
			Help:      "Total collaboration frames processed by message kind",
		}, []string{"kind"}),
		droppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by reason",
		}, []string{"reason"}),
		lockAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_try_total",
			Help:      "Lease lock acquisition attempts by resource kind and result",
		}, []string{"kind", "result"}),
	}
}

// TrackActiveRooms exports the value returned by count as the active_rooms gauge.
func (c *Collectors) TrackActiveRooms(count func() int) {
	if c == nil || count == nil {
		return
	}
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      "active_rooms",
		Help:      "Number of rooms held in memory",
	}, func() float64 {
		return float64(count())
	})
}

// ConnectionOpened records an accepted WebSocket connection.
func (c *Collectors) ConnectionOpened() {
	if c == nil {
		return
	}
	c.socketConnections.Inc()
	c.activeConnections.Inc()
}

// ConnectionClosed records a closed WebSocket connection.
func (c *Collectors) ConnectionClosed() {
	if c == nil {
		return
	}
	c.activeConnections.Dec()
}

// SocketMessage records an inbound control event or binary frame.
func (c *Collectors) SocketMessage(eventType string) {
	if c == nil {
		return
	}
	c.socketMessages.WithLabelValues(eventType).Inc()
}

// SyncMessage records a processed collaboration frame.
func (c *Collectors) SyncMessage(kind string) {
	if c == nil {
		return
	}
	c.syncMessages.WithLabelValues(kind).Inc()
}

// FrameDropped records a frame that was discarded.
func (c *Collectors) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.droppedFrames.WithLabelValues(reason).Inc()
}

// LockAttempt records a lease acquisition attempt.
func (c *Collectors) LockAttempt(kind string, acquired bool) {
	if c == nil {
		return
	}
	result := "denied"
	if acquired {
		result = "acquired"
	}
	c.lockAttempts.WithLabelValues(kind, result).Inc()
}
