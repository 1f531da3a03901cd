// Package metrics holds the prometheus collectors of the session server.
// A nil *Metrics is valid and records nothing, which keeps tests and the
// client free of prometheus wiring.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canvas"

type Metrics struct {
	registry *prometheus.Registry

	rooms        prometheus.Gauge
	connections  prometheus.Gauge
	roomsCreated prometheus.Counter
	roomsExpired prometheus.Counter
	refused      prometheus.Counter
	messages     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	frameBytes   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of rooms held in memory, including rooms in their grace period.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open websocket connections.",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created by an explicit create intent.",
		}),
		roomsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_expired_total",
			Help:      "Rooms discarded after their grace period elapsed empty.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_refused_total",
			Help:      "Connections refused because the room does not exist.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Frames handled, by kind and direction.",
		}, []string{"kind", "direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		frameBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_bytes",
			Help:      "Size of inbound frames.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.rooms, m.connections, m.roomsCreated, m.roomsExpired, m.refused,
		m.messages, m.dropped, m.frameBytes,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_goroutines",
			Help: "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		}),
	)
	return m
}

// Handler serves the collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
	m.rooms.Inc()
}

func (m *Metrics) RoomExpired() {
	if m == nil {
		return
	}
	m.roomsExpired.Inc()
	m.rooms.Dec()
}

// RoomsClosed removes n rooms from the active gauge at shutdown.
func (m *Metrics) RoomsClosed(n int) {
	if m == nil {
		return
	}
	m.rooms.Sub(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ConnectionRefused() {
	if m == nil {
		return
	}
	m.refused.Inc()
}

func (m *Metrics) Received(kind string, size int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, "in").Inc()
	m.frameBytes.Observe(float64(size))
}

func (m *Metrics) Sent(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, "out").Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
