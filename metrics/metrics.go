package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_ws_connections",
		Help: "Currently registered websocket sessions",
	})
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_requests_total",
		Help: "Inbound protocol requests by event and outcome",
	}, []string{"event", "outcome"})
	broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_broadcast_events_total",
		Help: "Events fanned out to all sessions",
	}, []string{"event"})
	droppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_dropped_frames_total",
		Help: "Outbound frames dropped because the session was gone or its queue was full",
	})
	storeOps = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_store_operation_seconds",
		Help:    "Message store operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})
	relayFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_relay_fallbacks_total",
		Help: "Events fanned out locally because the shared transport was unavailable",
	}, []string{"transport"})
)

func IncWSConnections() { wsConnections.Inc() }
func DecWSConnections() { wsConnections.Dec() }

func IncRequest(event, outcome string) { requests.WithLabelValues(event, outcome).Inc() }

func IncBroadcast(event string) { broadcasts.WithLabelValues(event).Inc() }

func IncDroppedFrame() { droppedFrames.Inc() }

func IncRelayFallback(transport string) { relayFallbacks.WithLabelValues(transport).Inc() }

// ObserveStore records the duration of a store operation that began at start.
func ObserveStore(op, outcome string, start time.Time) {
	storeOps.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// Handler exposes the default registry in the Prometheus exposition format.
func Handler() http.Handler { return promhttp.Handler() }
