package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaycast"

// Recorder owns the Prometheus registry for the relay daemon: HTTP traffic,
// relay process lifecycle, lifecycle events, and active stream gauges.
type Recorder struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	spawns          *prometheus.CounterVec
	exits           *prometheus.CounterVec
	stops           *prometheus.HistogramVec
	lifecycleEvents *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	activeRelays    prometheus.Gauge
}

var defaultRecorder = New()

// New creates a Recorder with its own registry, including Go runtime and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by method, route, and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_spawns_total",
			Help:      "Relay launch attempts, by platform and result.",
		}, []string{"platform", "result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_exits_total",
			Help:      "Relay process exits, by platform and outcome.",
		}, []string{"platform", "outcome"}),
		stops: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_stop_seconds",
			Help:      "Time taken to stop a relay, by the phase that ended it.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 6, 8, 10},
		}, []string{"phase"}),
		lifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Stream lifecycle events handled, by type and result.",
		}, []string{"type", "result"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams with at least one live relay.",
		}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_relays",
			Help:      "Relay processes currently supervised.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.spawns,
		r.exits,
		r.stops,
		r.lifecycleEvents,
		r.activeStreams,
		r.activeRelays,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request. route should be the matched route
// pattern so label cardinality stays bounded.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	if route == "" {
		route = "unmatched"
	}
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RelaySpawned records a launch attempt for platform.
func (r *Recorder) RelaySpawned(platform string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.spawns.WithLabelValues(platform, result).Inc()
}

// RelayExited records how a relay process ended.
func (r *Recorder) RelayExited(platform, outcome string) {
	r.exits.WithLabelValues(platform, outcome).Inc()
}

// RelayStopped records the duration of one shutdown sequence.
func (r *Recorder) RelayStopped(phase string, elapsed time.Duration) {
	r.stops.WithLabelValues(phase).Observe(elapsed.Seconds())
}

// LifecycleEvent records a handled publish or publish_done event.
func (r *Recorder) LifecycleEvent(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.lifecycleEvents.WithLabelValues(eventType, result).Inc()
}

// SetActive updates the active stream and relay gauges.
func (r *Recorder) SetActive(streams, relays int) {
	r.activeStreams.Set(float64(streams))
	r.activeRelays.Set(float64(relays))
}

// Handler serves the registry. refresh, when set, runs before every scrape so
// gauges reflect live state.
func (r *Recorder) Handler(refresh func()) http.Handler {
	inner := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if refresh != nil {
			refresh()
		}
		inner.ServeHTTP(w, req)
	})
}
