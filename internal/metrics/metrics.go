package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	commitsTotal        *prometheus.CounterVec
	popupsOpened        *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	sessionsCreated     *prometheus.CounterVec
	pushMessages        *prometheus.CounterVec
	pollRunsTotal       prometheus.Counter
	pollRunDuration     prometheus.Histogram
}

// New creates a fresh Metrics registry with HTTP, canvas and poller metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by map-go",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sitewatch",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by map-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	commitsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "map_commits_total",
		Help:      "Location and angle commits sent to the device API, by outcome",
	}, []string{"kind", "result"})

	popupsOpened := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "map_popups_opened_total",
		Help:      "Popups opened on a map view",
	}, []string{"kind"})

	eventsDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "map_events_dropped_total",
		Help:      "Inbound device events that did not produce a popup",
	}, []string{"reason"})

	sessionsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "map_sessions_created_total",
		Help:      "Canvas sessions created, by view",
	}, []string{"view"})

	pushMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "push_messages_total",
		Help:      "Messages received from push transports",
	}, []string{"source"})

	pollRunsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "guardianlite_polls_total",
		Help:      "Total number of guardianlite channel polls processed",
	})

	pollRunDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitewatch",
		Name:      "guardianlite_poll_duration_seconds",
		Help:      "Duration of guardianlite channel polls from start to finish",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		commitsTotal,
		popupsOpened,
		eventsDropped,
		sessionsCreated,
		pushMessages,
		pollRunsTotal,
		pollRunDuration,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		commitsTotal:        commitsTotal,
		popupsOpened:        popupsOpened,
		eventsDropped:       eventsDropped,
		sessionsCreated:     sessionsCreated,
		pushMessages:        pushMessages,
		pollRunsTotal:       pollRunsTotal,
		pollRunDuration:     pollRunDuration,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncCommit counts one commit. kind is "location" or "angle"; result is "ok", "rejected" or "error".
func (m *Metrics) IncCommit(kind, result string) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncPopupOpened(kind string) {
	if m == nil {
		return
	}
	m.popupsOpened.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncEventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSessionCreated(view string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(view).Inc()
}

func (m *Metrics) IncPushMessage(source string) {
	if m == nil {
		return
	}
	m.pushMessages.WithLabelValues(source).Inc()
}

// IncPollRun increments the guardianlite poll counter.
func (m *Metrics) IncPollRun() {
	if m == nil {
		return
	}
	m.pollRunsTotal.Inc()
}

// ObservePollRunDuration observes a guardianlite poll duration.
func (m *Metrics) ObservePollRunDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.pollRunDuration.Observe(duration.Seconds())
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
