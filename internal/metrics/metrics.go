// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wuling"

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec   // endpoint, result
	RequestDuration    *prometheus.HistogramVec // endpoint
	PollsTotal         *prometheus.CounterVec   // loop, result
	PollInterval       prometheus.Gauge
	AdaptiveOverride   prometheus.Gauge
	AttributeChanges   prometheus.Counter
	Subscribers        prometheus.Gauge
	NotificationsTotal *prometheus.CounterVec // kind, result
	GeocodeTotal       *prometheus.CounterVec // result
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "requests_total",
			Help:      "Vehicle cloud API requests by endpoint and result",
		}, []string{"endpoint", "result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "request_duration_seconds",
			Help:      "Vehicle cloud API request latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "runs_total",
			Help:      "Poll loop iterations by loop and result",
		}, []string{"loop", "result"}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "primary_interval_seconds",
			Help:      "Effective primary poll interval",
		}),
		AdaptiveOverride: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "override_active",
			Help:      "1 while the fast poll override is active",
		}),
		AttributeChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "attribute_changes_total",
			Help:      "Attribute values changed by merges",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "subscribers",
			Help:      "Registered state subscribers",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Notifications by kind and result",
		}, []string{"kind", "result"}),
		GeocodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geo",
			Name:      "lookups_total",
			Help:      "Reverse geocoding lookups by result",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal, m.RequestDuration,
		m.PollsTotal, m.PollInterval, m.AdaptiveOverride,
		m.AttributeChanges, m.Subscribers,
		m.NotificationsTotal, m.GeocodeTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRequest records one cloud API call.
func (m *Metrics) ObserveRequest(endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, result(err)).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObservePoll records one poll loop iteration.
func (m *Metrics) ObservePoll(loop string, err error) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(loop, result(err)).Inc()
}

// SetInterval records the effective primary interval and override state.
func (m *Metrics) SetInterval(d time.Duration, override bool) {
	if m == nil {
		return
	}
	m.PollInterval.Set(d.Seconds())
	if override {
		m.AdaptiveOverride.Set(1)
	} else {
		m.AdaptiveOverride.Set(0)
	}
}

// AddChanges counts changed attributes.
func (m *Metrics) AddChanges(n int) {
	if m == nil || n == 0 {
		return
	}
	m.AttributeChanges.Add(float64(n))
}

// SetSubscribers records the number of state subscribers.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// ObserveNotification records a notification attempt.
func (m *Metrics) ObserveNotification(kind string, err error) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, result(err)).Inc()
}

// ObserveGeocode records a geocoding attempt. found is false when the lookup
// succeeded but produced no address.
func (m *Metrics) ObserveGeocode(found bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.GeocodeTotal.WithLabelValues("error").Inc()
	case !found:
		m.GeocodeTotal.WithLabelValues("empty").Inc()
	default:
		m.GeocodeTotal.WithLabelValues("ok").Inc()
	}
}
