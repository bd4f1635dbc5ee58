package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors of pconf. Disabled metrics have
// nil collectors and every Record method is a no-op.
type Metrics struct {
	config MetricsConfig

	clockParses       *prometheus.CounterVec
	clockSections     prometheus.Gauge
	clockSkippedLines *prometheus.CounterVec

	factResolutions  *prometheus.CounterVec
	factDuration     *prometheus.HistogramVec
	factsCollections prometheus.Counter

	hostDials *prometheus.HistogramVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	settingChanges *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// collectorFactory names every collector under one namespace and
// registers it on creation.
type collectorFactory struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry
}

func (f collectorFactory) counter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: f.namespace, Subsystem: subsystem, Name: name, Help: help})
	f.registry.MustRegister(c)
	return c
}

func (f collectorFactory) counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	f.registry.MustRegister(c)
	return c
}

func (f collectorFactory) gauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: f.namespace, Subsystem: subsystem, Name: name, Help: help})
	f.registry.MustRegister(g)
	return g
}

func (f collectorFactory) histogramVec(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   f.buckets,
	}, labels)
	f.registry.MustRegister(h)
	return h
}

// NewMetrics registers the pconf collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	f := collectorFactory{
		namespace: cfg.Namespace,
		buckets:   cfg.DefaultHistogramBuckets,
		registry:  prometheus.NewRegistry(),
	}
	if len(f.buckets) == 0 {
		f.buckets = prometheus.DefBuckets
	}
	m.registry = f.registry

	m.clockParses = f.counterVec("clockconf", "parses_total", "Clock configuration parses by outcome", "status")
	m.clockSections = f.gauge("clockconf", "sections", "Clock sections found by the last successful parse")
	m.clockSkippedLines = f.counterVec("clockconf", "skipped_lines_total", "Clock configuration lines ignored by reason", "reason")

	m.factResolutions = f.counterVec("", "fact_resolutions_total", "Fact resolutions by fact and outcome", "fact", "status")
	m.factDuration = f.histogramVec("", "fact_resolution_duration_seconds", "Time spent resolving a fact", "fact")
	m.factsCollections = f.counter("", "fact_collections_total", "Fact collection runs")

	m.hostDials = f.histogramVec("", "host_dial_duration_seconds", "Time spent connecting to a configured host", "host", "status")

	m.providerCalls = f.counterVec("", "provider_calls_total", "Setting provider calls", "provider", "operation")
	m.providerDuration = f.histogramVec("", "provider_call_duration_seconds", "Time spent in a setting provider call", "provider", "operation")
	m.providerErrors = f.counterVec("", "provider_errors_total", "Failed setting provider calls", "provider", "operation")

	m.settingChanges = f.counterVec("", "setting_changes_total", "Setting changes written to disk", "type", "action")

	m.errorsByClass = f.counterVec("", "errors_by_class_total", "Errors by class", "class")
	m.errorsByCode = f.counterVec("", "errors_by_code_total", "Errors by code", "code")

	return m, nil
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordClockParse counts a parse. A successful one sets the sections
// gauge; every skipped line is counted under its reason.
func (m *Metrics) RecordClockParse(status string, sections int, skipped []string) {
	if !m.enabled() {
		return
	}
	m.clockParses.WithLabelValues(status).Inc()
	if status == "success" {
		m.clockSections.Set(float64(sections))
	}
	for _, reason := range skipped {
		m.clockSkippedLines.WithLabelValues(reason).Inc()
	}
}

// RecordFactResolution counts one resolved fact and observes its duration.
func (m *Metrics) RecordFactResolution(fact, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.factResolutions.WithLabelValues(fact, status).Inc()
	m.factDuration.WithLabelValues(fact).Observe(duration.Seconds())
}

// RecordFactCollection counts a collection run.
func (m *Metrics) RecordFactCollection() {
	if m.enabled() {
		m.factsCollections.Inc()
	}
}

// RecordHostDial observes an SSH connection attempt.
func (m *Metrics) RecordHostDial(host, status string, duration time.Duration) {
	if m.enabled() {
		m.hostDials.WithLabelValues(host, status).Observe(duration.Seconds())
	}
}

// RecordProviderCall counts a provider call and observes its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError counts a failed provider call.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m.enabled() {
		m.providerErrors.WithLabelValues(provider, operation).Inc()
	}
}

// RecordSettingChange counts a setting change that modified a file.
func (m *Metrics) RecordSettingChange(settingType, action string) {
	if m.enabled() {
		m.settingChanges.WithLabelValues(settingType, action).Inc()
	}
}

// RecordError counts an error by class and, when set, by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since NewTimer.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured address in the
// background. It does nothing when metrics are disabled.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", srv.Addr).Msg("Metrics server stopped")
		}
	}(m.server)

	log.Debug().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	return nil
}

// StopMetricsServer closes the metrics server if one was started.
func (m *Metrics) StopMetricsServer() error {
	if m.server == nil {
		return nil
	}
	return m.server.Close()
}
