package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics records session and submit events. It implements smpp.Observer.
type Metrics struct {
	Registry *prometheus.Registry

	connections *prometheus.CounterVec
	active      *prometheus.GaugeVec
	received    *prometheus.CounterVec
	succeeded   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	throttled   *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smpp_connections_total",
			Help: "Bind attempts by outcome",
		}, []string{"system_id", "status"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smpp_active_connections",
			Help: "Currently bound SMPP sessions",
		}, []string{"system_id"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submit_sm_received_total",
			Help: "submit_sm PDUs received from bound clients",
		}, []string{"system_id"}),
		succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submit_sm_success_total",
			Help: "submit_sm accepted by the delivery API",
		}, []string{"system_id"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submit_sm_failed_total",
			Help: "submit_sm rejected locally or by the delivery API",
		}, []string{"system_id", "error_code"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submit_sm_throttled_total",
			Help: "submit_sm refused by the client rate limit",
		}, []string{"system_id"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otp_api_latency_seconds",
			Help:    "Delivery API call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"system_id", "status"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.active, m.received, m.succeeded, m.failed, m.throttled, m.apiLatency,
	)
	return m
}

func (m *Metrics) BindAttempt(systemID, status string) {
	m.connections.WithLabelValues(systemID, status).Inc()
}

func (m *Metrics) SessionOpened(systemID string) { m.active.WithLabelValues(systemID).Inc() }
func (m *Metrics) SessionClosed(systemID string) { m.active.WithLabelValues(systemID).Dec() }

func (m *Metrics) SubmitReceived(systemID string)  { m.received.WithLabelValues(systemID).Inc() }
func (m *Metrics) SubmitThrottled(systemID string) { m.throttled.WithLabelValues(systemID).Inc() }
func (m *Metrics) SubmitSucceeded(systemID string) { m.succeeded.WithLabelValues(systemID).Inc() }

func (m *Metrics) SubmitFailed(systemID, errorCode string) {
	m.failed.WithLabelValues(systemID, errorCode).Inc()
}

func (m *Metrics) APILatency(systemID, status string, d time.Duration) {
	m.apiLatency.WithLabelValues(systemID, status).Observe(d.Seconds())
}

// GatewayState is what MetricExporter reads on each scrape.
type GatewayState interface {
	ActiveConnections() int
	LoadedClients() int
	Ready() bool
}

// MetricExporter reports point-in-time gateway state.
type MetricExporter struct {
	desc  map[string]*prometheus.Desc
	id    string
	state GatewayState
}

func NewMetricExporter(id string, state GatewayState) *MetricExporter {
	labels := prometheus.Labels{"server_id": id}
	return &MetricExporter{
		desc: map[string]*prometheus.Desc{
			"open_connections": prometheus.NewDesc("smpp_open_connections", "Open SMPP connections, bound or not", nil, labels),
			"loaded_clients":   prometheus.NewDesc("smpp_loaded_clients", "Client profiles currently loaded or cached", nil, labels),
			"server_status":    prometheus.NewDesc("server_status", "1 when the gateway is accepting traffic", []string{"service"}, labels),
		},
		id:    id,
		state: state,
	}
}

func (e *MetricExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.desc {
		ch <- desc
	}
}

func (e *MetricExporter) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(e.desc["open_connections"], prometheus.GaugeValue, float64(e.state.ActiveConnections()))
	ch <- prometheus.MustNewConstMetric(e.desc["loaded_clients"], prometheus.GaugeValue, float64(e.state.LoadedClients()))

	status := 0.0
	if e.state.Ready() {
		status = 1
	}
	ch <- prometheus.MustNewConstMetric(e.desc["server_status"], prometheus.GaugeValue, status, "SMPPServer")
}
