package main

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-smpp-gateway/smpp"
)

var _ smpp.Observer = (*Metrics)(nil)

func TestMetricsCountSessionEvents(t *testing.T) {
	m := NewMetrics()

	m.BindAttempt("bank", "success")
	m.BindAttempt("bank", "success")
	m.BindAttempt("bank", "invalid_credentials")
	m.SessionOpened("bank")
	m.SessionOpened("bank")
	m.SessionClosed("bank")
	m.SubmitReceived("bank")
	m.SubmitReceived("bank")
	m.SubmitSucceeded("bank")
	m.SubmitThrottled("bank")
	m.SubmitFailed("bank", "invalid_destination")
	m.SubmitFailed("bank", "1600")
	m.APILatency("bank", "success", 300*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections.WithLabelValues("bank", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("bank", "invalid_credentials")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active.WithLabelValues("bank")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.received.WithLabelValues("bank")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.succeeded.WithLabelValues("bank")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.throttled.WithLabelValues("bank")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failed.WithLabelValues("bank", "1600")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.apiLatency, "otp_api_latency_seconds"))

	expected := `
# HELP submit_sm_failed_total submit_sm rejected locally or by the delivery API
# TYPE submit_sm_failed_total counter
submit_sm_failed_total{error_code="1600",system_id="bank"} 1
submit_sm_failed_total{error_code="invalid_destination",system_id="bank"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "submit_sm_failed_total"))
}

type fakeState struct {
	connections int
	clients     int
	ready       bool
}

func (s fakeState) ActiveConnections() int { return s.connections }
func (s fakeState) LoadedClients() int     { return s.clients }
func (s fakeState) Ready() bool            { return s.ready }

func TestMetricExporterReportsState(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewMetricExporter("gw-1", fakeState{connections: 4, clients: 2, ready: true}))

	expected := `
# HELP server_status 1 when the gateway is accepting traffic
# TYPE server_status gauge
server_status{server_id="gw-1",service="SMPPServer"} 1
# HELP smpp_loaded_clients Client profiles currently loaded or cached
# TYPE smpp_loaded_clients gauge
smpp_loaded_clients{server_id="gw-1"} 2
# HELP smpp_open_connections Open SMPP connections, bound or not
# TYPE smpp_open_connections gauge
smpp_open_connections{server_id="gw-1"} 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}
