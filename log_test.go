package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogManager(t *testing.T) *LogManager {
	t.Helper()
	lm, err := NewLogManager("panic", "test", "", "", "")
	require.NoError(t, err)
	return lm
}

func TestBuildLogMasksNumbers(t *testing.T) {
	lm := testLogManager(t)

	r := lm.BuildLog("Server.SMPP.HandleSubmitSM", "SubmitAccepted", logrus.InfoLevel, map[string]interface{}{
		"destination": "+4915112345678",
		"contact":     "12345",
		"system_id":   "bank",
	}, errors.New("boom"), "first", nil, 42)

	assert.Equal(t, "SubmitAccepted", r.Event)
	assert.Equal(t, logrus.InfoLevel, r.Level)
	assert.Equal(t, "+491511234****", r.Fields["destination"])
	assert.Equal(t, "12345", r.Fields["contact"])
	assert.Equal(t, "bank", r.Fields["system_id"])
	assert.Equal(t, "Server.SMPP.HandleSubmitSM", r.Fields["component"])
	assert.Equal(t, "boom", r.Fields[logrus.ErrorKey])
	assert.Equal(t, []interface{}{"first", 42}, r.Fields["detail"])
}

func TestSendLogWritesJSON(t *testing.T) {
	lm, err := NewLogManager("debug", "test", "", "", "")
	require.NoError(t, err)
	var buf bytes.Buffer
	lm.logger.SetOutput(&buf)

	lm.SendLog(lm.BuildLog("Clients.Reload", "ClientsReloaded", logrus.InfoLevel,
		map[string]interface{}{"clients": 3}, "detail"))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ClientsReloaded", line["msg"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "Clients.Reload", line["component"])
	assert.Equal(t, float64(3), line["clients"])
	assert.Equal(t, "detail", line["detail"])
}

func TestNewLogManagerRejectsLevel(t *testing.T) {
	_, err := NewLogManager("chatty", "test", "", "", "")
	assert.Error(t, err)
}

func TestLokiHookPushes(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []LokiPushData
		users  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body LokiPushData
		_ = json.Unmarshal(raw, &body)
		user, _, _ := r.BasicAuth()
		mu.Lock()
		bodies = append(bodies, body)
		users = append(users, user)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	lm, err := NewLogManager("info", "gw-1", srv.URL, "loki", "pw")
	require.NoError(t, err)
	lm.logger.SetOutput(io.Discard)

	lm.SendLog(lm.BuildLog("Gateway.Start", "GatewayStarted", logrus.InfoLevel, nil))
	lm.SendLog(lm.BuildLog("Gateway.Start", "Ignored", logrus.DebugLevel, nil))
	lm.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "loki", users[0])
	require.Len(t, bodies[0].Streams, 1)
	stream := bodies[0].Streams[0]
	assert.Equal(t, map[string]string{"job": "otp-smpp-gateway", "server_id": "gw-1", "level": "info"}, stream.Stream)
	require.Len(t, stream.Values, 1)
	assert.Contains(t, stream.Values[0][1], "GatewayStarted")
}

func TestLokiClientReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewLokiClient(srv.URL, "", "").Push(map[string]string{"job": "x"}, nil, nil)
	assert.Error(t, err)
}
