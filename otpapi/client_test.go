package otpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestSendOTPSuccess(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "client-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"message":"sent","message_id":"m-1","recipient":"+14155551234","status":"delivered"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLog())
	res, err := c.SendOTP(context.Background(), SendRequest{Contact: "+14155551234", Code: "4821", Sender: "Bank", Language: "en"}, "client-key")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "m-1", res.MessageID)
	assert.Equal(t, SendRequest{Contact: "+14155551234", Code: "4821", Sender: "Bank", Language: "en"}, got)
}

func TestSendOTPStructuredFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"code":150,"contact":"+14155551234","message":"not on imessage","status":"failed"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLog())
	res, err := c.SendOTP(context.Background(), SendRequest{Contact: "+14155551234", Code: "4821"}, "k")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 150, res.Code)
	assert.Equal(t, "failed", res.Status)
}

func TestSendOTPTransportErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"empty bad request": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		},
		"malformed success": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			c := NewClient(srv.URL, 100*time.Millisecond, testLog())
			_, err := c.SendOTP(context.Background(), SendRequest{Contact: "+1"}, "k")
			assert.ErrorIs(t, err, ErrTransport)
		})
	}
}
