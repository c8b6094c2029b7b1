package otpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"otp-smpp-gateway/address"
)

const (
	DefaultURL     = "https://api.otpblue.com/imsg/api/v1.1/otp/send/"
	DefaultTimeout = 15 * time.Second
)

// ErrTransport wraps every failure that is not a structured API answer:
// network errors, timeouts, unexpected statuses and unreadable bodies.
var ErrTransport = errors.New("otpapi: transport error")

// SendRequest is one delivery. Exactly one of Code or Message is set.
type SendRequest struct {
	Contact  string `json:"contact"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	Sender   string `json:"sender"`
	Language string `json:"language,omitempty"`
}

// Result is either a success envelope or a structured failure.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Contact   string `json:"contact,omitempty"`
	Code      int    `json:"code,omitempty"`
	Status    string `json:"status"`
}

type Client struct {
	url  string
	http *http.Client
	log  *logrus.Entry
}

func NewClient(url string, timeout time.Duration, log *logrus.Entry) *Client {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// SendOTP posts one delivery authenticated with the client's API key. A
// structured failure comes back as a Result with Success false; everything
// else that goes wrong is an ErrTransport.
func (c *Client) SendOTP(ctx context.Context, req SendRequest, apiKey string) (*Result, error) {
	started := time.Now()
	log := c.log.WithField("contact", address.Mask(req.Contact))

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrTransport, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.WithError(err).WithField("latency_ms", time.Since(started).Milliseconds()).Error("OTPAPINetworkError")
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var res Result
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
		}
		if !res.Success && res.Code == 0 {
			res.Success = true
		}
		log.WithFields(logrus.Fields{
			"message_id": res.MessageID,
			"status":     res.Status,
			"latency_ms": time.Since(started).Milliseconds(),
		}).Debug("OTPAPISuccess")
		return &res, nil

	case resp.StatusCode == http.StatusBadRequest && len(body) > 0:
		var res Result
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("%w: decode failure: %v", ErrTransport, err)
		}
		res.Success = false
		log.WithFields(logrus.Fields{
			"error_code": res.Code,
			"error":      res.Message,
			"latency_ms": time.Since(started).Milliseconds(),
		}).Debug("OTPAPIFailure")
		return &res, nil
	}

	log.WithFields(logrus.Fields{
		"response_code": resp.StatusCode,
		"latency_ms":    time.Since(started).Milliseconds(),
	}).Error("OTPAPIUnexpectedStatus")
	return nil, fmt.Errorf("%w: unexpected status %d", ErrTransport, resp.StatusCode)
}
