package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"otp-smpp-gateway/address"
)

// LokiClient pushes log lines to Loki's HTTP push API.
type LokiClient struct {
	PushURL  string
	Username string
	Password string
	http     *http.Client
}

// LokiPushData is the body of a push request.
type LokiPushData struct {
	Streams []LokiStream `json:"streams"`
}

// LokiStream is a batch of lines sharing one label set.
type LokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"` // [unix nanos, line]
}

func NewLokiClient(pushURL, username, password string) *LokiClient {
	return &LokiClient{
		PushURL:  pushURL,
		Username: username,
		Password: password,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Push sends one stream of lines.
func (c *LokiClient) Push(labels map[string]string, at []time.Time, lines []string) error {
	values := make([][2]string, len(lines))
	for i := range lines {
		values[i] = [2]string{strconv.FormatInt(at[i].UnixNano(), 10), lines[i]}
	}
	payload, err := json.Marshal(LokiPushData{Streams: []LokiStream{{Stream: labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("error marshaling json: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.PushURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" && c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request to Loki: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received unexpected response status: %d", resp.StatusCode)
	}
	return nil
}

type lokiLine struct {
	at    time.Time
	level string
	line  string
}

// LokiHook ships formatted entries to Loki from a background goroutine.
// Entries are dropped when the buffer is full.
type LokiHook struct {
	client    *LokiClient
	labels    map[string]string
	formatter logrus.Formatter
	queue     chan lokiLine
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewLokiHook(client *LokiClient, labels map[string]string) *LokiHook {
	h := &LokiHook{
		client:    client,
		labels:    labels,
		formatter: &logrus.JSONFormatter{},
		queue:     make(chan lokiLine, 1024),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *LokiHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *LokiHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	select {
	case h.queue <- lokiLine{at: entry.Time, level: entry.Level.String(), line: strings.TrimRight(string(b), "\n")}:
	default:
	}
	return nil
}

func (h *LokiHook) run() {
	defer close(h.done)
	for l := range h.queue {
		labels := make(map[string]string, len(h.labels)+1)
		for k, v := range h.labels {
			labels[k] = v
		}
		labels["level"] = l.level
		if err := h.client.Push(labels, []time.Time{l.at}, []string{l.line}); err != nil {
			fmt.Fprintf(os.Stderr, "loki push failed: %v\n", err)
		}
	}
}

// Close flushes queued lines and stops the worker.
func (h *LokiHook) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()
	<-h.done
}

// LogRecord is one structured event built by LogManager.BuildLog.
type LogRecord struct {
	Component string
	Event     string
	Level     logrus.Level
	Fields    logrus.Fields
}

// LogManager owns the process logger and the optional Loki hook.
type LogManager struct {
	logger *logrus.Logger
	loki   *LokiHook
}

// NewLogManager configures a JSON logger at level and attaches Loki when
// lokiURL is set.
func NewLogManager(level, serverID, lokiURL, lokiUser, lokiPassword string) (*LogManager, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	lm := &LogManager{logger: logger}
	if lokiURL != "" {
		lm.loki = NewLokiHook(NewLokiClient(lokiURL, lokiUser, lokiPassword), map[string]string{
			"job":       "otp-smpp-gateway",
			"server_id": serverID,
		})
		logger.AddHook(lm.loki)
	}
	return lm, nil
}

// maskedFields hold phone numbers and never reach a log line in clear.
var maskedFields = map[string]bool{
	"destination": true,
	"contact":     true,
	"phone":       true,
	"recipient":   true,
}

// BuildLog assembles an event. Extra args are attached as "error" when they
// are errors and as "detail" otherwise.
func (lm *LogManager) BuildLog(component, event string, level logrus.Level, fields map[string]interface{}, args ...interface{}) LogRecord {
	out := make(logrus.Fields, len(fields)+2)
	for k, v := range fields {
		if s, ok := v.(string); ok && maskedFields[k] {
			v = address.Mask(s)
		}
		out[k] = v
	}
	out["component"] = component

	var details []interface{}
	for _, a := range args {
		switch v := a.(type) {
		case nil:
		case error:
			out[logrus.ErrorKey] = v.Error()
		default:
			details = append(details, v)
		}
	}
	if len(details) == 1 {
		out["detail"] = details[0]
	} else if len(details) > 1 {
		out["detail"] = details
	}
	return LogRecord{Component: component, Event: event, Level: level, Fields: out}
}

func (lm *LogManager) SendLog(r LogRecord) {
	lm.logger.WithFields(r.Fields).Log(r.Level, r.Event)
}

// Entry returns a logger for a subsystem.
func (lm *LogManager) Entry(component string) *logrus.Entry {
	return lm.logger.WithField("component", component)
}

func (lm *LogManager) Close() {
	if lm.loki != nil {
		lm.loki.Close()
	}
}
