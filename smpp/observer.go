package smpp

import (
	"time"

	"otp-smpp-gateway/smpp/pdu"
)

// Observer receives session events for metrics.
type Observer interface {
	BindAttempt(systemID, status string)
	SessionOpened(systemID string)
	SessionClosed(systemID string)
	SubmitReceived(systemID string)
	SubmitThrottled(systemID string)
	SubmitSucceeded(systemID string)
	SubmitFailed(systemID, errorCode string)
	APILatency(systemID, status string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) BindAttempt(string, string)               {}
func (nopObserver) SessionOpened(string)                     {}
func (nopObserver) SessionClosed(string)                     {}
func (nopObserver) SubmitReceived(string)                    {}
func (nopObserver) SubmitThrottled(string)                   {}
func (nopObserver) SubmitSucceeded(string)                   {}
func (nopObserver) SubmitFailed(string, string)              {}
func (nopObserver) APILatency(string, string, time.Duration) {}

// SubmitRecord is the audit trail of one answered submit_sm.
type SubmitRecord struct {
	SessionID   string
	SystemID    string
	RemoteIP    string
	Destination string
	Sender      string
	Outcome     string
	Status      pdu.CommandStatus
	MessageID   string
	ErrorCode   int
	Latency     time.Duration
	Submitted   time.Time
}

// Recorder persists submit records. Record must not block.
type Recorder interface {
	Record(SubmitRecord)
}

type nopRecorder struct{}

func (nopRecorder) Record(SubmitRecord) {}
