package main

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"otp-smpp-gateway/smpp"
)

// MsgRecordDBItem is the audit row written for every answered submit_sm.
type MsgRecordDBItem struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	SystemID          string    `gorm:"index;size:16;not null" json:"system_id"`
	SessionID         string    `gorm:"size:36" json:"session_id"`
	SourceIP          string    `json:"source_ip,omitempty"`
	To                string    `json:"to_number"` // masked
	Sender            string    `json:"sender"`
	Outcome           string    `gorm:"index;size:16" json:"outcome"` // delivered, failed, rejected, throttled, error
	CommandStatus     uint32    `json:"command_status"`
	MessageID         string    `gorm:"index" json:"message_id,omitempty"`
	ErrorCode         int       `json:"error_code,omitempty"`
	LatencyMs         int64     `json:"latency_ms"`
	ReceivedTimestamp time.Time `gorm:"index" json:"received_timestamp"`
	ServerID          string    `json:"server_id"`
}

func (MsgRecordDBItem) TableName() string { return "msg_records" }

// MsgRecorder queues submit records and writes them from a single worker so
// a slow database never holds up a session.
type MsgRecorder struct {
	db       *gorm.DB
	serverID string
	lm       *LogManager
	queue    chan smpp.SubmitRecord
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewMsgRecorder(db *gorm.DB, serverID string, lm *LogManager) *MsgRecorder {
	r := &MsgRecorder{
		db:       db,
		serverID: serverID,
		lm:       lm,
		queue:    make(chan smpp.SubmitRecord, 4096),
		done:     make(chan struct{}),
	}
	go r.processMsgRecords()
	return r
}

// Record queues rec; it is dropped with a warning when the queue is full.
func (r *MsgRecorder) Record(rec smpp.SubmitRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.lm.SendLog(r.lm.BuildLog(
			"MsgRecords",
			"QueueFull",
			logrus.WarnLevel,
			map[string]interface{}{
				"system_id":  rec.SystemID,
				"message_id": rec.MessageID,
			},
		))
	}
}

func (r *MsgRecorder) processMsgRecords() {
	defer close(r.done)
	for rec := range r.queue {
		if err := r.InsertMsgRecord(rec); err != nil {
			r.lm.SendLog(r.lm.BuildLog(
				"MsgRecords",
				"InsertError",
				logrus.ErrorLevel,
				map[string]interface{}{
					"system_id":  rec.SystemID,
					"session_id": rec.SessionID,
				}, err,
			))
			continue
		}
		r.lm.SendLog(r.lm.BuildLog(
			"MsgRecords",
			"InsertSuccess",
			logrus.DebugLevel,
			map[string]interface{}{
				"system_id":  rec.SystemID,
				"message_id": rec.MessageID,
			},
		))
	}
}

func (r *MsgRecorder) InsertMsgRecord(rec smpp.SubmitRecord) error {
	return r.db.Create(&MsgRecordDBItem{
		SystemID:          rec.SystemID,
		SessionID:         rec.SessionID,
		SourceIP:          rec.RemoteIP,
		To:                rec.Destination,
		Sender:            rec.Sender,
		Outcome:           rec.Outcome,
		CommandStatus:     uint32(rec.Status),
		MessageID:         rec.MessageID,
		ErrorCode:         rec.ErrorCode,
		LatencyMs:         rec.Latency.Milliseconds(),
		ReceivedTimestamp: rec.Submitted,
		ServerID:          r.serverID,
	}).Error
}

// Close drains the queue and stops the worker.
func (r *MsgRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

// GetUsageCount counts a client's records with the given outcome since a
// point in time. An empty outcome counts all of them.
func GetUsageCount(db *gorm.DB, systemID, outcome string, since time.Time) (int64, error) {
	var count int64
	query := db.Model(&MsgRecordDBItem{}).
		Where("system_id = ? AND received_timestamp >= ?", systemID, since)
	if outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
