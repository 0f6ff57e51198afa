package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobSource names where a job was picked up from during a processor run.
type JobSource string

const (
	SourceRedis    JobSource = "redis"
	SourceDatabase JobSource = "database"
)

// JobPayload is the part of a queue job needed to generate and address a reply.
type JobPayload struct {
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// QueueJob is the unit of work in the fast queue. Jobs synthesized from ledger rows
// have the same shape.
type QueueJob struct {
	MessageID  string     `json:"messageId"`
	PartnerID  string     `json:"partnerId"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	Payload    JobPayload `json:"payload"`
}

// FailedJob is an element of the failed list kept for operator inspection.
type FailedJob struct {
	Job      QueueJob  `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// JobFromMessage builds the queue job equivalent of a ledger row.
func JobFromMessage(m InboundMessage) QueueJob {
	return QueueJob{
		MessageID:  m.ID,
		PartnerID:  m.PartnerID,
		EnqueuedAt: m.ReceivedAt,
		Payload: JobPayload{
			Sender:     m.Sender,
			Body:       m.Body,
			ReceivedAt: m.ReceivedAt,
		},
	}
}

// Encode serializes the job to the opaque string stored in the queue.
func (j QueueJob) Encode() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode queue job %s failed: %w", j.MessageID, err)
	}
	return string(data), nil
}

// DecodeQueueJob parses a queue entry. Entries without a message id are rejected.
func DecodeQueueJob(raw string) (QueueJob, error) {
	var j QueueJob
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return j, fmt.Errorf("decode queue job failed: %w", err)
	}
	if j.MessageID == "" {
		return j, ErrEmptyMessageID
	}
	return j, nil
}
