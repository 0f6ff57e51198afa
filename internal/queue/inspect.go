package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/brechohub/autoresponder/internal/models"
)

const (
	// DefaultSampleSize is how many entries Inspect returns per list.
	DefaultSampleSize = 5
	// MaxSampleSize bounds the sample size a caller may ask for.
	MaxSampleSize = 50

	previewBodyRunes = 40
)

// Preview is a read-only view of one queue entry.
type Preview struct {
	MessageID  string     `json:"messageId,omitempty"`
	PartnerID  string     `json:"partnerId,omitempty"`
	Sender     string     `json:"sender,omitempty"`
	Body       string     `json:"body,omitempty"`
	EnqueuedAt *time.Time `json:"enqueuedAt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	FailedAt   *time.Time `json:"failedAt,omitempty"`
	Raw        string     `json:"raw,omitempty"`
}

// ListInfo is the length and head sample of one list.
type ListInfo struct {
	Length int64     `json:"length"`
	Sample []Preview `json:"sample"`
}

// Inspection describes both lists without mutating them.
type Inspection struct {
	Enabled     bool     `json:"enabled"`
	MainQueue   ListInfo `json:"mainQueue"`
	FailedQueue ListInfo `json:"failedQueue"`
}

// Inspect returns the length of both lists, the first sampleSize entries of the
// main queue and the newest sampleSize entries of the failed list, newest first.
func (q *RedisQueue) Inspect(ctx context.Context, sampleSize int) (Inspection, error) {
	out := Inspection{
		MainQueue:   ListInfo{Sample: []Preview{}},
		FailedQueue: ListInfo{Sample: []Preview{}},
	}
	if !q.Enabled() {
		return out, nil
	}
	out.Enabled = true
	sampleSize = ClampSampleSize(sampleSize)

	pipe := q.client.Pipeline()
	mainLen := pipe.LLen(ctx, q.queueKey)
	mainRange := pipe.LRange(ctx, q.queueKey, 0, int64(sampleSize-1))
	failedLen := pipe.LLen(ctx, q.failedKey)
	// Failures are appended at the tail; sample the newest ones.
	failedRange := pipe.LRange(ctx, q.failedKey, -int64(sampleSize), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return out, fmt.Errorf("inspect queues failed: %w", err)
	}

	out.MainQueue.Length = mainLen.Val()
	for _, raw := range mainRange.Val() {
		out.MainQueue.Sample = append(out.MainQueue.Sample, q.previewJob(raw))
	}
	out.FailedQueue.Length = failedLen.Val()
	failed := failedRange.Val()
	for i := len(failed) - 1; i >= 0; i-- {
		out.FailedQueue.Sample = append(out.FailedQueue.Sample, q.previewFailed(failed[i]))
	}
	return out, nil
}

// ClampSampleSize maps a requested sample size into [1, MaxSampleSize].
func ClampSampleSize(n int) int {
	switch {
	case n <= 0:
		return DefaultSampleSize
	case n > MaxSampleSize:
		return MaxSampleSize
	}
	return n
}

func (q *RedisQueue) previewJob(raw string) Preview {
	job, err := models.DecodeQueueJob(raw)
	if err != nil {
		return Preview{Raw: q.redactBody(raw)}
	}
	return q.previewOf(job)
}

func (q *RedisQueue) previewFailed(raw string) Preview {
	var fj models.FailedJob
	if err := json.Unmarshal([]byte(raw), &fj); err != nil || fj.Job.MessageID == "" {
		var malformed struct {
			Raw      string    `json:"raw"`
			Reason   string    `json:"reason"`
			FailedAt time.Time `json:"failedAt"`
		}
		if json.Unmarshal([]byte(raw), &malformed) == nil && malformed.Reason != "" {
			p := Preview{Raw: q.redactBody(malformed.Raw), Reason: malformed.Reason}
			if !malformed.FailedAt.IsZero() {
				p.FailedAt = &malformed.FailedAt
			}
			return p
		}
		return Preview{Raw: q.redactBody(raw)}
	}
	p := q.previewOf(fj.Job)
	p.Reason = fj.Reason
	if !fj.FailedAt.IsZero() {
		p.FailedAt = &fj.FailedAt
	}
	return p
}

func (q *RedisQueue) previewOf(job models.QueueJob) Preview {
	p := Preview{
		MessageID: job.MessageID,
		PartnerID: job.PartnerID,
		Sender:    q.redactPhone(job.Payload.Sender),
		Body:      q.redactBody(job.Payload.Body),
	}
	if !job.EnqueuedAt.IsZero() {
		t := job.EnqueuedAt
		p.EnqueuedAt = &t
	}
	return p
}

func (q *RedisQueue) redactPhone(phone string) string {
	if q.fullPreviews {
		return phone
	}
	return MaskPhone(phone)
}

func (q *RedisQueue) redactBody(body string) string {
	if q.fullPreviews {
		return body
	}
	return Truncate(body, previewBodyRunes)
}

// MaskPhone keeps the last four characters of a phone number.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// Truncate shortens s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
