// Package ingest records inbound customer messages and offers them to the queue.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
	"github.com/brechohub/autoresponder/internal/whatsapp"
)

// Recorder persists inbound messages.
type Recorder interface {
	RecordInbound(ctx context.Context, msg models.InboundMessage) (bool, error)
}

// Enqueuer pushes jobs onto the fast queue.
type Enqueuer interface {
	Enabled() bool
	Enqueue(ctx context.Context, job models.QueueJob) error
}

// Ingestor writes the ledger first and the queue second. The ledger row is what
// makes a message eligible; the queue entry only speeds up pickup.
type Ingestor struct {
	recorder Recorder
	queue    Enqueuer
	now      func() time.Time
}

// NewIngestor creates an ingestor. queue may be nil.
func NewIngestor(recorder Recorder, queue Enqueuer) *Ingestor {
	return &Ingestor{recorder: recorder, queue: queue, now: time.Now}
}

// Ingest records msg as a pending inbound message and enqueues it. It returns
// false without enqueueing when the message id was already recorded.
func (i *Ingestor) Ingest(ctx context.Context, msg models.InboundMessage) (bool, error) {
	if msg.Direction == "" {
		msg.Direction = models.DirectionInbound
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = i.now()
	}
	msg.State = models.StatePending

	created, err := i.recorder.RecordInbound(ctx, msg)
	if err != nil {
		return false, err
	}
	if !created {
		slog.Debug("Ingestor.Ingest: duplicate message ignored", "message_id", msg.ID)
		return false, nil
	}
	if msg.Direction != models.DirectionInbound || i.queue == nil || !i.queue.Enabled() {
		return true, nil
	}

	if err := i.queue.Enqueue(ctx, models.JobFromMessage(msg)); err != nil {
		// The ledger scan will still find it.
		slog.Warn("Ingestor.Ingest: enqueue failed", "message_id", msg.ID, "error", err)
	}
	return true, nil
}

// WhatsAppHandler returns a handler for messages received on the whatsmeow
// session, attributing them to partnerID.
func (i *Ingestor) WhatsAppHandler(ctx context.Context, partnerID string) func(whatsapp.InboundText) {
	return func(in whatsapp.InboundText) {
		msg := models.InboundMessage{
			ID:         in.ID,
			PartnerID:  partnerID,
			Direction:  models.DirectionInbound,
			Sender:     in.From,
			Body:       in.Body,
			ReceivedAt: in.Timestamp,
		}
		if _, err := i.Ingest(ctx, msg); err != nil {
			slog.Error("Ingestor.WhatsAppHandler: could not record message", "message_id", in.ID, "error", err)
		}
	}
}
