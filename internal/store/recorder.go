package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brechohub/autoresponder/internal/models"
)

// RecordInbound inserts an inbound message in the pending state. A second insert
// with the same id is ignored and reported as a duplicate.
func (s *SQLStore) RecordInbound(ctx context.Context, msg models.InboundMessage) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, fmt.Errorf("invalid inbound message: %w", err)
	}
	if msg.Direction == "" {
		msg.Direction = models.DirectionInbound
	}
	now := s.now()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO inbound_messages
		(id, partner_id, direction, sender, body, received_at, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		msg.ID, msg.PartnerID, msg.Direction, msg.Sender, msg.Body, msg.ReceivedAt, models.StatePending, now)
	if err != nil {
		slog.Error("SQLStore.RecordInbound: insert failed", "id", msg.ID, "error", err)
		return false, fmt.Errorf("record inbound message %s failed: %w", msg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound message %s rows affected failed: %w", msg.ID, err)
	}
	if n == 0 {
		slog.Debug("SQLStore.RecordInbound: duplicate", "id", msg.ID)
		return false, nil
	}
	slog.Debug("SQLStore.RecordInbound", "id", msg.ID, "partner_id", msg.PartnerID)
	return true, nil
}

// RecordOutbound stores a reply that was handed to the transport.
func (s *SQLStore) RecordOutbound(ctx context.Context, msg models.OutboundMessage) error {
	if msg.DeliveredAt.IsZero() {
		msg.DeliveredAt = s.now()
	}
	msg.DeliveredAt = msg.DeliveredAt.UTC()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO outbound_messages
		(id, in_reply_to, partner_id, recipient, body, provider, delivered_at)
		VALUES (:id, :in_reply_to, :partner_id, :recipient, :body, :provider, :delivered_at)`, msg)
	if err != nil {
		slog.Error("SQLStore.RecordOutbound: insert failed", "id", msg.ID, "in_reply_to", msg.InReplyTo, "error", err)
		return fmt.Errorf("record outbound message %s failed: %w", msg.ID, err)
	}
	slog.Debug("SQLStore.RecordOutbound", "id", msg.ID, "in_reply_to", msg.InReplyTo)
	return nil
}

// ListOutbound returns the replies recorded for an inbound message.
func (s *SQLStore) ListOutbound(ctx context.Context, inReplyTo string) ([]models.OutboundMessage, error) {
	var out []models.OutboundMessage
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT id, in_reply_to, partner_id, recipient, body, provider, delivered_at
		FROM outbound_messages WHERE in_reply_to = ? ORDER BY delivered_at ASC`), inReplyTo)
	if err != nil {
		return nil, fmt.Errorf("list outbound messages for %s failed: %w", inReplyTo, err)
	}
	return out, nil
}

// GetPartner returns a partner's auto-response configuration.
func (s *SQLStore) GetPartner(ctx context.Context, id string) (models.Partner, error) {
	var p models.Partner
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT id, name, auto_response_enabled, reply_template, system_prompt, updated_at
		FROM partners WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("get partner %s failed: %w", id, err)
	}
	return p, nil
}

// UpsertPartner creates or replaces a partner's configuration.
func (s *SQLStore) UpsertPartner(ctx context.Context, p models.Partner) error {
	if p.ID == "" {
		return models.ErrEmptyPartnerID
	}
	p.UpdatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO partners
		(id, name, auto_response_enabled, reply_template, system_prompt, updated_at)
		VALUES (:id, :name, :auto_response_enabled, :reply_template, :system_prompt, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			auto_response_enabled = excluded.auto_response_enabled,
			reply_template = excluded.reply_template,
			system_prompt = excluded.system_prompt,
			updated_at = excluded.updated_at`, p)
	if err != nil {
		slog.Error("SQLStore.UpsertPartner: upsert failed", "id", p.ID, "error", err)
		return fmt.Errorf("upsert partner %s failed: %w", p.ID, err)
	}
	slog.Debug("SQLStore.UpsertPartner", "id", p.ID, "auto_response_enabled", p.AutoResponseEnabled)
	return nil
}
