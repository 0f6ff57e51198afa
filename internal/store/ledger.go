package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
)

const inboundColumns = `id, partner_id, direction, sender, body, received_at, state,
	claim_token, claimed_at, failed_at, sent_at, last_error`

// ListPending returns up to limit pending inbound messages, oldest first.
func (s *SQLStore) ListPending(ctx context.Context, limit int) ([]models.InboundMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := s.db.Rebind(`SELECT ` + inboundColumns + ` FROM inbound_messages
		WHERE direction = ? AND state = ?
		ORDER BY received_at ASC LIMIT ?`)

	var msgs []models.InboundMessage
	if err := s.db.SelectContext(ctx, &msgs, query, models.DirectionInbound, models.StatePending, limit); err != nil {
		slog.Error("SQLStore.ListPending: query failed", "error", err)
		return nil, fmt.Errorf("list pending messages failed: %w", err)
	}
	slog.Debug("SQLStore.ListPending", "limit", limit, "count", len(msgs))
	return msgs, nil
}

// Claim moves a pending inbound message to claimed in a single conditional update.
func (s *SQLStore) Claim(ctx context.Context, id, token string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE inbound_messages
		SET state = ?, claim_token = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND direction = ? AND state = ?`),
		models.StateClaimed, token, now, now, id, models.DirectionInbound, models.StatePending)
	if err != nil {
		return fmt.Errorf("claim message %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim message %s rows affected failed: %w", id, err)
	}
	if n == 1 {
		slog.Debug("SQLStore.Claim: claimed", "id", id, "token", token)
		return nil
	}

	state, err := s.stateOf(ctx, id)
	if err != nil {
		return err
	}
	slog.Debug("SQLStore.Claim: conflict", "id", id, "state", state)
	return ErrClaimConflict
}

// MarkSent records a dispatched reply. Calling it again for a sent message is a no-op.
func (s *SQLStore) MarkSent(ctx context.Context, id string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE inbound_messages
		SET state = ?, sent_at = ?, last_error = '', updated_at = ?
		WHERE id = ? AND state NOT IN (?, ?)`),
		models.StateSent, now, now, id, models.StateSent, models.StateSuppressed)
	if err != nil {
		return fmt.Errorf("mark message %s sent failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		slog.Debug("SQLStore.MarkSent", "id", id)
		return nil
	}

	state, err := s.stateOf(ctx, id)
	if err != nil {
		return err
	}
	if state == models.StateSuppressed {
		slog.Warn("SQLStore.MarkSent: message was suppressed", "id", id)
	}
	return nil
}

// MarkFailed records a failed attempt and starts the retry cooldown.
func (s *SQLStore) MarkFailed(ctx context.Context, id, reason string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE inbound_messages
		SET state = ?, failed_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`),
		models.StateFailed, now, reason, now, id, models.StatePending, models.StateClaimed)
	if err != nil {
		return fmt.Errorf("mark message %s failed failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		slog.Debug("SQLStore.MarkFailed", "id", id, "reason", reason)
		return nil
	}

	state, err := s.stateOf(ctx, id)
	if err != nil {
		return err
	}
	switch state {
	case models.StateSent:
		return ErrAlreadySent
	case models.StateFailed, models.StateSuppressed:
		return nil
	}
	return fmt.Errorf("mark message %s failed: unexpected state %s", id, state)
}

// MarkSuppressed records that a message must not be auto-answered.
func (s *SQLStore) MarkSuppressed(ctx context.Context, id, reason string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE inbound_messages
		SET state = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`),
		models.StateSuppressed, reason, now, id, models.StatePending, models.StateClaimed)
	if err != nil {
		return fmt.Errorf("mark message %s suppressed failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		slog.Debug("SQLStore.MarkSuppressed", "id", id, "reason", reason)
		return nil
	}

	state, err := s.stateOf(ctx, id)
	if err != nil {
		return err
	}
	if state == models.StateSent {
		return ErrAlreadySent
	}
	return nil
}

// ResetStale re-offers failed inbound messages that were received and last failed
// before now-olderThan.
func (s *SQLStore) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE inbound_messages
		SET state = ?, claim_token = '', updated_at = ?
		WHERE direction = ? AND state = ? AND received_at < ?
		AND (failed_at IS NULL OR failed_at < ?)`),
		models.StatePending, now, models.DirectionInbound, models.StateFailed, cutoff, cutoff)
	if err != nil {
		slog.Error("SQLStore.ResetStale: update failed", "error", err)
		return 0, fmt.Errorf("reset stale messages failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale messages rows affected failed: %w", err)
	}
	slog.Info("SQLStore.ResetStale", "cutoff", cutoff, "count", n)
	return int(n), nil
}

// ReleaseStaleClaims settles claims older than olderThan, typically left by a
// crash. A claim with a recorded outbound reply is marked sent; the rest are
// marked failed and go through the normal cooldown. It returns how many claims
// were settled.
func (s *SQLStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-olderThan)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("release stale claims begin failed: %w", err)
	}
	defer tx.Rollback()

	sent, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE inbound_messages
		SET state = ?, sent_at = ?, updated_at = ?
		WHERE state = ? AND claimed_at < ?
		AND EXISTS (SELECT 1 FROM outbound_messages o WHERE o.in_reply_to = inbound_messages.id)`),
		models.StateSent, now, now, models.StateClaimed, cutoff)
	if err != nil {
		slog.Error("SQLStore.ReleaseStaleClaims: promote to sent failed", "error", err)
		return 0, fmt.Errorf("release stale claims failed: %w", err)
	}
	failed, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE inbound_messages
		SET state = ?, failed_at = ?, last_error = ?, updated_at = ?
		WHERE state = ? AND claimed_at < ?`),
		models.StateFailed, now, "claim expired", now, models.StateClaimed, cutoff)
	if err != nil {
		slog.Error("SQLStore.ReleaseStaleClaims: update failed", "error", err)
		return 0, fmt.Errorf("release stale claims failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("release stale claims commit failed: %w", err)
	}

	nSent, _ := sent.RowsAffected()
	nFailed, _ := failed.RowsAffected()
	if n := nSent + nFailed; n > 0 {
		slog.Warn("SQLStore.ReleaseStaleClaims: released abandoned claims", "sent", nSent, "failed", nFailed, "cutoff", cutoff)
	}
	return int(nSent + nFailed), nil
}

// GetMessage returns one ledger row.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (models.InboundMessage, error) {
	var msg models.InboundMessage
	err := s.db.GetContext(ctx, &msg, s.db.Rebind(`SELECT `+inboundColumns+` FROM inbound_messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return msg, ErrNotFound
	}
	if err != nil {
		return msg, fmt.Errorf("get message %s failed: %w", id, err)
	}
	return msg, nil
}

// CountByState returns the number of inbound messages in each state.
func (s *SQLStore) CountByState(ctx context.Context) (map[models.AutoResponseState]int, error) {
	var rows []struct {
		State models.AutoResponseState `db:"state"`
		Count int                      `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT state, COUNT(*) AS n FROM inbound_messages
		WHERE direction = ? GROUP BY state`), models.DirectionInbound)
	if err != nil {
		return nil, fmt.Errorf("count messages by state failed: %w", err)
	}
	counts := make(map[models.AutoResponseState]int, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

func (s *SQLStore) stateOf(ctx context.Context, id string) (models.AutoResponseState, error) {
	var state models.AutoResponseState
	err := s.db.GetContext(ctx, &state, s.db.Rebind(`SELECT state FROM inbound_messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read state of message %s failed: %w", id, err)
	}
	return state, nil
}
