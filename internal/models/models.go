// Package models defines the core data structures for the auto-response processor.
//
// It includes inbound message rows, queue jobs, processing results and API envelopes,
// which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction marks whether a ledger row was received from or sent to a customer.
type Direction string

const (
	// DirectionInbound is a message a customer sent to a partner.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound is a message the platform sent to a customer.
	DirectionOutbound Direction = "outbound"
)

// AutoResponseState tracks a single inbound message through the auto-response lifecycle.
type AutoResponseState string

const (
	// StatePending means no attempt has been made yet, or the sweeper re-offered the row.
	StatePending AutoResponseState = "pending"
	// StateClaimed means one worker holds the message and is generating or dispatching a reply.
	StateClaimed AutoResponseState = "claimed"
	// StateSent means the reply was dispatched. Terminal.
	StateSent AutoResponseState = "sent"
	// StateFailed means the last attempt failed; the row waits for the sweeper cooldown.
	StateFailed AutoResponseState = "failed"
	// StateSuppressed means the partner does not want automated replies for this message. Terminal.
	StateSuppressed AutoResponseState = "suppressed"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength bounds inbound bodies accepted by the ingest path.
	MaxMessageBodyLength = 4096
	// MaxReplyLength bounds generated replies; WhatsApp rejects longer text bodies.
	MaxReplyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessageID    = errors.New("message id cannot be empty")
	ErrEmptyPartnerID    = errors.New("partner id cannot be empty")
	ErrEmptySender       = errors.New("sender cannot be empty")
	ErrEmptyBody         = errors.New("message body cannot be empty")
	ErrBodyTooLong       = fmt.Errorf("message body exceeds maximum length of %d characters", MaxMessageBodyLength)
	ErrInvalidDirection  = errors.New("direction must be inbound or outbound")
	ErrInvalidTransition = errors.New("invalid auto-response state transition")
)

var transitions = map[AutoResponseState][]AutoResponseState{
	StatePending: {StateClaimed, StateSuppressed},
	StateClaimed: {StateSent, StateFailed, StateSuppressed},
	StateFailed:  {StatePending},
}

// IsValid reports whether s is one of the known states.
func (s AutoResponseState) IsValid() bool {
	switch s {
	case StatePending, StateClaimed, StateSent, StateFailed, StateSuppressed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s AutoResponseState) IsTerminal() bool {
	return s == StateSent || s == StateSuppressed
}

// CanTransition reports whether moving from s to next is allowed.
// The store enforces the same rules in its conditional updates.
func (s AutoResponseState) CanTransition(next AutoResponseState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InboundMessage is one row of the idempotency ledger.
type InboundMessage struct {
	ID         string            `json:"id" db:"id"`
	PartnerID  string            `json:"partnerId" db:"partner_id"`
	Direction  Direction         `json:"direction" db:"direction"`
	Sender     string            `json:"sender" db:"sender"`
	Body       string            `json:"body" db:"body"`
	ReceivedAt time.Time         `json:"receivedAt" db:"received_at"`
	State      AutoResponseState `json:"state" db:"state"`
	ClaimToken string            `json:"claimToken,omitempty" db:"claim_token"`
	ClaimedAt  *time.Time        `json:"claimedAt,omitempty" db:"claimed_at"`
	FailedAt   *time.Time        `json:"failedAt,omitempty" db:"failed_at"`
	SentAt     *time.Time        `json:"sentAt,omitempty" db:"sent_at"`
	LastError  string            `json:"lastError,omitempty" db:"last_error"`
}

// Validate checks the fields required to record an inbound message.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrEmptyMessageID
	}
	if strings.TrimSpace(m.PartnerID) == "" {
		return ErrEmptyPartnerID
	}
	if strings.TrimSpace(m.Sender) == "" {
		return ErrEmptySender
	}
	if strings.TrimSpace(m.Body) == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	if m.Direction != "" && m.Direction != DirectionInbound && m.Direction != DirectionOutbound {
		return ErrInvalidDirection
	}
	return nil
}

// OutboundMessage records a reply the dispatcher attempted.
type OutboundMessage struct {
	ID          string    `json:"id" db:"id"`
	InReplyTo   string    `json:"inReplyTo" db:"in_reply_to"`
	PartnerID   string    `json:"partnerId" db:"partner_id"`
	Recipient   string    `json:"recipient" db:"recipient"`
	Body        string    `json:"body" db:"body"`
	Provider    string    `json:"provider" db:"provider"`
	DeliveredAt time.Time `json:"deliveredAt" db:"delivered_at"`
}

// Partner is a seller account with its auto-response configuration.
type Partner struct {
	ID                  string    `json:"id" db:"id"`
	Name                string    `json:"name" db:"name"`
	AutoResponseEnabled bool      `json:"autoResponseEnabled" db:"auto_response_enabled"`
	ReplyTemplate       string    `json:"replyTemplate,omitempty" db:"reply_template"`
	SystemPrompt        string    `json:"systemPrompt,omitempty" db:"system_prompt"`
	UpdatedAt           time.Time `json:"updatedAt" db:"updated_at"`
}
