// Package messaging dispatches generated replies to customers over WhatsApp.
//
// The Dispatcher validates the recipient, applies the outbound rate limit,
// hands the text to a transport and records the outbound message.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MinRecipientDigits is the shortest phone number accepted after canonicalization.
const MinRecipientDigits = 6

var (
	// ErrInvalidRecipient means the customer's phone number cannot be addressed.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrDispatch wraps every transport failure.
	ErrDispatch = errors.New("dispatch failed")
)

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Sender is a WhatsApp transport.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// OutboundRecorder stores replies handed to the transport.
type OutboundRecorder interface {
	RecordOutbound(ctx context.Context, msg models.OutboundMessage) error
}

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	Provider      string
	RatePerSecond float64
	Burst         int
	Recorder      OutboundRecorder
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithProvider names the transport in outbound records and logs.
func WithProvider(name string) Option {
	return func(o *Opts) { o.Provider = name }
}

// WithRateLimit caps outbound sends per second across all workers. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Opts) {
		o.RatePerSecond = perSecond
		o.Burst = burst
	}
}

// WithRecorder stores an outbound row for every successful send.
func WithRecorder(r OutboundRecorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// Dispatcher sends replies. It is safe for concurrent use.
type Dispatcher struct {
	sender   Sender
	provider string
	limiter  *rate.Limiter
	recorder OutboundRecorder
}

// NewDispatcher wraps sender.
func NewDispatcher(sender Sender, opts ...Option) *Dispatcher {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	d := &Dispatcher{sender: sender, provider: cfg.Provider, recorder: cfg.Recorder}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	slog.Debug("messaging.NewDispatcher: configured", "provider", cfg.Provider, "rate_per_second", cfg.RatePerSecond, "recorder", cfg.Recorder != nil)
	return d
}

// Provider returns the configured transport name.
func (d *Dispatcher) Provider() string {
	return d.provider
}

// Dispatch sends text as the reply to job.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.QueueJob, text string) error {
	to, err := CanonicalizeRecipient(job.Payload.Sender)
	if err != nil {
		return err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %w", ErrDispatch, err)
		}
	}

	start := time.Now()
	if err := d.sender.SendMessage(ctx, to, text); err != nil {
		slog.Error("Dispatcher.Dispatch: send failed", "message_id", job.MessageID, "provider", d.provider, "error", err)
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	slog.Info("Dispatcher.Dispatch: reply sent", "message_id", job.MessageID, "partner_id", job.PartnerID, "provider", d.provider, "elapsed", time.Since(start))

	if d.recorder != nil {
		out := models.OutboundMessage{
			ID:          uuid.NewString(),
			InReplyTo:   job.MessageID,
			PartnerID:   job.PartnerID,
			Recipient:   to,
			Body:        text,
			Provider:    d.provider,
			DeliveredAt: time.Now().UTC(),
		}
		// The send already happened; a recording failure must not fail the job.
		if err := d.recorder.RecordOutbound(context.WithoutCancel(ctx), out); err != nil {
			slog.Warn("Dispatcher.Dispatch: failed to record outbound message", "message_id", job.MessageID, "error", err)
		}
	}
	return nil
}

// CanonicalizeRecipient strips every non-digit and requires at least MinRecipientDigits digits.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrInvalidRecipient)
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidRecipient, recipient)
	}
	if len(canonical) < MinRecipientDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", ErrInvalidRecipient, canonical, MinRecipientDigits)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizeRecipient: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
