// Package twiliowhatsapp sends auto-replies over Twilio's WhatsApp channel.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Twilio error codes that make a reply undeliverable no matter how often it is retried.
const (
	codeInvalidTo         = 21211
	codeNotWhatsAppNumber = 21614
	codeOutsideWindow     = 63016
)

var (
	// ErrOutsideSessionWindow means the customer last wrote more than 24 hours ago and
	// only approved templates may be sent.
	ErrOutsideSessionWindow = errors.New("outside the WhatsApp 24h session window")
	// ErrInvalidRecipient means Twilio rejected the destination number.
	ErrInvalidRecipient = errors.New("invalid WhatsApp recipient")
)

// Opts configures the sender. Either From or MessagingServiceSID must be set.
type Opts struct {
	AccountSID          string
	AuthToken           string
	From                string
	MessagingServiceSID string
	StatusCallback      string
}

// Option configures the Twilio sender.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the partner's sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithMessagingServiceSID sends through a messaging service sender pool instead of a fixed number.
func WithMessagingServiceSID(sid string) Option {
	return func(o *Opts) { o.MessagingServiceSID = sid }
}

// WithStatusCallback asks Twilio to post delivery status updates to url.
func WithStatusCallback(url string) Option {
	return func(o *Opts) { o.StatusCallback = url }
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client delivers replies through the Twilio Messages API.
type Client struct {
	api  messageCreator
	opts Opts
}

// NewClient builds a client. Unset credentials are read from TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" && cfg.MessagingServiceSID == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config resolved",
		"account_sid_set", cfg.AccountSID != "",
		"from_set", cfg.From != "",
		"messaging_service", cfg.MessagingServiceSID != "",
		"status_callback", cfg.StatusCallback != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio account SID and auth token are required")
	}
	if cfg.From == "" && cfg.MessagingServiceSID == "" {
		return nil, errors.New("twilio sender number or messaging service SID is required")
	}
	if cfg.From != "" {
		cfg.From = whatsappAddress(cfg.From)
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{api: rest.Api, opts: cfg}, nil
}

func whatsappAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return "whatsapp:" + number
}

// SendMessage delivers body to the digits-only number to. The Twilio SDK has no
// context support; ctx is checked before the call is made.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetBody(body)
	if c.opts.MessagingServiceSID != "" {
		params.SetMessagingServiceSid(c.opts.MessagingServiceSID)
	} else {
		params.SetFrom(c.opts.From)
	}
	if c.opts.StatusCallback != "" {
		params.SetStatusCallback(c.opts.StatusCallback)
	}

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		err = classify(err)
		slog.Error("twiliowhatsapp.SendMessage: create message failed", "to", to, "error", err)
		return fmt.Errorf("twilio send to %s failed: %w", to, err)
	}
	if msg != nil && msg.Sid != nil {
		slog.Debug("twiliowhatsapp.SendMessage: queued", "to", to, "sid", *msg.Sid)
	}
	return nil
}

// classify maps Twilio error codes onto the package sentinels.
func classify(err error) error {
	var restErr *twclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return err
	}
	switch restErr.Code {
	case codeOutsideWindow:
		return fmt.Errorf("%w: %s", ErrOutsideSessionWindow, restErr.Message)
	case codeInvalidTo, codeNotWhatsAppNumber:
		return fmt.Errorf("%w: %s", ErrInvalidRecipient, restErr.Message)
	}
	return err
}

// MockClient records replies instead of calling Twilio.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	err  error
}

// SentMessage is one reply recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient returns a recorder that accepts every message.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// FailWith makes subsequent sends return err.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the recorded replies.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
