// Package cloudapi sends WhatsApp messages through the WhatsApp Business Cloud API.
package cloudapi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Constants for Cloud API client configuration
const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"
	DefaultTimeout    = 15 * time.Second
)

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	BaseURL       string
	APIVersion    string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithBaseURL overrides the Graph API host.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAPIVersion sets the Graph API version segment.
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithAccessToken sets the system user access token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the business phone number the replies are sent from.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithTimeout bounds each API call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// APIError is the error object returned by the Graph API.
type APIError struct {
	Status int    `json:"-"`
	Detail struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud api error: status %d, code %d: %s", e.Status, e.Detail.Code, e.Detail.Message)
}

// Client sends text messages through the Cloud API.
type Client struct {
	httpClient    *resty.Client
	messagesPath  string
	phoneNumberID string
}

// NewClient creates a Cloud API client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, APIVersion: DefaultAPIVersion, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("cloud api access token cannot be empty")
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("cloud api phone number id cannot be empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	slog.Info("cloudapi.NewClient: client configured", "base_url", cfg.BaseURL, "api_version", cfg.APIVersion, "phone_number_id", cfg.PhoneNumberID)
	return &Client{
		httpClient:    httpClient,
		messagesPath:  fmt.Sprintf("/%s/%s/messages", cfg.APIVersion, cfg.PhoneNumberID),
		phoneNumberID: cfg.PhoneNumberID,
	}, nil
}

// SendMessage sends a text message. Requests are not retried here; a retry
// could deliver the same reply twice.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "text",
		Text:             textBody{Body: body},
	}

	var result sendResponse
	apiErr := &APIError{}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(apiErr).
		Post(c.messagesPath)
	if err != nil {
		slog.Error("cloudapi.SendMessage: request failed", "to", to, "error", err)
		return fmt.Errorf("cloud api request to %s failed: %w", to, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		slog.Error("cloudapi.SendMessage: api returned an error", "to", to, "status", resp.StatusCode(), "code", apiErr.Detail.Code, "message", apiErr.Detail.Message)
		return apiErr
	}

	var id string
	if len(result.Messages) > 0 {
		id = result.Messages[0].ID
	}
	slog.Debug("cloudapi.SendMessage: message accepted", "to", to, "wamid", id)
	return nil
}
