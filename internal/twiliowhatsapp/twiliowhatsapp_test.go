package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	params *twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestSendMessage_FromNumber(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, opts: Opts{From: "whatsapp:+15550001111", StatusCallback: "https://brecho.example/twilio/status"}}

	require.NoError(t, c.SendMessage(context.Background(), "5511999990000", "Olá! Ainda temos sim."))
	assert.Equal(t, "whatsapp:+5511999990000", *api.params.To)
	assert.Equal(t, "whatsapp:+15550001111", *api.params.From)
	assert.Equal(t, "Olá! Ainda temos sim.", *api.params.Body)
	assert.Equal(t, "https://brecho.example/twilio/status", *api.params.StatusCallback)
	assert.Nil(t, api.params.MessagingServiceSid)
}

func TestSendMessage_MessagingService(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, opts: Opts{MessagingServiceSID: "MG42"}}

	require.NoError(t, c.SendMessage(context.Background(), "5511999990000", "oi"))
	assert.Equal(t, "MG42", *api.params.MessagingServiceSid)
	assert.Nil(t, api.params.From)
	assert.Nil(t, api.params.StatusCallback)
}

func TestSendMessage_CancelledContext(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, opts: Opts{From: "whatsapp:+1"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.SendMessage(ctx, "5511", "x"), context.Canceled)
	assert.Nil(t, api.params, "no API call after cancellation")
}

func TestSendMessage_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"session window", &twclient.TwilioRestError{Code: codeOutsideWindow, Message: "template required"}, ErrOutsideSessionWindow},
		{"invalid number", &twclient.TwilioRestError{Code: codeInvalidTo, Message: "bad To"}, ErrInvalidRecipient},
		{"not on whatsapp", &twclient.TwilioRestError{Code: codeNotWhatsAppNumber, Message: "not a whatsapp user"}, ErrInvalidRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{api: &fakeAPI{err: tt.err}, opts: Opts{From: "whatsapp:+1"}}
			err := c.SendMessage(context.Background(), "5511999990000", "x")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	plain := errors.New("connection reset by peer")
	c := &Client{api: &fakeAPI{err: plain}, opts: Opts{From: "whatsapp:+1"}}
	err := c.SendMessage(context.Background(), "5511", "x")
	assert.ErrorIs(t, err, plain)
	assert.NotErrorIs(t, err, ErrInvalidRecipient)
}

func TestNewClient_Config(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	_, err := NewClient()
	assert.Error(t, err, "credentials required")

	_, err = NewClient(WithAccountSID("AC1"), WithAuthToken("tok"))
	assert.Error(t, err, "sender required")

	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats(" 15550001111"))
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+15550001111", c.opts.From)

	c, err = NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithMessagingServiceSID("MG42"))
	require.NoError(t, err)
	assert.Empty(t, c.opts.From)

	t.Setenv("TWILIO_ACCOUNT_SID", "AC2")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok2")
	t.Setenv("TWILIO_FROM_NUMBER", "whatsapp:+15550002222")
	c, err = NewClient()
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+15550002222", c.opts.From)
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()
	require.NoError(t, mock.SendMessage(context.Background(), "5511999990000", "Olá"))
	assert.Equal(t, []SentMessage{{To: "5511999990000", Body: "Olá"}}, mock.Messages())

	mock.FailWith(ErrInvalidRecipient)
	assert.ErrorIs(t, mock.SendMessage(context.Background(), "1", "x"), ErrInvalidRecipient)
	assert.Len(t, mock.Messages(), 1)
}
