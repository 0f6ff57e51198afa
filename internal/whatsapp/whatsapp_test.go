package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestOptions(t *testing.T) {
	opts := &Opts{}
	WithDBDSN("/var/lib/autoresponder/test.db")(opts)
	WithQRCodeOutput("/tmp/qr.txt")(opts)
	WithNumericCode()(opts)

	if opts.DBDSN != "/var/lib/autoresponder/test.db" {
		t.Errorf("Expected DBDSN to be set, got %q", opts.DBDSN)
	}
	if opts.QRPath != "/tmp/qr.txt" {
		t.Errorf("Expected QRPath to be set, got %q", opts.QRPath)
	}
	if !opts.NumericCode {
		t.Error("Expected NumericCode to be true")
	}
}

func messageEvent(body string, fromMe, group bool) *events.Message {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender:   types.NewJID("5511999990000", JIDSuffix),
				IsFromMe: fromMe,
				IsGroup:  group,
			},
			ID:        "3EB0ABC",
			Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}
	if body != "" {
		evt.Message = &waE2E.Message{Conversation: proto.String(body)}
	} else {
		evt.Message = &waE2E.Message{}
	}
	return evt
}

func TestTextFromEvent(t *testing.T) {
	text, ok := TextFromEvent(messageEvent("Ainda tem o casaco?", false, false))
	if !ok {
		t.Fatal("expected text message to be accepted")
	}
	if text.From != "5511999990000" || text.Body != "Ainda tem o casaco?" || text.ID != "3EB0ABC" {
		t.Errorf("unexpected inbound text: %+v", text)
	}

	extended := messageEvent("", false, false)
	extended.Message = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link https://x")}}
	if text, ok := TextFromEvent(extended); !ok || text.Body != "link https://x" {
		t.Errorf("expected extended text to be accepted, got %+v %v", text, ok)
	}
}

func TestTextFromEvent_Ignored(t *testing.T) {
	tests := map[string]*events.Message{
		"from me":  messageEvent("oi", true, false),
		"group":    messageEvent("oi", false, true),
		"non-text": messageEvent("", false, false),
		"nil":      nil,
	}
	for name, evt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, ok := TextFromEvent(evt); ok {
				t.Error("expected event to be ignored")
			}
		})
	}
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMessage(context.Background(), "5511", "oi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mock.Messages(); len(got) != 1 || got[0].Body != "oi" {
		t.Errorf("unexpected messages: %+v", got)
	}

	mock.Err = errors.New("offline")
	if err := mock.SendMessage(context.Background(), "5511", "oi"); err == nil {
		t.Error("expected configured error")
	}
}

func TestClientSendMessage_NotInitialized(t *testing.T) {
	c := &Client{}
	if err := c.SendMessage(context.Background(), "5511", "oi"); err == nil {
		t.Error("expected error for uninitialized client")
	}
}
