package reply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/brechohub/autoresponder/internal/models"
	"github.com/brechohub/autoresponder/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePartners struct {
	mu       sync.Mutex
	partners map[string]models.Partner
	err      error
	calls    int
}

func (f *fakePartners) GetPartner(ctx context.Context, id string) (models.Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.Partner{}, f.err
	}
	p, ok := f.partners[id]
	if !ok {
		return models.Partner{}, store.ErrNotFound
	}
	return p, nil
}

type fakeCompleter struct {
	reply  string
	err    error
	system string
	user   string
}

func (f *fakeCompleter) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.system, f.user = systemPrompt, userPrompt
	return f.reply, f.err
}

func testJob(partnerID string) models.QueueJob {
	return models.QueueJob{
		MessageID: "m1",
		PartnerID: partnerID,
		Payload:   models.JobPayload{Sender: "5511999990000", Body: "Qual o tamanho da calça?"},
	}
}

func TestGenerate_TemplateWhenNoAI(t *testing.T) {
	partners := &fakePartners{partners: map[string]models.Partner{
		"p1": {ID: "p1", Name: "Brechó Vintage", AutoResponseEnabled: true},
	}}
	svc := NewService(partners)

	text, err := svc.Generate(context.Background(), testJob("p1"))
	require.NoError(t, err)
	assert.Contains(t, text, "Brechó Vintage")
}

func TestGenerate_PartnerTemplate(t *testing.T) {
	partners := &fakePartners{partners: map[string]models.Partner{
		"p1": {ID: "p1", Name: "Loja", AutoResponseEnabled: true, ReplyTemplate: "Recebemos: {{.CustomerMessage}}"},
	}}
	svc := NewService(partners)

	text, err := svc.Generate(context.Background(), testJob("p1"))
	require.NoError(t, err)
	assert.Equal(t, "Recebemos: Qual o tamanho da calça?", text)
}

func TestGenerate_UnknownPartnerUsesDefaults(t *testing.T) {
	svc := NewService(&fakePartners{partners: map[string]models.Partner{}})
	text, err := svc.Generate(context.Background(), testJob("missing"))
	require.NoError(t, err)
	assert.Contains(t, text, "nossa loja")
}

func TestGenerate_SuppressedPartner(t *testing.T) {
	ai := &fakeCompleter{reply: "should not be used"}
	partners := &fakePartners{partners: map[string]models.Partner{
		"p1": {ID: "p1", AutoResponseEnabled: false},
	}}
	svc := NewService(partners, WithCompleter(ai))

	_, err := svc.Generate(context.Background(), testJob("p1"))
	assert.ErrorIs(t, err, ErrSuppressed)
	assert.Empty(t, ai.user)
}

func TestGenerate_AIReply(t *testing.T) {
	ai := &fakeCompleter{reply: "A calça é tamanho 38."}
	partners := &fakePartners{partners: map[string]models.Partner{
		"p1": {ID: "p1", Name: "Brechó Vintage", AutoResponseEnabled: true},
	}}
	svc := NewService(partners, WithCompleter(ai))

	text, err := svc.Generate(context.Background(), testJob("p1"))
	require.NoError(t, err)
	assert.Equal(t, "A calça é tamanho 38.", text)
	assert.Contains(t, ai.system, "Brechó Vintage")
	assert.Equal(t, "Qual o tamanho da calça?", ai.user)
}

func TestGenerate_AIFailureFallsBack(t *testing.T) {
	ai := &fakeCompleter{err: errors.New("rate limited")}
	partners := &fakePartners{partners: map[string]models.Partner{
		"p1": {ID: "p1", Name: "Loja", AutoResponseEnabled: true},
	}}

	text, err := NewService(partners, WithCompleter(ai)).Generate(context.Background(), testJob("p1"))
	require.NoError(t, err)
	assert.Contains(t, text, "Loja")

	_, err = NewService(partners, WithCompleter(ai), WithoutTemplateFallback()).Generate(context.Background(), testJob("p1"))
	assert.ErrorContains(t, err, "rate limited")
}

func TestGenerate_PartnerLookupError(t *testing.T) {
	svc := NewService(&fakePartners{err: errors.New("db down")})
	_, err := svc.Generate(context.Background(), testJob("p1"))
	assert.ErrorContains(t, err, "db down")
}

func TestGenerate_BadTemplate(t *testing.T) {
	partners := &fakePartners{partners: map[string]models.Partner{
		"p1": {ID: "p1", AutoResponseEnabled: true, ReplyTemplate: "{{.Broken"},
	}}
	_, err := NewService(partners).Generate(context.Background(), testJob("p1"))
	assert.Error(t, err)
}

func TestGenerate_EmptyReply(t *testing.T) {
	partners := &fakePartners{partners: map[string]models.Partner{
		"p1": {ID: "p1", AutoResponseEnabled: true},
	}}
	svc := NewService(partners, WithDefaultTemplate("   "), WithCompleter(&fakeCompleter{reply: "  "}), WithoutTemplateFallback())
	_, err := svc.Generate(context.Background(), testJob("p1"))
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestGenerate_CachesPartner(t *testing.T) {
	partners := &fakePartners{partners: map[string]models.Partner{
		"p1": {ID: "p1", AutoResponseEnabled: true},
	}}
	svc := NewService(partners)
	for i := 0; i < 3; i++ {
		_, err := svc.Generate(context.Background(), testJob("p1"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, partners.calls)

	svc.Invalidate("p1")
	_, err := svc.Generate(context.Background(), testJob("p1"))
	require.NoError(t, err)
	assert.Equal(t, 2, partners.calls)
}

func TestTruncateRunes(t *testing.T) {
	s := strings.Repeat("é", 10)
	out := truncateRunes(s, 5)
	assert.Equal(t, "éé", out)
	assert.Equal(t, "abc", truncateRunes("abc", 5))
}
