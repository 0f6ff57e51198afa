// Package reply produces the text of automated replies to customer messages.
//
// Replies come from the GenAI client when one is configured and from the
// partner's reply template otherwise. Partners that disabled the bot get
// ErrSuppressed instead of a reply.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/brechohub/autoresponder/internal/models"
	"github.com/brechohub/autoresponder/internal/store"
	"github.com/patrickmn/go-cache"
)

// Defaults for reply generation
const (
	DefaultCacheTTL = 5 * time.Minute

	DefaultTemplate = "Olá! Obrigado por falar com {{.PartnerName}}. Recebemos sua mensagem e " +
		"vamos responder assim que possível."

	DefaultSystemPrompt = "Você é o assistente de atendimento de {{.PartnerName}}, uma loja de " +
		"artigos de segunda mão. Responda em português, em no máximo três frases, de forma " +
		"cordial. Não invente preços, medidas ou disponibilidade; quando não souber, diga que " +
		"a loja vai confirmar em breve."

	defaultPartnerName = "nossa loja"
)

var (
	// ErrSuppressed means the partner does not want an automated reply.
	ErrSuppressed = errors.New("auto-response disabled for partner")
	// ErrEmptyReply means generation produced no usable text.
	ErrEmptyReply = errors.New("generated reply is empty")
)

// Generator produces a reply for a queue job.
type Generator interface {
	Generate(ctx context.Context, job models.QueueJob) (string, error)
}

// PartnerSource looks up partner configuration.
type PartnerSource interface {
	GetPartner(ctx context.Context, id string) (models.Partner, error)
}

// Completer is the subset of the GenAI client used for replies.
type Completer interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds configuration options for the reply service.
type Opts struct {
	Completer       Completer
	CacheTTL        time.Duration
	DefaultTemplate string
	NoFallback      bool
}

// Option defines a configuration option for the reply service.
type Option func(*Opts)

// WithCompleter enables AI replies.
func WithCompleter(c Completer) Option {
	return func(o *Opts) { o.Completer = c }
}

// WithCacheTTL sets how long partner configuration is cached.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Opts) { o.CacheTTL = d }
}

// WithDefaultTemplate replaces the template used when a partner has none.
func WithDefaultTemplate(tmpl string) Option {
	return func(o *Opts) { o.DefaultTemplate = tmpl }
}

// WithoutTemplateFallback makes AI errors fail the job instead of falling back to the template.
func WithoutTemplateFallback() Option {
	return func(o *Opts) { o.NoFallback = true }
}

// Service implements Generator.
type Service struct {
	partners        PartnerSource
	ai              Completer
	cache           *cache.Cache
	defaultTemplate string
	fallback        bool
}

var _ Generator = (*Service)(nil)

type templateData struct {
	PartnerName     string
	CustomerMessage string
}

// NewService creates a reply service reading partner configuration from partners.
func NewService(partners PartnerSource, opts ...Option) *Service {
	cfg := Opts{CacheTTL: DefaultCacheTTL, DefaultTemplate: DefaultTemplate}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.DefaultTemplate == "" {
		cfg.DefaultTemplate = DefaultTemplate
	}
	slog.Debug("reply.NewService: configured", "ai_enabled", cfg.Completer != nil, "cache_ttl", cfg.CacheTTL, "fallback", !cfg.NoFallback)
	return &Service{
		partners:        partners,
		ai:              cfg.Completer,
		cache:           cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		defaultTemplate: cfg.DefaultTemplate,
		fallback:        !cfg.NoFallback,
	}
}

// Generate returns the reply text for job.
func (s *Service) Generate(ctx context.Context, job models.QueueJob) (string, error) {
	partner, err := s.partner(ctx, job.PartnerID)
	if err != nil {
		return "", err
	}
	if !partner.AutoResponseEnabled {
		return "", ErrSuppressed
	}

	data := templateData{PartnerName: partner.Name, CustomerMessage: job.Payload.Body}
	if data.PartnerName == "" {
		data.PartnerName = defaultPartnerName
	}

	var text string
	if s.ai != nil {
		text, err = s.generateAI(ctx, partner, data)
		if err != nil {
			if !s.fallback || ctx.Err() != nil {
				return "", err
			}
			slog.Warn("reply.Generate: AI generation failed, using template", "message_id", job.MessageID, "partner_id", job.PartnerID, "error", err)
			text, err = s.render(partner.ReplyTemplate, data)
		}
	} else {
		text, err = s.render(partner.ReplyTemplate, data)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyReply
	}
	return truncateRunes(text, models.MaxReplyLength), nil
}

// Invalidate drops a cached partner so the next job reads fresh configuration.
func (s *Service) Invalidate(partnerID string) {
	s.cache.Delete(partnerID)
}

func (s *Service) partner(ctx context.Context, id string) (models.Partner, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached.(models.Partner), nil
	}
	p, err := s.partners.GetPartner(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("reply.partner: unknown partner, using defaults", "partner_id", id)
		p = models.Partner{ID: id, AutoResponseEnabled: true}
	} else if err != nil {
		return models.Partner{}, fmt.Errorf("load partner %s failed: %w", id, err)
	}
	s.cache.SetDefault(id, p)
	return p, nil
}

func (s *Service) generateAI(ctx context.Context, partner models.Partner, data templateData) (string, error) {
	system := partner.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	systemPrompt, err := execute("system", system, data)
	if err != nil {
		return "", err
	}
	text, err := s.ai.GeneratePromptWithContext(ctx, systemPrompt, data.CustomerMessage)
	if err != nil {
		return "", fmt.Errorf("ai reply failed: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func (s *Service) render(partnerTemplate string, data templateData) (string, error) {
	tmpl := partnerTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = s.defaultTemplate
	}
	return execute("reply", tmpl, data)
}

func execute(name, text string, data templateData) (string, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template failed: %w", name, err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s template failed: %w", name, err)
	}
	return b.String(), nil
}

// truncateRunes cuts s to at most maxBytes without splitting a rune.
func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
