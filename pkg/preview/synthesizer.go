package preview

import (
	"bytes"
	"context"
	"strings"
	"text/template"
	"unicode"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/events"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultPrompt is rendered with PromptData and sent as the system instruction.
const DefaultPrompt = `You write titles for conversations.
{{- if eq .Count 0 }}
The conversation has not started yet. Propose a title for a new conversation.
{{- else }}
The conversation has {{ .Count }} messages. It starts with: "{{ .First | trunc 200 | trim }}"
{{- end }}
Reply with a title of 3 to 5 words in {{ .Language | default "English" }}, without quotes or punctuation.`

// FallbackTitle is stored when the model answers with nothing usable.
const FallbackTitle = "New conversation"

const maxTitleRunes = 60

type PromptData struct {
	Chat     *conversation.Chat
	Count    int
	First    string
	Language string
}

// Generator is the part of the router the synthesizer needs.
type Generator interface {
	Stream(ctx context.Context, providerID string, model string, messages []engine.Message) (<-chan events.Event, error)
}

// Synthesizer keeps chat previews in sync with their trees. Previews are recomputed on
// read when missing or older than the chat's last structural change; concurrent reads of
// the same chat share one synthesis.
type Synthesizer struct {
	graph       *conversation.Graph
	generator   Generator
	prompt      *template.Template
	provider    string
	model       string
	language    string
	concurrency int
	group       singleflight.Group
}

type Option func(*Synthesizer) error

func WithPrompt(text string) Option {
	return func(s *Synthesizer) error {
		tmpl, err := template.New("preview").Funcs(sprig.TxtFuncMap()).Parse(text)
		if err != nil {
			return errdefs.Config("preview.prompt", err.Error())
		}
		s.prompt = tmpl
		return nil
	}
}

// WithDefaultProvider is used for chats that carry no preview provider of their own.
func WithDefaultProvider(provider string, model string) Option {
	return func(s *Synthesizer) error {
		s.provider = provider
		s.model = model
		return nil
	}
}

func WithLanguage(language string) Option {
	return func(s *Synthesizer) error {
		s.language = language
		return nil
	}
}

func WithConcurrency(n int) Option {
	return func(s *Synthesizer) error {
		if n > 0 {
			s.concurrency = n
		}
		return nil
	}
}

func NewSynthesizer(graph *conversation.Graph, generator Generator, options ...Option) (*Synthesizer, error) {
	s := &Synthesizer{
		graph:       graph,
		generator:   generator,
		concurrency: 4,
	}
	if err := WithPrompt(DefaultPrompt)(s); err != nil {
		return nil, err
	}
	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnsurePreview returns the chat's preview, synthesizing it first if it is missing or stale.
func (s *Synthesizer) EnsurePreview(ctx context.Context, chatID conversation.NodeID) (*conversation.Preview, error) {
	chat, err := s.graph.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	p, err := s.graph.Store().GetPreview(ctx, chatID)
	switch {
	case err == nil && p.Fresh(chat):
		metrics.PreviewLookups.WithLabelValues("hit").Inc()
		return p, nil
	case err != nil && !errdefs.IsNotFound(err):
		metrics.PreviewLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PreviewLookups.WithLabelValues("miss").Inc()

	v, err, shared := s.group.Do(chatID.String(), func() (interface{}, error) {
		return s.synthesize(ctx, chatID)
	})
	if err != nil {
		metrics.PreviewLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	log.Trace().Str("chat", chatID.String()).Bool("shared", shared).Msg("preview synthesized")
	return v.(*conversation.Preview), nil
}

func (s *Synthesizer) synthesize(ctx context.Context, chatID conversation.NodeID) (*conversation.Preview, error) {
	// the preview is stamped with the chat version read here, so a change landing while
	// the title is generated leaves it stale
	chat, err := s.graph.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	thread, err := s.graph.Thread(ctx, chatID, nil)
	if err != nil {
		return nil, err
	}

	provider, model := chat.PreviewProvider, chat.PreviewModel
	if provider == "" {
		provider, model = s.provider, s.model
	}
	if provider == "" {
		return nil, errdefs.Config("preview.provider", "no preview provider configured")
	}

	messages := engine.FromThread(thread)
	instruction, err := s.render(chat, messages)
	if err != nil {
		return nil, err
	}
	prompt := append([]engine.Message{{Role: conversation.RoleSystem, Content: instruction}}, messages...)

	stream, err := s.generator.Stream(ctx, provider, model, prompt)
	if err != nil {
		return nil, err
	}
	content, err := collectFinal(stream)
	if err != nil {
		return nil, err
	}

	p := &conversation.Preview{
		ChatID:    chat.ID,
		Text:      SanitizeTitle(content),
		UpdatedAt: chat.UpdatedAt,
	}
	if err := s.graph.Store().PutPreview(ctx, p); err != nil {
		return nil, errors.Wrap(err, "could not store preview")
	}
	log.Debug().Str("chat", chat.ID.String()).Str("title", p.Text).Msg("stored preview")
	return p, nil
}

func (s *Synthesizer) render(chat *conversation.Chat, messages []engine.Message) (string, error) {
	data := PromptData{
		Chat:     chat,
		Count:    len(messages),
		Language: s.language,
	}
	if len(messages) > 0 {
		data.First = messages[0].Content
	}
	var b bytes.Buffer
	if err := s.prompt.Execute(&b, data); err != nil {
		return "", errdefs.Config("preview.prompt", err.Error())
	}
	return b.String(), nil
}

// collectFinal drains the stream and returns the final content. A transport error that
// left no content fails the synthesis so the next read retries it.
func collectFinal(stream <-chan events.Event) (string, error) {
	var lastErr *events.EventError
	content := ""
	for e := range stream {
		switch ev := e.(type) {
		case *events.EventFinal:
			content = ev.Content
		case *events.EventError:
			if ev.Code != "parse" {
				lastErr = ev
			}
		case *events.EventPartial:
		default:
			log.Warn().Str("type", string(e.Type())).Msg("unexpected event in preview stream")
		}
	}
	if strings.TrimSpace(content) == "" && lastErr != nil {
		return "", errdefs.Transport(errors.New(lastErr.ErrorString))
	}
	return content, nil
}

// SanitizeTitle reduces a model answer to a single short line. It never returns "".
func SanitizeTitle(raw string) string {
	line := ""
	for _, l := range strings.Split(raw, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}
	line = strings.TrimFunc(line, isTitleNoise)
	if len(line) >= 6 && strings.EqualFold(line[:6], "title:") {
		line = strings.TrimFunc(line[6:], isTitleNoise)
	}
	line = strings.Join(strings.Fields(line), " ")

	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		line = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	if line == "" {
		return FallbackTitle
	}
	return line
}

func isTitleNoise(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// ListAll catches up on every missing or stale preview, then returns all previews. A chat
// whose synthesis fails is logged and keeps its old preview, if any.
func (s *Synthesizer) ListAll(ctx context.Context) ([]*conversation.Preview, error) {
	chats, err := s.graph.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := s.graph.Store().ListPreviews(ctx)
	if err != nil {
		return nil, err
	}
	byChat := make(map[conversation.NodeID]*conversation.Preview, len(existing))
	for _, p := range existing {
		byChat[p.ChatID] = p
	}

	eg, ctx2 := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for _, chat := range chats {
		if byChat[chat.ID].Fresh(chat) {
			continue
		}
		chat := chat
		eg.Go(func() error {
			if _, err := s.EnsurePreview(ctx2, chat.ID); err != nil {
				log.Warn().Err(err).Str("chat", chat.ID.String()).Msg("could not synthesize preview")
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return s.graph.Store().ListPreviews(ctx)
}
