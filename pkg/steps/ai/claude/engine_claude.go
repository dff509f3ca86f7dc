package claude

import (
	"context"
	"strings"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/steps/ai/claude/api"
	"github.com/go-go-golems/grove/pkg/steps/ai/settings"
	"github.com/go-go-golems/grove/pkg/steps/parse"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultMaxTokens = 4096

// ClaudeEngine streams completions from the Anthropic Messages API.
//
// Thinking blocks are rendered inline between the splitter's markers, so the router sees
// the same shape of text as from a model that emits reasoning tags itself.
type ClaudeEngine struct {
	client    *api.Client
	splitter  *parse.ThinkingSplitter
	maxTokens int
}

var _ engine.Engine = (*ClaudeEngine)(nil)

type Option func(*ClaudeEngine)

func WithSplitter(s *parse.ThinkingSplitter) Option {
	return func(e *ClaudeEngine) {
		e.splitter = s
	}
}

func WithMaxTokens(n int) Option {
	return func(e *ClaudeEngine) {
		e.maxTokens = n
	}
}

func NewClaudeEngine(baseURL string, apiKey string, cs *settings.ClientSettings, options ...Option) *ClaudeEngine {
	ret := &ClaudeEngine{
		client:    api.NewClient(apiKey, baseURL, cs.Client()),
		splitter:  parse.NewThinkingSplitter("", ""),
		maxTokens: DefaultMaxTokens,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// MakeMessageRequest collects system messages into the system prompt and maps the rest
// onto the two roles the API accepts.
func (e *ClaudeEngine) MakeMessageRequest(req engine.Request) *api.MessageRequest {
	var system []string
	msgs := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case conversation.RoleSystem:
			if text := m.Text(); text != "" {
				system = append(system, text)
			}
		case conversation.RoleAssistant:
			msgs = append(msgs, api.Message{Role: "assistant", Content: []api.Content{api.NewTextContent(m.Text())}})
		case conversation.RoleFunction:
			msgs = append(msgs, api.Message{Role: "user", Content: []api.Content{api.NewTextContent(engine.FunctionPrefix + m.Text())}})
		default:
			msgs = append(msgs, api.Message{Role: "user", Content: []api.Content{api.NewTextContent(m.Text())}})
		}
	}

	return &api.MessageRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: e.maxTokens,
		System:    strings.Join(system, "\n\n"),
		Stream:    true,
	}
}

func (e *ClaudeEngine) Stream(ctx context.Context, req engine.Request) (<-chan helpers.Result[string], error) {
	events, err := e.client.StreamMessage(ctx, e.MakeMessageRequest(req))
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("Claude streaming request failed")
		return nil, err
	}

	c := make(chan helpers.Result[string])
	go func() {
		defer close(c)
		defer func() {
			for range events {
			}
		}()

		inThinking := false
		for r := range events {
			event, err := r.Value()
			if err != nil {
				if !engine.SendResult(ctx, c, helpers.NewErrorResult[string](err)) {
					return
				}
				if errdefs.IsParse(err) {
					continue
				}
				return
			}

			delta := ""
			switch event.Type {
			case api.ContentBlockStartType:
				if event.ContentBlock != nil && event.ContentBlock.Type == api.ContentTypeThinking {
					inThinking = true
					delta = e.splitter.Open + event.ContentBlock.Thinking
				} else if event.ContentBlock != nil {
					delta = event.ContentBlock.Text
				}
			case api.ContentBlockDeltaType:
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case api.TextDeltaType:
					delta = event.Delta.Text
				case api.ThinkingDeltaType:
					delta = event.Delta.Thinking
				case api.SignatureDeltaType:
				}
			case api.ContentBlockStopType:
				if inThinking {
					inThinking = false
					delta = e.splitter.Close
				}
			case api.ErrorType:
				msg := "claude stream error"
				if event.Error != nil {
					msg = event.Error.Type + ": " + event.Error.Message
				}
				engine.SendResult(ctx, c, helpers.NewErrorResult[string](errdefs.Transport(errors.New(msg))))
				return
			case api.PingType, api.MessageStartType, api.MessageDeltaType, api.MessageStopType:
			}

			if delta == "" {
				continue
			}
			if !engine.SendResult(ctx, c, helpers.NewValueResult(delta)) {
				return
			}
		}
	}()
	return c, nil
}
